// Package cache holds derived read-path state in redis. Every method is best
// effort: redis being down degrades to store reads, never to request
// failures.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/pkg/logger"
)

const (
	// SummaryTTL is short by design: the cache absorbs read bursts, the
	// database stays the source of truth.
	SummaryTTL = 10 * time.Second
	// RangeTTL covers date-range history queries, which are immutable once
	// the range lies in the past.
	RangeTTL = 5 * time.Minute
)

// Cache wraps a redis client with the payment layer's key schema.
type Cache struct {
	rdb *redis.Client
	log *logger.Logger
}

// New creates a cache on the given client. A nil client yields a nil *Cache,
// which every method tolerates.
func New(rdb *redis.Client, log *logger.Logger) *Cache {
	if rdb == nil {
		return nil
	}
	if log == nil {
		log = logger.NewDefault("cache")
	}
	return &Cache{rdb: rdb, log: log}
}

func summaryKey(accountID int64) string {
	return fmt.Sprintf("payment:summary:%d", accountID)
}

func rangeKey(accountID int64, from, to time.Time, limit int) string {
	return fmt.Sprintf("payment:range:%d:%d:%d:%d", accountID, from.Unix(), to.Unix(), limit)
}

// GetSummary returns the cached summary and whether it was present.
func (c *Cache) GetSummary(ctx context.Context, accountID int64) (transfer.Summary, bool, error) {
	if c == nil {
		return transfer.Summary{}, false, nil
	}
	raw, err := c.rdb.Get(ctx, summaryKey(accountID)).Bytes()
	if err == redis.Nil {
		return transfer.Summary{}, false, nil
	}
	if err != nil {
		return transfer.Summary{}, false, err
	}
	var s transfer.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return transfer.Summary{}, false, err
	}
	return s, true, nil
}

// SetSummary stores the summary under a short TTL.
func (c *Cache) SetSummary(ctx context.Context, accountID int64, s transfer.Summary) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, summaryKey(accountID), raw, SummaryTTL).Err()
}

// GetRange returns a cached date-range history page.
func (c *Cache) GetRange(ctx context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	raw, err := c.rdb.Get(ctx, rangeKey(accountID, from, to, limit)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var page []transfer.Transfer
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// SetRange caches a date-range history page.
func (c *Cache) SetRange(ctx context.Context, accountID int64, from, to time.Time, limit int, page []transfer.Transfer) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, rangeKey(accountID, from, to, limit), raw, RangeTTL).Err()
}

// InvalidateBalances implements the engine's CacheInvalidator: after a commit
// the summary entries of both parties are dropped so the next read sees the
// committed state. Range entries expire on their own.
func (c *Cache) InvalidateBalances(ctx context.Context, accountIDs ...int64) {
	if c == nil || len(accountIDs) == 0 {
		return
	}
	keys := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		keys[i] = summaryKey(id)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Warn("cache invalidation failed")
	}
}

// Ping verifies connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
