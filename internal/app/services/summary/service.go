// Package summary serves the per-account balance summary and transfer history
// read path.
package summary

import (
	"context"
	"errors"
	"time"

	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
	"github.com/finovia/payment_layer/pkg/logger"
)

// DefaultPageSize bounds history pages when the caller does not ask for a
// specific size.
const DefaultPageSize = 20

// MaxPageSize is the hard upper bound on a history page.
const MaxPageSize = 100

// BalanceSource reads cached balances and date-range history pages ahead of
// the store. A nil source is ignored.
type BalanceSource interface {
	GetSummary(ctx context.Context, accountID int64) (transfer.Summary, bool, error)
	SetSummary(ctx context.Context, accountID int64, s transfer.Summary) error
	GetRange(ctx context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, bool, error)
	SetRange(ctx context.Context, accountID int64, from, to time.Time, limit int, page []transfer.Transfer) error
}

// Service answers summary and history queries.
type Service struct {
	transfers storage.TransferStore
	summaries storage.SummaryStore
	cache     BalanceSource
	log       *logger.Logger
}

// New creates the summary service. cache may be nil.
func New(transfers storage.TransferStore, summaries storage.SummaryStore, cache BalanceSource, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("summary")
	}
	return &Service{transfers: transfers, summaries: summaries, cache: cache, log: log}
}

// Get returns the account's balance summary. A cache hit short-circuits the
// store; a missing summary row is rebuilt from the transfer history on the
// fly, so accounts predating the summary table still resolve.
func (s *Service) Get(ctx context.Context, accountID int64) (transfer.Summary, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.GetSummary(ctx, accountID); err == nil && ok {
			return cached, nil
		} else if err != nil {
			s.log.WithError(err).Warn("summary cache read failed")
		}
	}

	sum, err := s.summaries.GetSummary(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		sum, err = s.summaries.RebuildSummary(ctx, accountID)
	}
	if err != nil {
		return transfer.Summary{}, err
	}

	if s.cache != nil {
		if err := s.cache.SetSummary(ctx, accountID, sum); err != nil {
			s.log.WithError(err).Warn("summary cache write failed")
		}
	}
	return sum, nil
}

// History returns a page of the account's transfers, newest first. beforeID
// is the cursor from the previous page; zero starts at the newest transfer.
func (s *Service) History(ctx context.Context, accountID, beforeID int64, limit int) ([]transfer.Transfer, error) {
	return s.transfers.ListTransfers(ctx, accountID, storage.ListOptions{
		BeforeID: beforeID,
		Limit:    clampLimit(limit),
	})
}

// HistoryByDateRange returns the account's transfers between from and to
// inclusive, newest first. Pages are served from the cache when present;
// ranges in the past never change, so the short TTL only matters for ranges
// that still include today.
func (s *Service) HistoryByDateRange(ctx context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, error) {
	if to.Before(from) {
		return nil, errors.New("date range end precedes start")
	}
	limit = clampLimit(limit)

	if s.cache != nil {
		if page, ok, err := s.cache.GetRange(ctx, accountID, from, to, limit); err == nil && ok {
			return page, nil
		} else if err != nil {
			s.log.WithError(err).Warn("range cache read failed")
		}
	}

	page, err := s.transfers.ListTransfersByDateRange(ctx, accountID, from, to, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetRange(ctx, accountID, from, to, limit, page); err != nil {
			s.log.WithError(err).Warn("range cache write failed")
		}
	}
	return page, nil
}

// Search matches the account's transfers by reference number or description
// substring.
func (s *Service) Search(ctx context.Context, accountID int64, query string, limit int) ([]transfer.Transfer, error) {
	if query == "" {
		return nil, errors.New("search query is required")
	}
	return s.transfers.SearchTransfers(ctx, accountID, query, clampLimit(limit))
}

// ByReference looks a single transfer up by its reference number.
func (s *Service) ByReference(ctx context.Context, reference string) (transfer.Transfer, error) {
	return s.transfers.GetTransferByReference(ctx, reference)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
