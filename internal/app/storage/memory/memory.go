// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. Its single
// mutex serializes transfer transactions, which trivially satisfies the
// engine's isolation requirements.
type Store struct {
	mu             sync.RWMutex
	nextAccountID  int64
	nextTransferID int64
	accounts       map[int64]account.Account
	transfers      map[int64]transfer.Transfer
	archived       map[int64]transfer.Transfer
	summaries      map[int64]transfer.Summary

	txErrs []error
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.TransferStore = (*Store)(nil)
var _ storage.SummaryStore = (*Store)(nil)
var _ storage.EngineStore = (*Store)(nil)
var _ storage.ArchiveStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextAccountID:  1,
		nextTransferID: 1,
		accounts:       make(map[int64]account.Account),
		transfers:      make(map[int64]transfer.Transfer),
		archived:       make(map[int64]transfer.Transfer),
		summaries:      make(map[int64]transfer.Summary),
	}
}

// QueueTxError makes the next InTransferTx call fail with err before running
// its body. Tests use this to simulate lock contention.
func (s *Store) QueueTxError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txErrs = append(s.txErrs, err)
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == 0 {
		acct.ID = s.nextAccountID
		s.nextAccountID++
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %d already exists", acct.ID)
	} else if acct.ID >= s.nextAccountID {
		s.nextAccountID = acct.ID + 1
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	acct.Balance = existing.Balance
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = acct
	return acct, nil
}

// TransferStore implementation ------------------------------------------------

func (s *Store) GetTransferByReference(_ context.Context, reference string) (transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.transfers {
		if t.ReferenceNumber == reference {
			return t, nil
		}
	}
	return transfer.Transfer{}, storage.ErrNotFound
}

func (s *Store) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasIdempotencyKeyLocked(key), nil
}

func (s *Store) hasIdempotencyKeyLocked(key string) bool {
	for _, t := range s.transfers {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return true
		}
	}
	for _, t := range s.archived {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (s *Store) ListTransfers(_ context.Context, accountID int64, opts storage.ListOptions) ([]transfer.Transfer, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transfer.Transfer
	for _, t := range s.transfers {
		if t.Status != transfer.StatusCompleted {
			continue
		}
		if t.SenderID != accountID && t.ReceiverID != accountID {
			continue
		}
		if opts.BeforeID != 0 && t.ID >= opts.BeforeID {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *Store) ListTransfersByDateRange(_ context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transfer.Transfer
	for _, t := range s.transfers {
		if t.Status != transfer.StatusCompleted {
			continue
		}
		if t.SenderID != accountID && t.ReceiverID != accountID {
			continue
		}
		if t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SearchTransfers(_ context.Context, accountID int64, query string, limit int) ([]transfer.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transfer.Transfer
	for _, t := range s.transfers {
		if t.SenderID != accountID && t.ReceiverID != accountID {
			continue
		}
		if !strings.HasPrefix(t.ReferenceNumber, query) && t.Amount.String() != query {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SumSentSince(_ context.Context, senderID int64, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, t := range s.transfers {
		if t.SenderID == senderID && t.Status == transfer.StatusCompleted && !t.CreatedAt.Before(since) {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (s *Store) RecordFailedTransfer(_ context.Context, t transfer.Transfer) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t.ID = s.nextTransferID
	s.nextTransferID++
	t.Status = transfer.StatusFailed
	t.CreatedAt = now
	t.UpdatedAt = now
	s.transfers[t.ID] = t
	return t, nil
}

// SummaryStore implementation -------------------------------------------------

func (s *Store) GetSummary(_ context.Context, accountID int64) (transfer.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[accountID]
	if !ok {
		return transfer.Summary{}, storage.ErrNotFound
	}
	return sum, nil
}

func (s *Store) RebuildSummary(_ context.Context, accountID int64) (transfer.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return transfer.Summary{}, storage.ErrNotFound
	}

	sum := transfer.Summary{
		AccountID:       accountID,
		TotalSent:       decimal.Zero,
		TotalReceived:   decimal.Zero,
		TotalCommission: decimal.Zero,
		CachedBalance:   acct.Balance,
		UpdatedAt:       time.Now().UTC(),
	}
	for _, t := range s.transfers {
		if t.Status != transfer.StatusCompleted {
			continue
		}
		touched := false
		if t.SenderID == accountID {
			sum.TotalSent = sum.TotalSent.Add(t.Amount)
			sum.TotalCommission = sum.TotalCommission.Add(t.CommissionFee)
			touched = true
		}
		if t.ReceiverID == accountID {
			sum.TotalReceived = sum.TotalReceived.Add(t.Amount)
			touched = true
		}
		if touched {
			sum.TransferCount++
			if t.ProcessedAt != nil && (sum.LastTransferAt == nil || t.ProcessedAt.After(*sum.LastTransferAt)) {
				at := *t.ProcessedAt
				sum.LastTransferAt = &at
			}
		}
	}
	s.summaries[accountID] = sum
	return sum, nil
}

// EngineStore implementation --------------------------------------------------

// memTx stages mutations against the store and applies them on commit. The
// store mutex is held for the whole unit, so a unit either applies fully or
// not at all.
type memTx struct {
	store *Store

	pending        []transfer.Transfer
	balanceDeltas  []balanceDelta
	completions    []completion
	summaryUpserts []summaryUpsert
}

type balanceDelta struct {
	accountID int64
	delta     decimal.Decimal
}

type completion struct {
	transferID  int64
	processedAt time.Time
}

type summaryUpsert struct {
	accountID int64
	delta     storage.SummaryDelta
}

var _ storage.TransferTx = (*memTx)(nil)

func (s *Store) InTransferTx(_ context.Context, fn func(tx storage.TransferTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.txErrs) > 0 {
		err := s.txErrs[0]
		s.txErrs = s.txErrs[1:]
		return err
	}

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commitLocked()
	return nil
}

func (tx *memTx) commitLocked() {
	s := tx.store
	for _, t := range tx.pending {
		s.transfers[t.ID] = t
	}
	for _, d := range tx.balanceDeltas {
		acct := s.accounts[d.accountID]
		acct.Balance = acct.Balance.Add(d.delta)
		acct.UpdatedAt = time.Now().UTC()
		s.accounts[d.accountID] = acct
	}
	for _, c := range tx.completions {
		t := s.transfers[c.transferID]
		at := c.processedAt.UTC()
		t.Status = transfer.StatusCompleted
		t.ProcessedAt = &at
		t.UpdatedAt = at
		s.transfers[c.transferID] = t
	}
	for _, u := range tx.summaryUpserts {
		sum, ok := s.summaries[u.accountID]
		if !ok {
			sum = transfer.Summary{
				AccountID:       u.accountID,
				TotalSent:       decimal.Zero,
				TotalReceived:   decimal.Zero,
				TotalCommission: decimal.Zero,
			}
		}
		sum.TotalSent = sum.TotalSent.Add(u.delta.Sent)
		sum.TotalReceived = sum.TotalReceived.Add(u.delta.Received)
		sum.TotalCommission = sum.TotalCommission.Add(u.delta.Commission)
		sum.TransferCount++
		sum.CachedBalance = u.delta.Balance
		at := u.delta.At.UTC()
		sum.LastTransferAt = &at
		sum.UpdatedAt = time.Now().UTC()
		s.summaries[u.accountID] = sum
	}
}

func (tx *memTx) LockAccounts(_ context.Context, ids ...int64) (map[int64]account.Account, error) {
	result := make(map[int64]account.Account, len(ids))
	for _, id := range ids {
		acct, ok := tx.store.accounts[id]
		if !ok {
			continue
		}
		// Staged deltas from this unit are visible to later reads.
		for _, d := range tx.balanceDeltas {
			if d.accountID == id {
				acct.Balance = acct.Balance.Add(d.delta)
			}
		}
		result[id] = acct
	}
	return result, nil
}

func (tx *memTx) ReferenceExists(_ context.Context, reference string) (bool, error) {
	for _, t := range tx.store.transfers {
		if t.ReferenceNumber == reference {
			return true, nil
		}
	}
	for _, t := range tx.store.archived {
		if t.ReferenceNumber == reference {
			return true, nil
		}
	}
	for _, t := range tx.pending {
		if t.ReferenceNumber == reference {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) CreatePendingTransfer(_ context.Context, rec transfer.Transfer) (transfer.Transfer, error) {
	if exists, _ := tx.ReferenceExists(context.Background(), rec.ReferenceNumber); exists {
		return transfer.Transfer{}, storage.ErrDuplicateReference
	}
	if rec.IdempotencyKey != nil && tx.store.hasIdempotencyKeyLocked(*rec.IdempotencyKey) {
		return transfer.Transfer{}, storage.ErrDuplicateIdempotencyKey
	}

	now := time.Now().UTC()
	rec.ID = tx.store.nextTransferID
	tx.store.nextTransferID++
	rec.Status = transfer.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	tx.pending = append(tx.pending, rec)
	return rec, nil
}

func (tx *memTx) ApplyBalanceDelta(_ context.Context, accountID int64, delta decimal.Decimal) error {
	if _, ok := tx.store.accounts[accountID]; !ok {
		return storage.ErrNotFound
	}
	tx.balanceDeltas = append(tx.balanceDeltas, balanceDelta{accountID: accountID, delta: delta})
	return nil
}

func (tx *memTx) CompleteTransfer(_ context.Context, id int64, processedAt time.Time) error {
	for _, t := range tx.pending {
		if t.ID == id {
			tx.completions = append(tx.completions, completion{transferID: id, processedAt: processedAt})
			return nil
		}
	}
	if _, ok := tx.store.transfers[id]; !ok {
		return storage.ErrNotFound
	}
	tx.completions = append(tx.completions, completion{transferID: id, processedAt: processedAt})
	return nil
}

func (tx *memTx) UpsertSummaryDelta(_ context.Context, accountID int64, d storage.SummaryDelta) error {
	tx.summaryUpserts = append(tx.summaryUpserts, summaryUpsert{accountID: accountID, delta: d})
	return nil
}

// ArchiveStore implementation -------------------------------------------------

func (s *Store) ArchiveBatch(_ context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []transfer.Transfer
	for _, t := range s.transfers {
		if t.Status == transfer.StatusPending || !t.CreatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	for _, t := range candidates {
		s.archived[t.ID] = t
		delete(s.transfers, t.ID)
	}
	return len(candidates), nil
}

// ArchivedCount reports how many transfers have been moved to the archive.
// Test helper.
func (s *Store) ArchivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archived)
}
