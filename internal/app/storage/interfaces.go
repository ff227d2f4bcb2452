// Package storage defines the persistence boundary of the payment layer. The
// postgres package provides the production implementation; memory backs tests
// and local development.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	"github.com/finovia/payment_layer/internal/app/domain/transfer"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLockContention is returned when the database reports a deadlock,
// serialization failure or lock timeout. It is the only error class the
// transfer engine retries.
var ErrLockContention = errors.New("storage: lock contention")

// ErrDuplicateReference is returned when inserting a transfer whose reference
// number already exists.
var ErrDuplicateReference = errors.New("storage: duplicate reference number")

// ErrDuplicateIdempotencyKey is returned when inserting a transfer whose
// idempotency key has already been recorded.
var ErrDuplicateIdempotencyKey = errors.New("storage: duplicate idempotency key")

// AccountStore persists account records.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id int64) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
}

// ListOptions bounds a page of the transfer history. BeforeID is the decoded
// cursor: only transfers with a smaller primary key are returned, newest
// first.
type ListOptions struct {
	BeforeID int64
	Limit    int
}

// SummaryDelta is the incremental update applied to both parties' summary rows
// when a transfer completes. Count always advances by one.
type SummaryDelta struct {
	Sent       decimal.Decimal
	Received   decimal.Decimal
	Commission decimal.Decimal
	Balance    decimal.Decimal
	At         time.Time
}

// TransferStore persists transfer records and serves the read path.
type TransferStore interface {
	GetTransferByReference(ctx context.Context, reference string) (transfer.Transfer, error)
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)
	ListTransfers(ctx context.Context, accountID int64, opts ListOptions) ([]transfer.Transfer, error)
	ListTransfersByDateRange(ctx context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, error)
	SearchTransfers(ctx context.Context, accountID int64, query string, limit int) ([]transfer.Transfer, error)
	// SumSentSince totals the amounts of completed transfers sent by the
	// account at or after the given instant. Backs the daily transfer limit.
	SumSentSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error)
	// RecordFailedTransfer durably records a terminal business-rule failure
	// outside the money-moving transaction. It carries no balance change.
	RecordFailedTransfer(ctx context.Context, t transfer.Transfer) (transfer.Transfer, error)
}

// SummaryStore serves and rebuilds the per-account balance summary.
type SummaryStore interface {
	GetSummary(ctx context.Context, accountID int64) (transfer.Summary, error)
	// RebuildSummary recomputes the aggregate from the transfer history and
	// upserts it. Safe to race with the engine's incremental path.
	RebuildSummary(ctx context.Context, accountID int64) (transfer.Summary, error)
}

// TransferTx is the set of mutations available inside one atomic unit. All
// methods see and modify uncommitted state; a returned error aborts the unit.
type TransferTx interface {
	// LockAccounts acquires exclusive row locks on the given accounts in
	// ascending id order and returns them keyed by id.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]account.Account, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	CreatePendingTransfer(ctx context.Context, t transfer.Transfer) (transfer.Transfer, error)
	// ApplyBalanceDelta adds delta (which may be negative) to the account's
	// balance.
	ApplyBalanceDelta(ctx context.Context, accountID int64, delta decimal.Decimal) error
	CompleteTransfer(ctx context.Context, id int64, processedAt time.Time) error
	// UpsertSummaryDelta applies the incremental aggregate update, creating
	// the summary row when absent.
	UpsertSummaryDelta(ctx context.Context, accountID int64, d SummaryDelta) error
}

// EngineStore is the transactional surface the transfer engine runs on.
type EngineStore interface {
	// InTransferTx runs fn inside one atomic unit and commits when fn returns
	// nil. Any error rolls the unit back and is returned verbatim except
	// contention signals, which surface as ErrLockContention.
	InTransferTx(ctx context.Context, fn func(tx TransferTx) error) error
}

// ArchiveStore moves terminal transfer records out of the primary table.
type ArchiveStore interface {
	// ArchiveBatch copies up to batchSize completed transfers created before
	// cutoff into the archive table and deletes them from the primary table
	// only after the copy succeeds. Returns the number of rows moved.
	ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}
