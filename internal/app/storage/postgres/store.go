// Package postgres implements the storage interfaces backed by PostgreSQL.
// Row-level pessimistic locks (SELECT ... FOR UPDATE) are the system's only
// concurrency-control primitive.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
	q  *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.TransferStore = (*Store)(nil)
var _ storage.SummaryStore = (*Store)(nil)
var _ storage.EngineStore = (*Store)(nil)
var _ storage.ArchiveStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: sqlx.NewDb(db, "postgres")}
}

// mapError translates driver errors into the storage error taxonomy. Postgres
// class 40 errors (serialization_failure, deadlock_detected) and lock
// timeouts are all treated as contention.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return storage.ErrLockContention
		case "23505":
			switch pqErr.Constraint {
			case "transfers_reference_number_key", "archived_transfers_reference_number_key":
				return storage.ErrDuplicateReference
			case "transfers_idempotency_key_key":
				return storage.ErrDuplicateIdempotencyKey
			}
		}
	}
	return err
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if acct.Balance.IsZero() {
		acct.Balance = decimal.Zero
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (name, email, balance, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, acct.Name, acct.Email, acct.Balance, acct.IsActive, acct.CreatedAt, acct.UpdatedAt).Scan(&acct.ID)
	if err != nil {
		return account.Account{}, mapError(err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (account.Account, error) {
	var acct account.Account
	err := s.q.GetContext(ctx, &acct, `
		SELECT id, name, email, balance, is_active, blocked_at, locked_at, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	if err != nil {
		return account.Account{}, mapError(err)
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var result []account.Account
	err := s.q.SelectContext(ctx, &result, `
		SELECT id, name, email, balance, is_active, blocked_at, locked_at, created_at, updated_at
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET name = $2, email = $3, is_active = $4, blocked_at = $5, locked_at = $6, updated_at = $7
		WHERE id = $1
	`, acct.ID, acct.Name, acct.Email, acct.IsActive, toNullTimePtr(acct.BlockedAt), toNullTimePtr(acct.LockedAt), acct.UpdatedAt)
	if err != nil {
		return account.Account{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return account.Account{}, storage.ErrNotFound
	}
	return s.GetAccount(ctx, acct.ID)
}

// --- TransferStore ----------------------------------------------------------

const transferColumns = `id, reference_number, idempotency_key, sender_id, receiver_id,
	amount, commission_fee, total_deducted, status, description, failure_reason,
	processed_at, created_at, updated_at`

func (s *Store) GetTransferByReference(ctx context.Context, reference string) (transfer.Transfer, error) {
	var t transfer.Transfer
	err := s.q.GetContext(ctx, &t, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE reference_number = $1
	`, reference)
	if err != nil {
		return transfer.Transfer{}, mapError(err)
	}
	return t, nil
}

func (s *Store) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	// Archived rows still count: a key stays spent after its transfer ages out
	// of the primary table.
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transfers WHERE idempotency_key = $1)
		    OR EXISTS (SELECT 1 FROM archived_transfers WHERE idempotency_key = $1)
	`, key).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (s *Store) ListTransfers(ctx context.Context, accountID int64, opts storage.ListOptions) ([]transfer.Transfer, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	// Cursor pagination over the descending primary key; an offset scan over
	// millions of rows is not an option here.
	var result []transfer.Transfer
	err := s.q.SelectContext(ctx, &result, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE (sender_id = $1 OR receiver_id = $1)
		  AND status = 'completed'
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, accountID, opts.BeforeID, opts.Limit)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) ListTransfersByDateRange(ctx context.Context, accountID int64, from, to time.Time, limit int) ([]transfer.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	var result []transfer.Transfer
	err := s.q.SelectContext(ctx, &result, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE (sender_id = $1 OR receiver_id = $1)
		  AND status = 'completed'
		  AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT $4
	`, accountID, from, to, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) SearchTransfers(ctx context.Context, accountID int64, query string, limit int) ([]transfer.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	var result []transfer.Transfer
	err := s.q.SelectContext(ctx, &result, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE (sender_id = $1 OR receiver_id = $1)
		  AND (reference_number LIKE $2 || '%' OR amount::text = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, accountID, query, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) SumSentSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transfers
		WHERE sender_id = $1 AND status = 'completed' AND created_at >= $2
	`, senderID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	return total, nil
}

func (s *Store) RecordFailedTransfer(ctx context.Context, t transfer.Transfer) (transfer.Transfer, error) {
	now := time.Now().UTC()
	t.Status = transfer.StatusFailed
	t.CreatedAt = now
	t.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transfers (reference_number, idempotency_key, sender_id, receiver_id,
			amount, commission_fee, total_deducted, status, description, failure_reason,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, t.ReferenceNumber, t.IdempotencyKey, t.SenderID, t.ReceiverID,
		t.Amount, t.CommissionFee, t.TotalDeducted, t.Status, t.Description, t.FailureReason,
		t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return transfer.Transfer{}, mapError(err)
	}
	return t, nil
}

// --- SummaryStore -----------------------------------------------------------

func (s *Store) GetSummary(ctx context.Context, accountID int64) (transfer.Summary, error) {
	var sum transfer.Summary
	err := s.q.GetContext(ctx, &sum, `
		SELECT account_id, total_sent, total_received, total_commission,
			transfer_count, cached_balance, last_transfer_at, updated_at
		FROM balance_summaries
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return transfer.Summary{}, mapError(err)
	}
	return sum, nil
}

func (s *Store) RebuildSummary(ctx context.Context, accountID int64) (transfer.Summary, error) {
	// Aggregate the completed history and upsert in one statement so the slow
	// path can race with the engine's incremental path without losing either
	// update.
	var sum transfer.Summary
	err := s.q.GetContext(ctx, &sum, `
		WITH stats AS (
			SELECT
				COALESCE(SUM(CASE WHEN sender_id = $1 THEN amount END), 0)         AS total_sent,
				COALESCE(SUM(CASE WHEN receiver_id = $1 THEN amount END), 0)       AS total_received,
				COALESCE(SUM(CASE WHEN sender_id = $1 THEN commission_fee END), 0) AS total_commission,
				COUNT(*)                                                           AS transfer_count,
				MAX(processed_at)                                                  AS last_transfer_at
			FROM transfers
			WHERE (sender_id = $1 OR receiver_id = $1) AND status = 'completed'
		)
		INSERT INTO balance_summaries (account_id, total_sent, total_received, total_commission,
			transfer_count, cached_balance, last_transfer_at, updated_at)
		SELECT $1, stats.total_sent, stats.total_received, stats.total_commission,
			stats.transfer_count, a.balance, stats.last_transfer_at, NOW()
		FROM stats, accounts a
		WHERE a.id = $1
		ON CONFLICT (account_id) DO UPDATE SET
			total_sent       = EXCLUDED.total_sent,
			total_received   = EXCLUDED.total_received,
			total_commission = EXCLUDED.total_commission,
			transfer_count   = EXCLUDED.transfer_count,
			cached_balance   = EXCLUDED.cached_balance,
			last_transfer_at = EXCLUDED.last_transfer_at,
			updated_at       = EXCLUDED.updated_at
		RETURNING account_id, total_sent, total_received, total_commission,
			transfer_count, cached_balance, last_transfer_at, updated_at
	`, accountID)
	if err != nil {
		return transfer.Summary{}, mapError(err)
	}
	return sum, nil
}

// --- EngineStore ------------------------------------------------------------

func (s *Store) InTransferTx(ctx context.Context, fn func(tx storage.TransferTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := fn(&transferTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type transferTx struct {
	tx *sql.Tx
}

var _ storage.TransferTx = (*transferTx)(nil)

func (t *transferTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]account.Account, error) {
	// One ordered query acquires both locks; ascending id is the global lock
	// order that keeps the wait-for graph acyclic.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, email, balance, is_active, blocked_at, locked_at, created_at, updated_at
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make(map[int64]account.Account, len(ids))
	for rows.Next() {
		var (
			acct      account.Account
			blockedAt sql.NullTime
			lockedAt  sql.NullTime
		)
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.Email, &acct.Balance, &acct.IsActive,
			&blockedAt, &lockedAt, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, mapError(err)
		}
		if blockedAt.Valid {
			at := blockedAt.Time.UTC()
			acct.BlockedAt = &at
		}
		if lockedAt.Valid {
			at := lockedAt.Time.UTC()
			acct.LockedAt = &at
		}
		result[acct.ID] = acct
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (t *transferTx) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	// The archive keeps its own unique reference index, so a fresh reference
	// must be unique across both tables or a later ArchiveBatch would collide.
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transfers WHERE reference_number = $1)
		    OR EXISTS (SELECT 1 FROM archived_transfers WHERE reference_number = $1)
	`, reference).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (t *transferTx) CreatePendingTransfer(ctx context.Context, rec transfer.Transfer) (transfer.Transfer, error) {
	now := time.Now().UTC()
	rec.Status = transfer.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transfers (reference_number, idempotency_key, sender_id, receiver_id,
			amount, commission_fee, total_deducted, status, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, rec.ReferenceNumber, rec.IdempotencyKey, rec.SenderID, rec.ReceiverID,
		rec.Amount, rec.CommissionFee, rec.TotalDeducted, rec.Status, rec.Description,
		rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID)
	if err != nil {
		return transfer.Transfer{}, mapError(err)
	}
	return rec, nil
}

func (t *transferTx) ApplyBalanceDelta(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, delta)
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *transferTx) CompleteTransfer(ctx context.Context, id int64, processedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transfers
		SET status = $2, processed_at = $3, updated_at = $3
		WHERE id = $1
	`, id, transfer.StatusCompleted, processedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *transferTx) UpsertSummaryDelta(ctx context.Context, accountID int64, d storage.SummaryDelta) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balance_summaries (account_id, total_sent, total_received, total_commission,
			transfer_count, cached_balance, last_transfer_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			total_sent       = balance_summaries.total_sent + EXCLUDED.total_sent,
			total_received   = balance_summaries.total_received + EXCLUDED.total_received,
			total_commission = balance_summaries.total_commission + EXCLUDED.total_commission,
			transfer_count   = balance_summaries.transfer_count + 1,
			cached_balance   = EXCLUDED.cached_balance,
			last_transfer_at = EXCLUDED.last_transfer_at,
			updated_at       = NOW()
	`, accountID, d.Sent, d.Received, d.Commission, d.Balance, d.At.UTC())
	return mapError(err)
}

// --- ArchiveStore -----------------------------------------------------------

func (s *Store) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	// Copy and delete atomically in one statement: the originals disappear
	// only together with a durable archive copy. Transfer rows are terminal
	// and immutable here, so no account locks are taken.
	result, err := s.db.ExecContext(ctx, `
		WITH batch AS (
			SELECT id FROM transfers
			WHERE status IN ('completed', 'failed') AND created_at < $1
			ORDER BY id
			LIMIT $2
		), copied AS (
			INSERT INTO archived_transfers (original_id, reference_number, idempotency_key,
				sender_id, receiver_id, amount, commission_fee, total_deducted, status,
				description, failure_reason, processed_at, created_at, updated_at, archived_at)
			SELECT t.id, t.reference_number, t.idempotency_key, t.sender_id, t.receiver_id,
				t.amount, t.commission_fee, t.total_deducted, t.status, t.description,
				t.failure_reason, t.processed_at, t.created_at, t.updated_at, NOW()
			FROM transfers t
			JOIN batch b ON b.id = t.id
			RETURNING original_id
		)
		DELETE FROM transfers
		WHERE id IN (SELECT original_id FROM copied)
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, mapError(err)
	}
	moved, _ := result.RowsAffected()
	return int(moved), nil
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
