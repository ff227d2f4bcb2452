package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
)

func testTransfer() transfer.Transfer {
	key := "5f0c1a46-9f5f-4bb0-9e6c-2f8a9d3f1c22"
	return transfer.Transfer{
		ReferenceNumber: "TXN20260101DEADBEEF",
		IdempotencyKey:  &key,
		SenderID:        1,
		ReceiverID:      2,
		Amount:          decimal.RequireFromString("10.00"),
		CommissionFee:   decimal.RequireFromString("0.15"),
		TotalDeducted:   decimal.RequireFromString("10.15"),
	}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetAccount(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM accounts").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "email", "balance", "is_active", "blocked_at", "locked_at", "created_at", "updated_at",
		}).AddRow(int64(1), "Alice", "alice@example.com", "100.00", true, nil, nil, now, now))

	acct, err := store.GetAccount(context.Background(), 1)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Name != "Alice" || acct.Balance.StringFixed(2) != "100.00" {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if !acct.CanTransact() {
		t.Fatal("active unblocked account should transact")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM accounts").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetAccount(context.Background(), 99)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInTransferTx_MapsContention(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FOR UPDATE").
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	err := store.InTransferTx(context.Background(), func(tx storage.TransferTx) error {
		_, err := tx.LockAccounts(context.Background(), 1, 2)
		return err
	})
	if !errors.Is(err, storage.ErrLockContention) {
		t.Fatalf("err = %v, want ErrLockContention", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInTransferTx_MapsDuplicateConstraints(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO transfers").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transfers_idempotency_key_key"})
	mock.ExpectRollback()

	err := store.InTransferTx(context.Background(), func(tx storage.TransferTx) error {
		_, err := tx.CreatePendingTransfer(context.Background(), testTransfer())
		return err
	})
	if !errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
		t.Fatalf("err = %v, want ErrDuplicateIdempotencyKey", err)
	}
}

func TestHasIdempotencyKey_ChecksArchive(t *testing.T) {
	store, mock := newMockStore(t)
	key := "5f0c1a46-9f5f-4bb0-9e6c-2f8a9d3f1c22"

	// The key lives only in archived_transfers; it must still count as spent.
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM transfers WHERE idempotency_key = \$1\)\s+OR EXISTS \(SELECT 1 FROM archived_transfers WHERE idempotency_key = \$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.HasIdempotencyKey(context.Background(), key)
	if err != nil {
		t.Fatalf("has key: %v", err)
	}
	if !exists {
		t.Fatal("archived idempotency key not reported")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReferenceExists_ChecksArchive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM transfers WHERE reference_number = \$1\)\s+OR EXISTS \(SELECT 1 FROM archived_transfers WHERE reference_number = \$1\)`).
		WithArgs("TXN20260101DEADBEEF").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	err := store.InTransferTx(context.Background(), func(tx storage.TransferTx) error {
		exists, err := tx.ReferenceExists(context.Background(), "TXN20260101DEADBEEF")
		if err != nil {
			return err
		}
		if !exists {
			t.Fatal("archived reference not reported")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInTransferTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	sentinel := errors.New("business rule failed")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTransferTx(context.Background(), func(tx storage.TransferTx) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestArchiveBatch(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().UTC().AddDate(0, 0, -90)

	// Failed rows are terminal too and age out with the completed ones.
	mock.ExpectExec(`WITH batch AS \(\s+SELECT id FROM transfers\s+WHERE status IN \('completed', 'failed'\)`).
		WithArgs(cutoff, 1000).
		WillReturnResult(sqlmock.NewResult(0, 42))

	moved, err := store.ArchiveBatch(context.Background(), cutoff, 1000)
	if err != nil {
		t.Fatalf("archive batch: %v", err)
	}
	if moved != 42 {
		t.Fatalf("moved = %d, want 42", moved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSumSentSince(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Now().UTC().Truncate(24 * time.Hour)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(int64(1), since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("123.45"))

	total, err := store.SumSentSince(context.Background(), 1, since)
	if err != nil {
		t.Fatalf("sum sent: %v", err)
	}
	if got := total.StringFixed(2); got != "123.45" {
		t.Fatalf("total = %s, want 123.45", got)
	}
}
