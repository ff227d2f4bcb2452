package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/storage/memory"
	"github.com/finovia/payment_layer/pkg/logger"
)

func TestService_OpenValidates(t *testing.T) {
	svc := New(memory.New(), logger.NewNop())

	acct, err := svc.Open(context.Background(), "  Alice  ", "ALICE@Example.com", decimal.RequireFromString("25.00"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if acct.Name != "Alice" || acct.Email != "alice@example.com" {
		t.Fatalf("inputs not normalised: %+v", acct)
	}
	if !acct.IsActive || !acct.CanTransact() {
		t.Fatalf("new account should transact: %+v", acct)
	}

	cases := []struct {
		name    string
		email   string
		balance string
	}{
		{"", "a@example.com", "0"},
		{"Bob", "not-an-email", "0"},
		{"Bob", "b@example.com", "-1.00"},
	}
	for _, tc := range cases {
		if _, err := svc.Open(context.Background(), tc.name, tc.email, decimal.RequireFromString(tc.balance)); err == nil {
			t.Fatalf("open(%q, %q, %s) accepted", tc.name, tc.email, tc.balance)
		}
	}
}

func TestService_BlockUnblock(t *testing.T) {
	svc := New(memory.New(), logger.NewNop())
	acct, err := svc.Open(context.Background(), "Alice", "alice@example.com", decimal.Zero)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	blocked, err := svc.Block(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.CanTransact() {
		t.Fatal("blocked account should not transact")
	}

	unblocked, err := svc.Unblock(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if !unblocked.CanTransact() {
		t.Fatal("unblocked account should transact again")
	}

	if _, err := svc.Block(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
