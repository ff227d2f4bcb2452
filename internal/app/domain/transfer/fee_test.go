package transfer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeePolicy_Fees(t *testing.T) {
	policy := NewFeePolicy(decimal.Decimal{})

	cases := []struct {
		amount     string
		commission string
		total      string
	}{
		{"20.00", "0.30", "20.30"},
		{"100.00", "1.50", "101.50"},
		{"0.01", "0.00", "0.01"},
		{"0.50", "0.01", "0.51"},
		{"999999.99", "15000.00", "1014999.99"},
		{"33.33", "0.50", "33.83"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			commission, total, err := policy.Fees(decimal.RequireFromString(tc.amount))
			if err != nil {
				t.Fatalf("fees: %v", err)
			}
			if got := commission.StringFixed(2); got != tc.commission {
				t.Fatalf("commission = %s, want %s", got, tc.commission)
			}
			if got := total.StringFixed(2); got != tc.total {
				t.Fatalf("total = %s, want %s", got, tc.total)
			}
		})
	}
}

func TestFeePolicy_RejectsNonPositive(t *testing.T) {
	policy := NewFeePolicy(decimal.Decimal{})
	for _, amount := range []string{"0", "-1.00"} {
		if _, _, err := policy.Fees(decimal.RequireFromString(amount)); !errors.Is(err, ErrNonPositiveAmount) {
			t.Fatalf("amount %s: err = %v, want ErrNonPositiveAmount", amount, err)
		}
	}
}

func TestLockOrder(t *testing.T) {
	if lo, hi := LockOrder(7, 3); lo != 3 || hi != 7 {
		t.Fatalf("LockOrder(7,3) = %d,%d", lo, hi)
	}
	if lo, hi := LockOrder(3, 7); lo != 3 || hi != 7 {
		t.Fatalf("LockOrder(3,7) = %d,%d", lo, hi)
	}
}
