package transfer

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DefaultCommissionRate is the fixed commission charged on every transfer.
var DefaultCommissionRate = decimal.NewFromFloat(0.015)

// ErrNonPositiveAmount is returned by the fee policy for amounts <= 0.
var ErrNonPositiveAmount = errors.New("amount must be greater than zero")

// FeePolicy converts a transfer amount into a commission and a total debit.
// It is pure and stateless.
type FeePolicy struct {
	rate decimal.Decimal
}

// NewFeePolicy builds a policy with the given commission rate. A zero rate is
// replaced with DefaultCommissionRate.
func NewFeePolicy(rate decimal.Decimal) FeePolicy {
	if rate.IsZero() {
		rate = DefaultCommissionRate
	}
	return FeePolicy{rate: rate}
}

// Rate returns the commission rate in effect.
func (p FeePolicy) Rate() decimal.Decimal { return p.rate }

// Fees returns the commission (amount x rate rounded to 2 decimal places) and
// the total deducted from the sender (amount + commission). The commission is
// never credited to any account.
func (p FeePolicy) Fees(amount decimal.Decimal) (commission, total decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrNonPositiveAmount
	}
	commission = amount.Mul(p.rate).Round(2)
	total = amount.Add(commission)
	return commission, total, nil
}
