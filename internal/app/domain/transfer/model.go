// Package transfer holds the pure domain model of the funds-transfer engine:
// the transfer record, the fee policy and reference number generation. Nothing
// in this package touches storage.
package transfer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	// StatusPending marks a record created inside a still-open transaction.
	StatusPending Status = "pending"
	// StatusCompleted marks a committed, immutable transfer.
	StatusCompleted Status = "completed"
	// StatusFailed marks a terminal business-rule failure recorded after the
	// money-moving transaction rolled back. Failed records never carry
	// balance changes.
	StatusFailed Status = "failed"
)

// Transfer is the unit of work: one attempted movement of funds between two
// accounts, including the commission charged to the sender.
type Transfer struct {
	ID              int64           `db:"id" json:"id"`
	ReferenceNumber string          `db:"reference_number" json:"reference_number"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	SenderID        int64           `db:"sender_id" json:"sender_id"`
	ReceiverID      int64           `db:"receiver_id" json:"receiver_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	CommissionFee   decimal.Decimal `db:"commission_fee" json:"commission_fee"`
	TotalDeducted   decimal.Decimal `db:"total_deducted" json:"total_deducted"`
	Status          Status          `db:"status" json:"status"`
	Description     string          `db:"description" json:"description,omitempty"`
	FailureReason   string          `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Summary is the per-account derived aggregate over completed transfers. It is
// an optimization, not a source of truth: it must always be reconstructible by
// aggregating the transfer history.
type Summary struct {
	AccountID       int64           `db:"account_id" json:"account_id"`
	TotalSent       decimal.Decimal `db:"total_sent" json:"total_sent"`
	TotalReceived   decimal.Decimal `db:"total_received" json:"total_received"`
	TotalCommission decimal.Decimal `db:"total_commission" json:"total_commission"`
	TransferCount   int64           `db:"transfer_count" json:"transfer_count"`
	CachedBalance   decimal.Decimal `db:"cached_balance" json:"cached_balance"`
	LastTransferAt  *time.Time      `db:"last_transfer_at" json:"last_transfer_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Direction of a transfer relative to the party viewing it.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// View is a transfer shaped for one of its parties. The commission and the
// total deduction are the sender's business; a receiver sees only the
// credited amount.
type View struct {
	ID              int64            `json:"id"`
	ReferenceNumber string           `json:"reference_number"`
	Direction       string           `json:"direction"`
	CounterpartyID  int64            `json:"counterparty_id"`
	Amount          decimal.Decimal  `json:"amount"`
	CommissionFee   *decimal.Decimal `json:"commission_fee,omitempty"`
	TotalDeducted   *decimal.Decimal `json:"total_deducted,omitempty"`
	Status          Status           `json:"status"`
	Description     string           `json:"description,omitempty"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ViewFor shapes the transfer for the given party. Anyone other than the
// sender is treated as the receiving side.
func (t Transfer) ViewFor(viewerID int64) View {
	v := View{
		ID:              t.ID,
		ReferenceNumber: t.ReferenceNumber,
		Amount:          t.Amount,
		Status:          t.Status,
		Description:     t.Description,
		ProcessedAt:     t.ProcessedAt,
		CreatedAt:       t.CreatedAt,
	}
	if t.SenderID == viewerID {
		fee := t.CommissionFee
		total := t.TotalDeducted
		v.Direction = DirectionDebit
		v.CounterpartyID = t.ReceiverID
		v.CommissionFee = &fee
		v.TotalDeducted = &total
	} else {
		v.Direction = DirectionCredit
		v.CounterpartyID = t.SenderID
	}
	return v
}

// LockOrder returns the two account ids sorted ascending. Every caller that
// locks both rows uses this order, which makes the wait-for graph acyclic and
// rules out deadlock between transfers.
func LockOrder(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
