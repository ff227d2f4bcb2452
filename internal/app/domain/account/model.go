package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a registered party holding a monetary balance. Balances
// carry exactly two fractional digits and are mutated only by the transfer
// engine under a row lock.
type Account struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Email     string          `db:"email" json:"email"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	BlockedAt *time.Time      `db:"blocked_at" json:"blocked_at,omitempty"`
	LockedAt  *time.Time      `db:"locked_at" json:"locked_at,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Blocked reports whether the account has been administratively blocked.
func (a Account) Blocked() bool { return a.BlockedAt != nil }

// Locked reports whether the account has been locked pending review.
func (a Account) Locked() bool { return a.LockedAt != nil }

// CanTransact reports whether the account may appear on either side of a
// transfer.
func (a Account) CanTransact() bool {
	return a.IsActive && !a.Blocked() && !a.Locked()
}

// Identity is the minimal party view embedded in transfer responses and
// notification events.
type Identity struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Identity returns the account's minimal identity.
func (a Account) Identity() Identity {
	return Identity{ID: a.ID, Name: a.Name, Email: a.Email}
}
