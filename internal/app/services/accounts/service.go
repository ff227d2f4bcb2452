// Package accounts provides account opening and administration. Balances are
// only ever mutated by the transfer engine; this service touches identity and
// status flags.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	"github.com/finovia/payment_layer/internal/app/storage"
	"github.com/finovia/payment_layer/pkg/logger"
)

// ErrNotFound is returned when the account does not exist.
var ErrNotFound = errors.New("account not found")

// Service manages account records.
type Service struct {
	store storage.AccountStore
	log   *logger.Logger
}

// New creates the account service.
func New(store storage.AccountStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, log: log}
}

// Open creates a new active account with the given opening balance.
func (s *Service) Open(ctx context.Context, name, email string, openingBalance decimal.Decimal) (account.Account, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return account.Account{}, errors.New("name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return account.Account{}, errors.New("a valid email is required")
	}
	if openingBalance.IsNegative() {
		return account.Account{}, errors.New("opening balance cannot be negative")
	}

	acct, err := s.store.CreateAccount(ctx, account.Account{
		Name:     name,
		Email:    email,
		Balance:  openingBalance.Round(2),
		IsActive: true,
	})
	if err != nil {
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"account_id": acct.ID,
		"email":      acct.Email,
	}).Info("account opened")
	return acct, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id int64) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return account.Account{}, ErrNotFound
		}
		return account.Account{}, err
	}
	return acct, nil
}

// List returns all accounts ordered by id.
func (s *Service) List(ctx context.Context) ([]account.Account, error) {
	return s.store.ListAccounts(ctx)
}

// Block marks the account as blocked; a blocked account may not send or
// receive transfers.
func (s *Service) Block(ctx context.Context, id int64) (account.Account, error) {
	return s.setStatus(ctx, id, func(acct *account.Account) {
		now := time.Now().UTC()
		acct.BlockedAt = &now
	})
}

// Unblock clears the blocked flag.
func (s *Service) Unblock(ctx context.Context, id int64) (account.Account, error) {
	return s.setStatus(ctx, id, func(acct *account.Account) {
		acct.BlockedAt = nil
	})
}

func (s *Service) setStatus(ctx context.Context, id int64, mutate func(*account.Account)) (account.Account, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return account.Account{}, err
	}
	mutate(&acct)
	updated, err := s.store.UpdateAccount(ctx, acct)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return account.Account{}, ErrNotFound
		}
		return account.Account{}, err
	}
	return updated, nil
}
