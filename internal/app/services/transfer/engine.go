// Package transfer implements the funds-transfer engine: validation, fee
// computation, ordered locking, atomic balance mutation and contention
// recovery.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finovia/payment_layer/internal/app/domain/account"
	domain "github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/metrics"
	"github.com/finovia/payment_layer/internal/app/storage"
	"github.com/finovia/payment_layer/pkg/logger"
)

const (
	maxDescriptionLen = 255
	// referenceAttempts bounds the generate-and-check loop. With 32 bits of
	// suffix entropy per day the loop practically never iterates.
	referenceAttempts = 10
)

// Options tune the engine. Zero values fall back to the defaults below.
type Options struct {
	// MaxAttempts bounds the contention retry loop.
	MaxAttempts int
	// BaseBackoff is doubled after every contended attempt.
	BaseBackoff time.Duration
	// TxTimeout bounds one atomic unit, lock waits included.
	TxTimeout time.Duration
	// MaxAmount is the largest single transfer accepted.
	MaxAmount decimal.Decimal
	// DailyLimit caps the sum a sender may move per UTC day. Zero disables
	// the check.
	DailyLimit decimal.Decimal
	// RecordFailures durably records business-rule failures as failed
	// transfer rows outside the atomic unit.
	RecordFailures bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = 5 * time.Second
	}
	if o.MaxAmount.IsZero() {
		o.MaxAmount = decimal.RequireFromString("999999.99")
	}
	return o
}

// Request is one inbound transfer command. The sender id is the caller
// identity supplied out-of-band by the authenticated-request layer.
type Request struct {
	SenderID       int64
	ReceiverID     int64
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// Result is the outcome of a completed transfer.
type Result struct {
	Transfer        domain.Transfer  `json:"transfer"`
	Sender          account.Identity `json:"sender"`
	Receiver        account.Identity `json:"receiver"`
	SenderBalance   decimal.Decimal  `json:"sender_balance"`
	ReceiverBalance decimal.Decimal  `json:"receiver_balance"`
}

// Notifier receives one event per completed transfer. Delivery is
// best-effort; the engine does not wait on it.
type Notifier interface {
	TransferCompleted(result Result)
}

// Auditor records every terminal outcome, success or failure. Side channel,
// never part of the atomic unit.
type Auditor interface {
	TransferOutcome(actorID, senderID, receiverID int64, amount decimal.Decimal, outcome, reference string)
}

// CacheInvalidator drops derived read-path state for the given accounts after
// a commit.
type CacheInvalidator interface {
	InvalidateBalances(ctx context.Context, accountIDs ...int64)
}

// Store is the persistence surface the engine needs.
type Store interface {
	storage.AccountStore
	storage.TransferStore
	storage.EngineStore
}

// Engine validates, serializes and executes transfers.
type Engine struct {
	store    Store
	fees     domain.FeePolicy
	opts     Options
	log      *logger.Logger
	notifier Notifier
	auditor  Auditor
	cache    CacheInvalidator

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine on the given store and fee policy. Notifier,
// auditor and cache hooks are optional.
func NewEngine(store Store, fees domain.FeePolicy, opts Options, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("transfer-engine")
	}
	return &Engine{
		store: store,
		fees:  fees,
		opts:  opts.withDefaults(),
		log:   log,
		sleep: sleepCtx,
	}
}

// AttachNotifier sets the post-commit notification sink.
func (e *Engine) AttachNotifier(n Notifier) { e.notifier = n }

// AttachAuditor sets the terminal-outcome audit sink.
func (e *Engine) AttachAuditor(a Auditor) { e.auditor = a }

// AttachCache sets the read-cache invalidation hook.
func (e *Engine) AttachCache(c CacheInvalidator) { e.cache = c }

// Execute runs one transfer end to end. On success the returned Result holds
// the completed record and both post-transfer balances; on failure no state
// change is observable.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, req)
	metrics.ObserveTransfer(outcomeLabel(err), time.Since(start))
	e.audit(req, res, err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, req Request) (Result, error) {
	if err := e.validate(ctx, req); err != nil {
		return Result{}, err
	}

	commission, total, err := e.fees.Fees(req.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	lo, hi := domain.LockOrder(req.SenderID, req.ReceiverID)

	var result Result
	attempt := 0
	for {
		err := e.attempt(ctx, req, commission, total, lo, hi, &result)
		if err == nil {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The unit's own timeout fired: congestion, not retried further
			// within this call.
			e.recordFailure(ctx, req, commission, total, "transaction timeout")
			return Result{}, ErrSystemCongestion
		}
		if !retryable(err) {
			if terminalBusinessError(err) {
				e.recordFailure(ctx, req, commission, total, err.Error())
			}
			return Result{}, err
		}

		attempt++
		metrics.RecordTransferRetry()
		if attempt >= e.opts.MaxAttempts {
			e.log.WithFields(map[string]interface{}{
				"sender_id":   req.SenderID,
				"receiver_id": req.ReceiverID,
				"amount":      req.Amount,
				"attempts":    attempt,
			}).Error("transfer abandoned after contention retries")
			e.recordFailure(ctx, req, commission, total, "lock contention, retries exhausted")
			return Result{}, ErrSystemCongestion
		}

		backoff := e.opts.BaseBackoff << uint(attempt)
		e.log.WithFields(map[string]interface{}{
			"sender_id":   req.SenderID,
			"receiver_id": req.ReceiverID,
			"attempt":     attempt,
			"backoff":     backoff.String(),
		}).Warn("lock contention, retrying transfer")
		if err := e.sleep(ctx, backoff); err != nil {
			return Result{}, err
		}
	}

	// Post-commit only: never announce a transfer that could still roll back.
	if e.cache != nil {
		e.cache.InvalidateBalances(ctx, req.SenderID, req.ReceiverID)
	}
	if e.notifier != nil {
		e.notifier.TransferCompleted(result)
	}

	e.log.WithFields(map[string]interface{}{
		"reference":   result.Transfer.ReferenceNumber,
		"sender_id":   req.SenderID,
		"receiver_id": req.ReceiverID,
		"amount":      req.Amount,
		"commission":  commission,
	}).Info("transfer completed")

	return result, nil
}

// validate applies the fail-fast preconditions. Everything here re-runs under
// the row lock where it matters (account status, balance).
func (e *Engine) validate(ctx context.Context, req Request) error {
	if req.SenderID == req.ReceiverID {
		return fmt.Errorf("%w: cannot transfer to yourself", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if req.Amount.Exponent() < -2 {
		return fmt.Errorf("%w: amount can carry at most 2 decimal places", ErrInvalidRequest)
	}
	if req.Amount.GreaterThan(e.opts.MaxAmount) {
		return fmt.Errorf("%w: amount exceeds the maximum of %s", ErrInvalidRequest, e.opts.MaxAmount)
	}
	if len(req.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRequest, maxDescriptionLen)
	}
	if req.IdempotencyKey != "" {
		if _, err := uuid.Parse(req.IdempotencyKey); err != nil {
			return fmt.Errorf("%w: idempotency key must be a UUID", ErrInvalidRequest)
		}
		used, err := e.store.HasIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if used {
			return ErrDuplicateRequest
		}
	}

	sender, err := e.store.GetAccount(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: sender not found", ErrAccountUnavailable)
		}
		return err
	}
	if !sender.CanTransact() {
		return fmt.Errorf("%w: sender account is not allowed to transact", ErrAccountUnavailable)
	}

	receiver, err := e.store.GetAccount(ctx, req.ReceiverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: receiver not found", ErrAccountUnavailable)
		}
		return err
	}
	if !receiver.CanTransact() {
		return fmt.Errorf("%w: receiver account is not allowed to transact", ErrAccountUnavailable)
	}

	if e.opts.DailyLimit.IsPositive() {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		sentToday, err := e.store.SumSentSince(ctx, req.SenderID, midnight)
		if err != nil {
			return err
		}
		if sentToday.Add(req.Amount).GreaterThan(e.opts.DailyLimit) {
			return fmt.Errorf("%w: daily transfer limit of %s exceeded (already transferred %s)",
				ErrInvalidRequest, e.opts.DailyLimit, sentToday)
		}
	}

	return nil
}

// attempt runs one atomic unit. Any returned error leaves no observable state
// change.
func (e *Engine) attempt(ctx context.Context, req Request, commission, total decimal.Decimal, lo, hi int64, result *Result) error {
	txCtx, cancel := context.WithTimeout(ctx, e.opts.TxTimeout)
	defer cancel()

	return e.store.InTransferTx(txCtx, func(tx storage.TransferTx) error {
		locked, err := tx.LockAccounts(txCtx, lo, hi)
		if err != nil {
			return err
		}

		sender, ok := locked[req.SenderID]
		if !ok {
			return fmt.Errorf("%w: sender not found", ErrAccountUnavailable)
		}
		receiver, ok := locked[req.ReceiverID]
		if !ok {
			return fmt.Errorf("%w: receiver not found", ErrAccountUnavailable)
		}
		// Status may have flipped between validation and lock acquisition.
		if !sender.CanTransact() || !receiver.CanTransact() {
			return fmt.Errorf("%w: account is not allowed to transact", ErrAccountUnavailable)
		}

		// The balance check must run under the lock; the pre-validation
		// snapshot may be stale.
		if sender.Balance.LessThan(total) {
			return fmt.Errorf("%w: required %s (including commission), available %s",
				ErrInsufficientFunds, total.StringFixed(2), sender.Balance.StringFixed(2))
		}

		reference, err := e.uniqueReference(txCtx, tx)
		if err != nil {
			return err
		}

		rec := domain.Transfer{
			ReferenceNumber: reference,
			SenderID:        req.SenderID,
			ReceiverID:      req.ReceiverID,
			Amount:          req.Amount,
			CommissionFee:   commission,
			TotalDeducted:   total,
			Description:     req.Description,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			rec.IdempotencyKey = &key
		}

		rec, err = tx.CreatePendingTransfer(txCtx, rec)
		if err != nil {
			if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
				return ErrDuplicateRequest
			}
			return err
		}

		if err := tx.ApplyBalanceDelta(txCtx, req.SenderID, total.Neg()); err != nil {
			return err
		}
		if err := tx.ApplyBalanceDelta(txCtx, req.ReceiverID, req.Amount); err != nil {
			return err
		}

		processedAt := time.Now().UTC()
		if err := tx.CompleteTransfer(txCtx, rec.ID, processedAt); err != nil {
			return err
		}
		rec.Status = domain.StatusCompleted
		rec.ProcessedAt = &processedAt

		senderBalance := sender.Balance.Sub(total)
		receiverBalance := receiver.Balance.Add(req.Amount)

		if err := tx.UpsertSummaryDelta(txCtx, req.SenderID, storage.SummaryDelta{
			Sent:       req.Amount,
			Received:   decimal.Zero,
			Commission: commission,
			Balance:    senderBalance,
			At:         processedAt,
		}); err != nil {
			return err
		}
		if err := tx.UpsertSummaryDelta(txCtx, req.ReceiverID, storage.SummaryDelta{
			Sent:       decimal.Zero,
			Received:   req.Amount,
			Commission: decimal.Zero,
			Balance:    receiverBalance,
			At:         processedAt,
		}); err != nil {
			return err
		}

		*result = Result{
			Transfer:        rec,
			Sender:          sender.Identity(),
			Receiver:        receiver.Identity(),
			SenderBalance:   senderBalance,
			ReceiverBalance: receiverBalance,
		}
		return nil
	})
}

// uniqueReference re-randomizes the suffix until the store confirms no
// collision.
func (e *Engine) uniqueReference(ctx context.Context, tx storage.TransferTx) (string, error) {
	for i := 0; i < referenceAttempts; i++ {
		candidate := domain.NewReferenceNumber(time.Now().UTC())
		exists, err := tx.ReferenceExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", errors.New("could not generate a unique reference number")
}

// recordFailure durably records a terminal failure as a failed transfer row,
// outside the rolled-back unit. The idempotency key is intentionally not
// carried over so the caller can safely resubmit with the same key.
func (e *Engine) recordFailure(ctx context.Context, req Request, commission, total decimal.Decimal, reason string) {
	if !e.opts.RecordFailures {
		return
	}
	rec := domain.Transfer{
		ReferenceNumber: domain.NewReferenceNumber(time.Now().UTC()),
		SenderID:        req.SenderID,
		ReceiverID:      req.ReceiverID,
		Amount:          req.Amount,
		CommissionFee:   commission,
		TotalDeducted:   total,
		Description:     req.Description,
		FailureReason:   reason,
	}
	if _, err := e.store.RecordFailedTransfer(ctx, rec); err != nil {
		e.log.WithError(err).Warn("record failed transfer")
	}
}

func (e *Engine) audit(req Request, res Result, err error) {
	if e.auditor == nil {
		return
	}
	e.auditor.TransferOutcome(req.SenderID, req.SenderID, req.ReceiverID, req.Amount,
		outcomeLabel(err), res.Transfer.ReferenceNumber)
}

// retryable reports whether the attempt may be re-run. Reference collisions
// between the existence check and the insert are handled like contention: the
// whole unit re-runs with a fresh suffix.
func retryable(err error) bool {
	return errors.Is(err, storage.ErrLockContention) || errors.Is(err, storage.ErrDuplicateReference)
}

func terminalBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAccountUnavailable)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAccountUnavailable):
		return "account_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrSystemCongestion):
		return "system_congestion"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
