// Package ledger is the journal engine: it turns high-level wallet
// intents (deposit, withdraw, transfer, reserve, release, trade fill)
// into balanced double-entry transactions and commits them atomically.
//
// Commit protocol: validate the line template before taking any lock,
// acquire per-account locks in ascending id order with a bounded
// contention budget, re-verify balances under the locks, then hand the
// transaction plus version-guarded balance deltas to the store as one
// atomic append. Operations on disjoint account sets commit in
// parallel; only a shared account serializes them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
	"github.com/blockflow/ledger-core/internal/models/events"
)

const (
	defaultMaxAttempts = 10
	defaultBackoff     = 2 * time.Millisecond
)

type Ledger struct {
	store     interfaces.LedgerStore
	registry  interfaces.AccountRegistry
	publisher interfaces.EventPublisher
	log       *zap.Logger
	locks     *accountLocks

	maxAttempts int
	backoff     time.Duration
}

type Option func(*Ledger)

// WithPublisher attaches an event publisher. Publishing is best
// effort; a broker failure never fails a commit.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithRetry bounds lock acquisition and version-conflict retries.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

func NewLedger(store interfaces.LedgerStore, registry interfaces.AccountRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		registry:    registry,
		log:         zap.NewNop(),
		locks:       newAccountLocks(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Result reports the outcome of a committed (or replayed) intent.
type Result struct {
	TransactionID string
	NewBalance    decimal.Decimal
	Replayed      bool
}

// Deposit credits the user's available balance and debits the external
// funds counter-account.
func (l *Ledger) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return l.commit(ctx, depositIntent{userID, currency, amount}, idempotencyKey,
		models.UserAccountID(userID, currency, models.ClassAvailable))
}

// Withdraw is the inverse of Deposit. Fails with ErrInsufficientFunds
// if the available balance cannot cover the amount.
func (l *Ledger) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return l.commit(ctx, withdrawIntent{userID, currency, amount}, idempotencyKey,
		models.UserAccountID(userID, currency, models.ClassAvailable))
}

// Transfer moves funds between two users' available balances.
func (l *Ledger) Transfer(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return l.commit(ctx, transferIntent{fromUser, toUser, currency, amount}, idempotencyKey,
		models.UserAccountID(fromUser, currency, models.ClassAvailable))
}

// Reserve holds funds by moving them from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return l.commit(ctx, reserveIntent{userID, currency, amount}, idempotencyKey,
		models.UserAccountID(userID, currency, models.ClassAvailable))
}

// Release returns previously reserved funds to available.
func (l *Ledger) Release(ctx context.Context, userID, currency string, amount decimal.Decimal, idempotencyKey string) (Result, error) {
	return l.commit(ctx, releaseIntent{userID, currency, amount}, idempotencyKey,
		models.UserAccountID(userID, currency, models.ClassAvailable))
}

// SettleTrade commits the four (five with a fee) legs of a matched
// trade as one transaction: quote from buyer to seller, asset from
// seller to buyer.
func (l *Ledger) SettleTrade(ctx context.Context, fill TradeFill, idempotencyKey string) (Result, error) {
	return l.commit(ctx, tradeFillIntent{fill}, idempotencyKey, "")
}

// Balance returns the cached available balance for (user, currency).
func (l *Ledger) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	return l.registry.CurrentBalance(ctx, models.UserAccountID(userID, currency, models.ClassAvailable))
}

// Entries pages an account's journal in append order, resuming
// strictly after afterSeq.
func (l *Ledger) Entries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.JournalEntry, error) {
	return l.store.EntriesByAccount(ctx, accountID, afterSeq, limit)
}

// Summary aggregates the whole ledger.
func (l *Ledger) Summary(ctx context.Context) (models.LedgerSummary, error) {
	return l.store.Summary(ctx)
}

func (l *Ledger) commit(ctx context.Context, in intent, idempotencyKey, balanceAccount string) (Result, error) {
	template, err := in.lines()
	if err != nil {
		return Result{}, err
	}

	fingerprint := in.fingerprint()
	if idempotencyKey != "" {
		rec, found, err := l.store.IdempotencyRecord(ctx, idempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if found {
			if rec.Fingerprint != fingerprint {
				return Result{}, fmt.Errorf("%w: key %q", ledgererr.ErrIdempotencyConflict, idempotencyKey)
			}
			return l.result(ctx, rec.TransactionID, balanceAccount, true)
		}
	}

	now := time.Now().UTC()
	tx := models.Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Fingerprint:    fingerprint,
		Kind:           in.kind(),
		CreatedAt:      now,
		Lines:          make([]models.JournalEntry, len(template)),
	}
	for i, line := range template {
		line.ID = uuid.NewString()
		line.TransactionID = tx.ID
		line.CreatedAt = now
		tx.Lines[i] = line
	}
	if err := tx.Validate(); err != nil {
		return Result{}, err
	}

	deltas := tx.Deltas()
	accountIDs := make([]string, len(deltas))
	for i, d := range deltas {
		if _, err := l.registry.GetOrCreate(ctx, d.AccountID); err != nil {
			return Result{}, err
		}
		accountIDs[i] = d.AccountID
	}

	// Cheap pre-check against cached balances; the authoritative check
	// happens again under the locks.
	if err := l.checkFunds(ctx, deltas); err != nil {
		return Result{}, err
	}

	for attempt := 1; ; attempt++ {
		err := l.tryCommit(ctx, tx, deltas, accountIDs)
		if err == nil {
			break
		}
		if errors.Is(err, ledgererr.ErrVersionConflict) && attempt < l.maxAttempts {
			l.log.Debug("version conflict, retrying commit",
				zap.String("transaction_id", tx.ID), zap.Int("attempt", attempt))
			time.Sleep(l.backoff * time.Duration(attempt))
			continue
		}
		return Result{}, err
	}

	txID := tx.ID
	replayed := false
	if idempotencyKey != "" {
		// A concurrent commit may have won the key; the store made our
		// append a no-op, so report the canonical transaction id.
		rec, found, err := l.store.IdempotencyRecord(ctx, idempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if found && rec.TransactionID != tx.ID {
			txID = rec.TransactionID
			replayed = true
		}
	}

	if !replayed {
		l.log.Info("transaction committed",
			zap.String("transaction_id", txID),
			zap.String("kind", string(tx.Kind)),
			zap.Int("lines", len(tx.Lines)))
		l.publish(events.TopicTransactionCommitted, events.TransactionCommitted{
			TransactionID: txID,
			Kind:          string(tx.Kind),
			LineCount:     len(tx.Lines),
			OccurredAt:    now,
		})
	}
	return l.result(ctx, txID, balanceAccount, replayed)
}

// tryCommit performs one locked commit attempt: lock all touched
// accounts, re-check funds, stamp expected versions, append.
func (l *Ledger) tryCommit(ctx context.Context, tx models.Transaction, deltas []models.BalanceDelta, accountIDs []string) error {
	release, err := l.locks.acquire(accountIDs, l.maxAttempts, l.backoff)
	if err != nil {
		return err
	}
	defer release()

	for i, d := range deltas {
		acc, found, err := l.registry.Account(ctx, d.AccountID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, d.AccountID)
		}
		if models.IsUserAccount(d.AccountID) && acc.Balance.Add(d.Delta).IsNegative() {
			return fmt.Errorf("%w: account %s has %s, needs %s",
				ledgererr.ErrInsufficientFunds, d.AccountID, acc.Balance, d.Delta.Neg())
		}
		deltas[i].ExpectedVersion = acc.Version
	}

	return l.store.AppendTransaction(ctx, tx, deltas)
}

// checkFunds rejects obviously unfunded debits before any lock is
// taken. Only user accounts are held to the non-negative rule; system
// counter-accounts are allowed to run negative.
func (l *Ledger) checkFunds(ctx context.Context, deltas []models.BalanceDelta) error {
	for _, d := range deltas {
		if !models.IsUserAccount(d.AccountID) || !d.Delta.IsNegative() {
			continue
		}
		balance, err := l.registry.CurrentBalance(ctx, d.AccountID)
		if err != nil {
			return err
		}
		if balance.Add(d.Delta).IsNegative() {
			return fmt.Errorf("%w: account %s has %s, needs %s",
				ledgererr.ErrInsufficientFunds, d.AccountID, balance, d.Delta.Neg())
		}
	}
	return nil
}

func (l *Ledger) result(ctx context.Context, txID, balanceAccount string, replayed bool) (Result, error) {
	res := Result{TransactionID: txID, Replayed: replayed}
	if balanceAccount != "" {
		balance, err := l.registry.CurrentBalance(ctx, balanceAccount)
		if err != nil {
			return Result{}, err
		}
		res.NewBalance = balance
	}
	return res, nil
}

func (l *Ledger) publish(topic string, event any) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(topic, event); err != nil {
		l.log.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
