package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/ledgererr"
)

// TransactionKind is the closed set of high-level intents the engine
// knows how to turn into journal lines.
type TransactionKind string

const (
	KindDeposit   TransactionKind = "deposit"
	KindWithdraw  TransactionKind = "withdraw"
	KindTransfer  TransactionKind = "transfer"
	KindReserve   TransactionKind = "reserve"
	KindRelease   TransactionKind = "release"
	KindTradeFill TransactionKind = "trade_fill"
)

// Transaction groups the journal lines of one economic event. All
// lines share the transaction id and commit atomically: either every
// line is in the ledger or none is.
type Transaction struct {
	ID             string
	IdempotencyKey string
	// Fingerprint is the canonical encoding of the intent parameters,
	// used to detect an idempotency key replayed with different args.
	Fingerprint string
	Kind        TransactionKind
	Lines       []JournalEntry
	CreatedAt   time.Time
}

// Validate enforces the double-entry invariants before the transaction
// is allowed anywhere near the store: every amount strictly positive,
// at least two distinct accounts, and debits equal to credits within
// each currency.
func (t Transaction) Validate() error {
	if len(t.Lines) < 2 {
		return fmt.Errorf("%w: %d line(s)", ledgererr.ErrImbalancedTransaction, len(t.Lines))
	}

	accounts := make(map[string]struct{}, len(t.Lines))
	perCurrency := make(map[string]decimal.Decimal, 2)

	for _, line := range t.Lines {
		if line.TransactionID != t.ID {
			return fmt.Errorf("%w: line %s belongs to transaction %s",
				ledgererr.ErrImbalancedTransaction, line.ID, line.TransactionID)
		}
		if !line.Amount.IsPositive() {
			return fmt.Errorf("%w: non-positive amount %s on %s",
				ledgererr.ErrImbalancedTransaction, line.Amount, line.AccountID)
		}
		if line.Direction != Debit && line.Direction != Credit {
			return fmt.Errorf("%w: unknown direction %q", ledgererr.ErrImbalancedTransaction, line.Direction)
		}
		cur, err := AccountCurrency(line.AccountID)
		if err != nil {
			return err
		}
		if cur != line.Currency {
			return fmt.Errorf("%w: line currency %s does not match account %s",
				ledgererr.ErrInvalidAccount, line.Currency, line.AccountID)
		}
		accounts[line.AccountID] = struct{}{}
		perCurrency[line.Currency] = perCurrency[line.Currency].Add(line.SignedAmount())
	}

	if len(accounts) < 2 {
		return fmt.Errorf("%w: single-account transaction", ledgererr.ErrImbalancedTransaction)
	}
	for currency, net := range perCurrency {
		if !net.IsZero() {
			return fmt.Errorf("%w: net %s %s", ledgererr.ErrImbalancedTransaction, net, currency)
		}
	}
	return nil
}

// BalanceDelta is the signed effect of a committed transaction on one
// account, guarded by the version observed when the delta was built.
type BalanceDelta struct {
	AccountID       string
	Delta           decimal.Decimal
	ExpectedVersion int64
}

// Deltas folds the transaction's lines into one signed delta per
// account, preserving first-touch order. Expected versions are filled
// in by the engine under its locks.
func (t Transaction) Deltas() []BalanceDelta {
	byAccount := make(map[string]decimal.Decimal, len(t.Lines))
	order := make([]string, 0, len(t.Lines))
	for _, line := range t.Lines {
		if _, seen := byAccount[line.AccountID]; !seen {
			order = append(order, line.AccountID)
		}
		byAccount[line.AccountID] = byAccount[line.AccountID].Add(line.SignedAmount())
	}
	deltas := make([]BalanceDelta, 0, len(order))
	for _, id := range order {
		deltas = append(deltas, BalanceDelta{AccountID: id, Delta: byAccount[id]})
	}
	return deltas
}

// IdempotencyRecord remembers a committed intent so a retried caller
// gets the original transaction id instead of a second application.
type IdempotencyRecord struct {
	Key           string
	Fingerprint   string
	TransactionID string
	CreatedAt     time.Time
}
