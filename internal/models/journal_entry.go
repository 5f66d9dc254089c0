package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction tells whether a journal line increases or decreases the
// account it touches. The ledger is credit-positive: a credit raises
// the balance, a debit lowers it.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// JournalEntry is a single immutable ledger line. Amount is always
// strictly positive; Direction carries the sign. Seq is the global
// append position assigned by the store at commit time.
type JournalEntry struct {
	ID            string
	Seq           int64
	TransactionID string
	AccountID     string
	Currency      string
	Direction     Direction
	Amount        decimal.Decimal
	Memo          string
	CreatedAt     time.Time
}

// SignedAmount maps the entry onto the credit-positive convention:
// +Amount for a credit, -Amount for a debit.
func (e JournalEntry) SignedAmount() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}
