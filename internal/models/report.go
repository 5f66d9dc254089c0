package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies a reconciliation finding. The ledger is exact
// fixed-point arithmetic, so any nonzero discrepancy is a bug signal;
// the epsilon only controls when OK escalates to SEVERE.
type Severity string

const (
	SeverityOK     Severity = "OK"
	SeveritySevere Severity = "SEVERE"
)

// ReconciliationReport compares one account's cached balance against
// the balance recomputed from its journal entries. Generated fresh on
// every run and never persisted as ground truth.
type ReconciliationReport struct {
	AccountID     string
	CachedBalance decimal.Decimal
	LedgerBalance decimal.Decimal
	// Discrepancy is ledger minus cached; zero means the cache is honest.
	Discrepancy decimal.Decimal
	EntryCount  int
	Severity    Severity
	CheckedAt   time.Time
}

// Clean reports whether the account reconciled exactly.
func (r ReconciliationReport) Clean() bool {
	return r.Discrepancy.IsZero()
}

// LedgerSummary aggregates the whole ledger for proof-of-reserves
// style reporting. Net must be zero: every credit has a matching
// debit somewhere, system accounts included.
type LedgerSummary struct {
	TotalEntries int
	TotalCredits decimal.Decimal
	TotalDebits  decimal.Decimal
	Net          decimal.Decimal
}
