// Package events holds the payloads published to the event bus after
// ledger activity. Consumers are downstream projections; the core
// never depends on them being delivered.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicTransactionCommitted      = "ledger.transaction_committed"
	TopicReconciliationDiscrepancy = "ledger.reconciliation_discrepancy"
)

type TransactionCommitted struct {
	TransactionID string    `json:"transaction_id"`
	Kind          string    `json:"kind"`
	LineCount     int       `json:"line_count"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type ReconciliationDiscrepancy struct {
	AccountID     string          `json:"account_id"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Discrepancy   decimal.Decimal `json:"discrepancy"`
	DetectedAt    time.Time       `json:"detected_at"`
}
