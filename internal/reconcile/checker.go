// Package reconcile independently recomputes account balances from the
// journal and compares them against the registry's cached values. It is
// strictly read-only: drift is reported, never corrected. A correction
// is a separate, audited compensating transaction through the engine.
package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/models"
	"github.com/blockflow/ledger-core/internal/models/events"
)

type Checker struct {
	store     interfaces.LedgerStore
	registry  interfaces.AccountRegistry
	publisher interfaces.EventPublisher
	log       *zap.Logger
	// epsilon is the SEVERE threshold. Arithmetic is exact fixed
	// point, so the default of zero flags every nonzero discrepancy.
	epsilon decimal.Decimal
}

type Option func(*Checker)

func WithEpsilon(epsilon decimal.Decimal) Option {
	return func(c *Checker) { c.epsilon = epsilon }
}

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(c *Checker) { c.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Checker) { c.log = log }
}

func NewChecker(store interfaces.LedgerStore, registry interfaces.AccountRegistry, opts ...Option) *Checker {
	c := &Checker{
		store:    store,
		registry: registry,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account reconciles a single account against one consistent snapshot
// of its journal. The snapshot may lag commits that land while the
// checker runs; that staleness window is accepted.
func (c *Checker) Account(ctx context.Context, accountID string) (models.ReconciliationReport, error) {
	cached, entries, err := c.store.AccountSnapshot(ctx, accountID)
	if err != nil {
		return models.ReconciliationReport{}, err
	}

	ledgerBalance := decimal.Zero
	for _, e := range entries {
		ledgerBalance = ledgerBalance.Add(e.SignedAmount())
	}

	report := models.ReconciliationReport{
		AccountID:     accountID,
		CachedBalance: cached.Balance,
		LedgerBalance: ledgerBalance,
		Discrepancy:   ledgerBalance.Sub(cached.Balance),
		EntryCount:    len(entries),
		Severity:      models.SeverityOK,
		CheckedAt:     time.Now().UTC(),
	}
	if report.Discrepancy.Abs().GreaterThan(c.epsilon) {
		report.Severity = models.SeveritySevere
		c.log.Warn("reconciliation discrepancy",
			zap.String("account_id", accountID),
			zap.String("cached", report.CachedBalance.String()),
			zap.String("ledger", report.LedgerBalance.String()),
			zap.String("discrepancy", report.Discrepancy.String()))
		c.publishDiscrepancy(report)
	}
	return report, nil
}

// All streams a report per known account so very large ledgers never
// sit in memory whole. The reports channel closes when the scan ends;
// errs delivers at most one terminal error after that. Cancel ctx to
// stop early. Restartable: rerunning is always safe, reports are not
// persisted as ground truth.
func (c *Checker) All(ctx context.Context) (<-chan models.ReconciliationReport, <-chan error) {
	reports := make(chan models.ReconciliationReport)
	errs := make(chan error, 1)

	go func() {
		defer close(reports)
		defer close(errs)

		ids, err := c.registry.AccountIDs(ctx)
		if err != nil {
			errs <- err
			return
		}
		for _, id := range ids {
			report, err := c.Account(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			select {
			case reports <- report:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return reports, errs
}

func (c *Checker) publishDiscrepancy(report models.ReconciliationReport) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(events.TopicReconciliationDiscrepancy, events.ReconciliationDiscrepancy{
		AccountID:     report.AccountID,
		CachedBalance: report.CachedBalance,
		LedgerBalance: report.LedgerBalance,
		Discrepancy:   report.Discrepancy,
		DetectedAt:    report.CheckedAt,
	})
	if err != nil {
		c.log.Warn("discrepancy publish failed", zap.Error(err))
	}
}
