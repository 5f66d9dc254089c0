package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/models"
)

// LedgerStore is the durable, append-only home of journal entries and
// the single authority on what was committed.
//
// AppendTransaction is the only write path and it is atomic: the
// transaction's lines, the balance deltas (guarded by their expected
// versions), and the idempotency record all land together or not at
// all. A concurrent reader observes either the pre- or post-commit
// state, never interleaved lines. Replaying a key with an identical
// fingerprint is a no-op returning nil; a mismatched fingerprint fails
// with ledgererr.ErrIdempotencyConflict; a stale expected version
// fails with ledgererr.ErrVersionConflict and writes nothing.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx models.Transaction, deltas []models.BalanceDelta) error

	// EntriesByAccount pages one account's entries in append order,
	// starting strictly after afterSeq. limit <= 0 means no limit.
	// Restartable: resume by passing the last Seq seen.
	EntriesByAccount(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.JournalEntry, error)

	// LedgerEntries returns every entry in append order.
	LedgerEntries(ctx context.Context) ([]models.JournalEntry, error)

	// AccountSnapshot captures one account's cached record together
	// with all of its entries at a single consistent point in time.
	AccountSnapshot(ctx context.Context, accountID string) (models.Account, []models.JournalEntry, error)

	// IdempotencyRecord looks up a committed intent by key.
	IdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error)

	// Summary aggregates the whole ledger.
	Summary(ctx context.Context) (models.LedgerSummary, error)
}

// AccountRegistry maps account ids to cached balance records.
// Mutation happens only through LedgerStore.AppendTransaction; the
// registry surface is read/create only.
type AccountRegistry interface {
	// GetOrCreate returns the account for id, creating it with a zero
	// balance on first reference. Malformed ids fail with
	// ledgererr.ErrInvalidAccount.
	GetOrCreate(ctx context.Context, id string) (models.Account, error)

	// Account fetches an existing account without creating it.
	Account(ctx context.Context, id string) (models.Account, bool, error)

	// CurrentBalance reads the cached balance. O(1); zero for
	// accounts that do not exist yet.
	CurrentBalance(ctx context.Context, id string) (decimal.Decimal, error)

	// AccountIDs lists every known account id in ascending order.
	AccountIDs(ctx context.Context) ([]string, error)
}
