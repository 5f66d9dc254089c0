package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commitDeposit(t *testing.T, s *Store, key, user, currency, amount string) string {
	t.Helper()
	ctx := context.Background()

	userAcc := models.UserAccountID(user, currency, models.ClassAvailable)
	extAcc := models.ExternalFundsAccountID(currency)
	_, err := s.GetOrCreate(ctx, userAcc)
	require.NoError(t, err)
	_, err = s.GetOrCreate(ctx, extAcc)
	require.NoError(t, err)

	txID := uuid.NewString()
	now := time.Now().UTC()
	tx := models.Transaction{
		ID:             txID,
		IdempotencyKey: key,
		Fingerprint:    "deposit|" + user + "|" + currency + "|" + amount,
		Kind:           models.KindDeposit,
		CreatedAt:      now,
		Lines: []models.JournalEntry{
			{ID: uuid.NewString(), TransactionID: txID, AccountID: userAcc, Currency: currency, Direction: models.Credit, Amount: dec(amount), Memo: "deposit", CreatedAt: now},
			{ID: uuid.NewString(), TransactionID: txID, AccountID: extAcc, Currency: currency, Direction: models.Debit, Amount: dec(amount), Memo: "deposit", CreatedAt: now},
		},
	}
	deltas := tx.Deltas()
	for i, d := range deltas {
		acc, ok, err := s.Account(ctx, d.AccountID)
		require.NoError(t, err)
		require.True(t, ok)
		deltas[i].ExpectedVersion = acc.Version
	}
	require.NoError(t, s.AppendTransaction(ctx, tx, deltas))
	return txID
}

func TestOpenCreatesSchema(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ids, err := s.AccountIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAppendAndReadBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)
	commitDeposit(t, s, "", "1", "USDT", "1234.5678")

	userAcc := models.UserAccountID("1", "USDT", models.ClassAvailable)
	balance, err := s.CurrentBalance(ctx, userAcc)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1234.5678")), "decimal text roundtrip must be exact")

	entries, err := s.EntriesByAccount(ctx, userAcc, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.Credit, entries[0].Direction)
	assert.True(t, entries[0].Amount.Equal(dec("1234.5678")))
	assert.Positive(t, entries[0].Seq)

	acc, ok, err := s.Account(ctx, userAcc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), acc.Version)
	assert.Equal(t, "USDT", acc.Currency)
}

func TestVersionConflictRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)
	commitDeposit(t, s, "", "1", "USDT", "100")

	userAcc := models.UserAccountID("1", "USDT", models.ClassAvailable)
	extAcc := models.ExternalFundsAccountID("USDT")
	txID := uuid.NewString()
	now := time.Now().UTC()
	tx := models.Transaction{
		ID:        txID,
		Kind:      models.KindDeposit,
		CreatedAt: now,
		Lines: []models.JournalEntry{
			{ID: uuid.NewString(), TransactionID: txID, AccountID: userAcc, Currency: "USDT", Direction: models.Credit, Amount: dec("50"), CreatedAt: now},
			{ID: uuid.NewString(), TransactionID: txID, AccountID: extAcc, Currency: "USDT", Direction: models.Debit, Amount: dec("50"), CreatedAt: now},
		},
	}
	deltas := tx.Deltas()
	for i := range deltas {
		deltas[i].ExpectedVersion = 99 // stale on purpose
	}
	err := s.AppendTransaction(ctx, tx, deltas)
	assert.ErrorIs(t, err, ledgererr.ErrVersionConflict)

	// The SQL transaction rolled back: no entries, no balance change.
	balance, err := s.CurrentBalance(ctx, userAcc)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")))
	entries, err := s.LedgerEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIdempotencyRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)
	txID := commitDeposit(t, s, "k1", "1", "USDT", "10")

	rec, found, err := s.IdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, txID, rec.TransactionID)

	_, found, err = s.IdempotencyRecord(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// Identical replay is a silent no-op.
	commitDeposit(t, s, "k1", "1", "USDT", "10")
	balance, err := s.CurrentBalance(ctx, models.UserAccountID("1", "USDT", models.ClassAvailable))
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("10")))
}

func TestAccountSnapshotAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)
	commitDeposit(t, s, "", "1", "USDT", "100")
	commitDeposit(t, s, "", "1", "USDT", "50")

	userAcc := models.UserAccountID("1", "USDT", models.ClassAvailable)
	cached, entries, err := s.AccountSnapshot(ctx, userAcc)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	recomputed := decimal.Zero
	for _, e := range entries {
		recomputed = recomputed.Add(e.SignedAmount())
	}
	assert.True(t, cached.Balance.Equal(recomputed))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TotalEntries)
	assert.True(t, sum.Net.IsZero())
}
