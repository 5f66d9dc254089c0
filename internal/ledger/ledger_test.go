package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
	"github.com/blockflow/ledger-core/internal/reconcile"
	"github.com/blockflow/ledger-core/internal/storage/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewLedger(store, store), store
}

// requireClean asserts that every account reconciles exactly against
// the journal.
func requireClean(t *testing.T, store *memory.Store) {
	t.Helper()
	checker := reconcile.NewChecker(store, store)
	reports, errs := checker.All(context.Background())
	for report := range reports {
		assert.True(t, report.Clean(), "account %s drifted by %s", report.AccountID, report.Discrepancy)
	}
	require.NoError(t, <-errs)
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	res, err := l.Deposit(ctx, "1", "USDT", dec("1000"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)
	assert.False(t, res.Replayed)
	assert.True(t, res.NewBalance.Equal(dec("1000")))

	balance, err := l.Balance(ctx, "1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1000")))

	// External counter-account absorbs the other side.
	ext, err := store.CurrentBalance(ctx, models.ExternalFundsAccountID("USDT"))
	require.NoError(t, err)
	assert.True(t, ext.Equal(dec("-1000")))

	requireClean(t, store)
}

func TestDepositRejectsBadParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, _ := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("0"), "")
	assert.Error(t, err)
	_, err = l.Deposit(ctx, "1", "USDT", dec("-5"), "")
	assert.Error(t, err)
	_, err = l.Deposit(ctx, "", "USDT", dec("5"), "")
	assert.Error(t, err)
	_, err = l.Deposit(ctx, "1", "", dec("5"), "")
	assert.Error(t, err)
}

func TestDepositIdempotentReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	first, err := l.Deposit(ctx, "1", "USDT", dec("1000"), "k1")
	require.NoError(t, err)

	second, err := l.Deposit(ctx, "1", "USDT", dec("1000"), "k1")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Replayed)
	assert.True(t, second.NewBalance.Equal(dec("1000")), "replay must not re-apply effects")

	entries, err := store.LedgerEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "replay must not append new entries")
}

func TestIdempotencyKeyConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, _ := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("1000"), "k1")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, "1", "USDT", dec("2000"), "k1")
	assert.ErrorIs(t, err, ledgererr.ErrIdempotencyConflict)

	_, err = l.Withdraw(ctx, "1", "USDT", dec("1000"), "k1")
	assert.ErrorIs(t, err, ledgererr.ErrIdempotencyConflict)
}

func TestWithdraw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("1000"), "")
	require.NoError(t, err)

	res, err := l.Withdraw(ctx, "1", "USDT", dec("400"), "")
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("600")))
	requireClean(t, store)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("100"), "")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, "1", "USDT", dec("100.01"), "")
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientFunds)

	balance, err := l.Balance(ctx, "1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")), "rejected withdrawal must leave balance unchanged")
	requireClean(t, store)
}

func TestTransfer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("300"), "")
	require.NoError(t, err)

	res, err := l.Transfer(ctx, "1", "2", "USDT", dec("120"), "")
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("180")))

	toBalance, err := l.Balance(ctx, "2", "USDT")
	require.NoError(t, err)
	assert.True(t, toBalance.Equal(dec("120")))

	_, err = l.Transfer(ctx, "1", "1", "USDT", dec("1"), "")
	assert.Error(t, err, "self transfer must be rejected")
	requireClean(t, store)
}

func TestReserveAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("500"), "")
	require.NoError(t, err)

	res, err := l.Reserve(ctx, "1", "USDT", dec("200"), "")
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("300")))

	reserved, err := store.CurrentBalance(ctx, models.UserAccountID("1", "USDT", models.ClassReserved))
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("200")))

	// Cannot reserve more than available.
	_, err = l.Reserve(ctx, "1", "USDT", dec("301"), "")
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientFunds)

	res, err = l.Release(ctx, "1", "USDT", dec("200"), "")
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("500")))

	// Nothing reserved anymore; releasing again must fail.
	_, err = l.Release(ctx, "1", "USDT", dec("1"), "")
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientFunds)
	requireClean(t, store)
}

// TestTradeScenario is the end-to-end flow: fund a buyer with USDT and
// a seller with BTC, settle a 0.01 BTC fill at 95000, and verify every
// leg plus reconciliation.
func TestTradeScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "buyer", "USDT", dec("1000"), "")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "seller", "BTC", dec("0.5"), "")
	require.NoError(t, err)

	res, err := l.SettleTrade(ctx, TradeFill{
		BuyerID:       "buyer",
		SellerID:      "seller",
		Asset:         "BTC",
		QuoteCurrency: "USDT",
		Quantity:      dec("0.01"),
		Price:         dec("95000"),
	}, "trade-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)

	buyerQuote, _ := l.Balance(ctx, "buyer", "USDT")
	assert.True(t, buyerQuote.Equal(dec("50")), "buyer pays 950 USDT")

	sellerQuote, _ := l.Balance(ctx, "seller", "USDT")
	assert.True(t, sellerQuote.Equal(dec("950")))

	buyerAsset, _ := l.Balance(ctx, "buyer", "BTC")
	assert.True(t, buyerAsset.Equal(dec("0.01")))

	sellerAsset, _ := l.Balance(ctx, "seller", "BTC")
	assert.True(t, sellerAsset.Equal(dec("0.49")))

	requireClean(t, store)
}

func TestTradeWithFee(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "buyer", "USDT", dec("1000"), "")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "seller", "BTC", dec("1"), "")
	require.NoError(t, err)

	_, err = l.SettleTrade(ctx, TradeFill{
		BuyerID:       "buyer",
		SellerID:      "seller",
		Asset:         "BTC",
		QuoteCurrency: "USDT",
		Quantity:      dec("0.01"),
		Price:         dec("95000"),
		Fee:           dec("0.95"),
	}, "")
	require.NoError(t, err)

	sellerQuote, _ := l.Balance(ctx, "seller", "USDT")
	assert.True(t, sellerQuote.Equal(dec("949.05")), "fee comes out of seller proceeds")

	fees, err := store.CurrentBalance(ctx, models.PlatformFeesAccountID("USDT"))
	require.NoError(t, err)
	assert.True(t, fees.Equal(dec("0.95")))
	requireClean(t, store)
}

func TestTradeInsufficientBuyerFunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	_, err := l.Deposit(ctx, "buyer", "USDT", dec("100"), "")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "seller", "BTC", dec("1"), "")
	require.NoError(t, err)

	_, err = l.SettleTrade(ctx, TradeFill{
		BuyerID:       "buyer",
		SellerID:      "seller",
		Asset:         "BTC",
		QuoteCurrency: "USDT",
		Quantity:      dec("0.01"),
		Price:         dec("95000"),
	}, "")
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientFunds)

	// No partial writes: both sides untouched.
	buyerQuote, _ := l.Balance(ctx, "buyer", "USDT")
	assert.True(t, buyerQuote.Equal(dec("100")))
	sellerAsset, _ := l.Balance(ctx, "seller", "BTC")
	assert.True(t, sellerAsset.Equal(dec("1")))
	requireClean(t, store)
}

func TestConcurrentDepositsNoLostUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	l := NewLedger(store, store, WithRetry(100, time.Millisecond))
	const n = 50
	amount := dec("7")

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deposit(ctx, "1", "USDT", amount, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := l.Balance(ctx, "1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(amount.Mul(decimal.NewFromInt(n))),
		"expected %s, got %s", amount.Mul(decimal.NewFromInt(n)), balance)
	requireClean(t, store)
}

func TestConcurrentDisjointAndSharedAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	l := NewLedger(store, store, WithRetry(100, time.Millisecond))
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		_, err := l.Deposit(ctx, u, "USDT", dec("1000"), "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := users[i%len(users)]
			to := users[(i+1)%len(users)]
			// Transfers may transiently fail on funds, never on safety.
			_, err := l.Transfer(ctx, from, to, "USDT", dec("25"), "")
			if err != nil {
				assert.ErrorIs(t, err, ledgererr.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	// Money is conserved across the user set regardless of outcome mix.
	total := decimal.Zero
	for _, u := range users {
		balance, err := l.Balance(ctx, u, "USDT")
		require.NoError(t, err)
		assert.False(t, balance.IsNegative(), "user %s went negative", u)
		total = total.Add(balance)
	}
	assert.True(t, total.Equal(dec("4000")))
	requireClean(t, store)
}

// TestRandomizedOperationsStayBalanced drives a random mix of intents
// and then proves the two core invariants from the journal itself:
// every committed transaction balances per currency, and every cached
// balance equals the recomputed fold.
func TestRandomizedOperationsStayBalanced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, store := newTestLedger(t)
	rng := rand.New(rand.NewSource(1))
	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		_, err := l.Deposit(ctx, u, "BTC", dec("1"), "")
		require.NoError(t, err)
	}

	for i := 0; i < 300; i++ {
		user := users[rng.Intn(len(users))]
		other := users[rng.Intn(len(users))]
		amount := decimal.NewFromInt(int64(rng.Intn(500) + 1))

		var err error
		switch rng.Intn(6) {
		case 0:
			_, err = l.Deposit(ctx, user, "USDT", amount, "")
		case 1:
			_, err = l.Withdraw(ctx, user, "USDT", amount, "")
		case 2:
			if other != user {
				_, err = l.Transfer(ctx, user, other, "USDT", amount, "")
			}
		case 3:
			_, err = l.Reserve(ctx, user, "USDT", amount, "")
		case 4:
			_, err = l.Release(ctx, user, "USDT", amount, "")
		case 5:
			if other != user {
				_, err = l.SettleTrade(ctx, TradeFill{
					BuyerID:       user,
					SellerID:      other,
					Asset:         "BTC",
					QuoteCurrency: "USDT",
					Quantity:      dec("0.001"),
					Price:         amount.Mul(decimal.NewFromInt(100)),
				}, "")
			}
		}
		if err != nil {
			require.ErrorIs(t, err, ledgererr.ErrInsufficientFunds,
				"only business rejections are acceptable, got %v", err)
		}
	}

	entries, err := store.LedgerEntries(ctx)
	require.NoError(t, err)

	byTx := make(map[string]decimal.Decimal)
	for _, e := range entries {
		key := e.TransactionID + "|" + e.Currency
		byTx[key] = byTx[key].Add(e.SignedAmount())
	}
	for key, net := range byTx {
		assert.True(t, net.IsZero(), "transaction %s nets to %s", key, net)
	}

	requireClean(t, store)
}

func TestEntriesPagingRestartable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, _ := newTestLedger(t)
	for i := 0; i < 5; i++ {
		_, err := l.Deposit(ctx, "1", "USDT", dec("10"), "")
		require.NoError(t, err)
	}

	acc := models.UserAccountID("1", "USDT", models.ClassAvailable)
	var all []models.JournalEntry
	var after int64
	for {
		page, err := l.Entries(ctx, acc, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1].Seq
	}
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq, "append order must be preserved")
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, _ := newTestLedger(t)
	_, err := l.Deposit(ctx, "1", "USDT", dec("100"), "")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "1", "USDT", dec("40"), "")
	require.NoError(t, err)

	sum, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TotalEntries)
	assert.True(t, sum.Net.IsZero(), "ledger-wide net must be zero, got %s", sum.Net)
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (c *capturePublisher) Publish(topic string, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return nil
}

func TestCommitPublishesEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	pub := &capturePublisher{}
	l := NewLedger(store, store, WithPublisher(pub))

	_, err := l.Deposit(ctx, "1", "USDT", dec("10"), "k1")
	require.NoError(t, err)
	// Replays publish nothing.
	_, err = l.Deposit(ctx, "1", "USDT", dec("10"), "k1")
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "ledger.transaction_committed", pub.topics[0])
}

func TestPublisherFailureDoesNotFailCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	l := NewLedger(store, store, WithPublisher(failingPublisher{}))

	res, err := l.Deposit(ctx, "1", "USDT", dec("10"), "")
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("10")))
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, any) error {
	return fmt.Errorf("broker unavailable")
}
