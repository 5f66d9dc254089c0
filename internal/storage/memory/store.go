// Package memory is the in-memory implementation of the ledger store
// and account registry, used for tests and local runs. A single RWMutex
// makes every append atomic with respect to readers: a reader sees the
// ledger either before or after a transaction, never mid-commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
)

type Store struct {
	mu       sync.RWMutex
	entries  []models.JournalEntry
	accounts map[string]*models.Account
	idem     map[string]models.IdempotencyRecord
	nextSeq  int64
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*models.Account),
		idem:     make(map[string]models.IdempotencyRecord),
		nextSeq:  1,
	}
}

// AppendTransaction commits tx atomically: idempotency check, version
// check, entry append, balance deltas, version bumps. Any failure
// leaves the store untouched.
func (s *Store) AppendTransaction(ctx context.Context, tx models.Transaction, deltas []models.BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if rec, ok := s.idem[tx.IdempotencyKey]; ok {
			if rec.Fingerprint == tx.Fingerprint {
				return nil // replay of an identical intent, already committed
			}
			return fmt.Errorf("%w: key %q", ledgererr.ErrIdempotencyConflict, tx.IdempotencyKey)
		}
	}

	// Validate everything before mutating anything; an imbalanced
	// transaction must never reach the journal.
	if err := tx.Validate(); err != nil {
		return err
	}
	for _, line := range tx.Lines {
		if _, ok := s.accounts[line.AccountID]; !ok {
			return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, line.AccountID)
		}
	}
	for _, d := range deltas {
		acc, ok := s.accounts[d.AccountID]
		if !ok {
			return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, d.AccountID)
		}
		if acc.Version != d.ExpectedVersion {
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				ledgererr.ErrVersionConflict, d.AccountID, acc.Version, d.ExpectedVersion)
		}
	}

	for _, line := range tx.Lines {
		line.Seq = s.nextSeq
		s.nextSeq++
		s.entries = append(s.entries, line)
	}
	for _, d := range deltas {
		acc := s.accounts[d.AccountID]
		acc.Balance = acc.Balance.Add(d.Delta)
		acc.Version++
	}
	if tx.IdempotencyKey != "" {
		s.idem[tx.IdempotencyKey] = models.IdempotencyRecord{
			Key:           tx.IdempotencyKey,
			Fingerprint:   tx.Fingerprint,
			TransactionID: tx.ID,
			CreatedAt:     tx.CreatedAt,
		}
	}
	return nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.JournalEntry
	for _, e := range s.entries {
		if e.AccountID != accountID || e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LedgerEntries(ctx context.Context) ([]models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.JournalEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// AccountSnapshot returns the cached account record and its full entry
// history from one consistent point in time, for reconciliation.
func (s *Store) AccountSnapshot(ctx context.Context, accountID string) (models.Account, []models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return models.Account{}, nil, fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, accountID)
	}
	var entries []models.JournalEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	return *acc, entries, nil
}

func (s *Store) IdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[key]
	return rec, ok, nil
}

func (s *Store) Summary(ctx context.Context) (models.LedgerSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := models.LedgerSummary{TotalEntries: len(s.entries)}
	for _, e := range s.entries {
		if e.Direction == models.Credit {
			sum.TotalCredits = sum.TotalCredits.Add(e.Amount)
		} else {
			sum.TotalDebits = sum.TotalDebits.Add(e.Amount)
		}
	}
	sum.Net = sum.TotalCredits.Sub(sum.TotalDebits)
	return sum, nil
}

func (s *Store) GetOrCreate(ctx context.Context, id string) (models.Account, error) {
	currency, err := models.AccountCurrency(id)
	if err != nil {
		return models.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[id]; ok {
		return *acc, nil
	}
	acc := &models.Account{
		ID:        id,
		Currency:  currency,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[id] = acc
	return *acc, nil
}

func (s *Store) Account(ctx context.Context, id string) (models.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return models.Account{}, false, nil
	}
	return *acc, true, nil
}

func (s *Store) CurrentBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, nil
	}
	return acc.Balance, nil
}

func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ interfaces.LedgerStore     = (*Store)(nil)
	_ interfaces.AccountRegistry = (*Store)(nil)
)
