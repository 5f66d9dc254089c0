// Package postgres is the durable ledger store. One ledger transaction
// maps onto one SQL transaction, so atomicity and reader isolation come
// from the database; version guards on the accounts table surface lost
// updates as ledgererr.ErrVersionConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
)

type Store struct {
	db *sql.DB
}

// Open connects, pings, and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AppendTransaction(ctx context.Context, tx models.Transaction, deltas []models.BalanceDelta) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	if tx.IdempotencyKey != "" {
		var fingerprint string
		err := dbTx.QueryRowContext(ctx,
			`SELECT fingerprint FROM transactions WHERE idempotency_key = $1`,
			tx.IdempotencyKey).Scan(&fingerprint)
		switch {
		case err == nil && fingerprint == tx.Fingerprint:
			return nil // identical replay, nothing to do
		case err == nil:
			return fmt.Errorf("%w: key %q", ledgererr.ErrIdempotencyConflict, tx.IdempotencyKey)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	key := sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}
	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO transactions (id, idempotency_key, fingerprint, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tx.ID, key, tx.Fingerprint, string(tx.Kind), tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// Lost the race to a concurrent commit with the same key.
			return fmt.Errorf("%w: key %q", ledgererr.ErrIdempotencyConflict, tx.IdempotencyKey)
		}
		return err
	}

	for _, line := range tx.Lines {
		_, err := dbTx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, currency, direction, amount, memo, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			line.ID, line.TransactionID, line.AccountID, line.Currency,
			string(line.Direction), line.Amount, line.Memo, line.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
				return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, line.AccountID)
			}
			return err
		}
	}

	for _, d := range deltas {
		res, err := dbTx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $1, version = version + 1
			 WHERE id = $2 AND version = $3`,
			d.Delta, d.AccountID, d.ExpectedVersion)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: account %s, expected version %d",
				ledgererr.ErrVersionConflict, d.AccountID, d.ExpectedVersion)
		}
	}

	return dbTx.Commit()
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.JournalEntry, error) {
	query := `SELECT id, seq, transaction_id, account_id, currency, direction, amount, memo, created_at
		FROM ledger_entries WHERE account_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{accountID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) LedgerEntries(ctx context.Context) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, transaction_id, account_id, currency, direction, amount, memo, created_at
		 FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AccountSnapshot reads the account row and its entries inside one
// repeatable-read transaction, so the pair is consistent even while
// commits are landing concurrently.
func (s *Store) AccountSnapshot(ctx context.Context, accountID string) (models.Account, []models.JournalEntry, error) {
	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.Account{}, nil, err
	}
	defer dbTx.Rollback()

	var acc models.Account
	err = dbTx.QueryRowContext(ctx,
		`SELECT id, currency, balance, version, created_at FROM accounts WHERE id = $1`,
		accountID).Scan(&acc.ID, &acc.Currency, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, nil, fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, accountID)
	}
	if err != nil {
		return models.Account{}, nil, err
	}

	rows, err := dbTx.QueryContext(ctx,
		`SELECT id, seq, transaction_id, account_id, currency, direction, amount, memo, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return models.Account{}, nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return models.Account{}, nil, err
	}
	return acc, entries, dbTx.Commit()
}

func (s *Store) IdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, fingerprint, id, created_at
		 FROM transactions WHERE idempotency_key = $1`,
		key).Scan(&rec.Key, &rec.Fingerprint, &rec.TransactionID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Summary(ctx context.Context) (models.LedgerSummary, error) {
	var sum models.LedgerSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
			COALESCE(sum(amount) FILTER (WHERE direction = 'credit'), 0),
			COALESCE(sum(amount) FILTER (WHERE direction = 'debit'), 0)
		 FROM ledger_entries`).Scan(&sum.TotalEntries, &sum.TotalCredits, &sum.TotalDebits)
	if err != nil {
		return models.LedgerSummary{}, err
	}
	sum.Net = sum.TotalCredits.Sub(sum.TotalDebits)
	return sum, nil
}

func (s *Store) GetOrCreate(ctx context.Context, id string) (models.Account, error) {
	currency, err := models.AccountCurrency(id)
	if err != nil {
		return models.Account{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, currency, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, currency, time.Now().UTC())
	if err != nil {
		return models.Account{}, err
	}
	acc, ok, err := s.Account(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %q vanished after create", ledgererr.ErrInvalidAccount, id)
	}
	return acc, nil
}

func (s *Store) Account(ctx context.Context, id string) (models.Account, bool, error) {
	var acc models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, currency, balance, version, created_at FROM accounts WHERE id = $1`,
		id).Scan(&acc.ID, &acc.Currency, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, err
	}
	return acc, true, nil
}

func (s *Store) CurrentBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	acc, ok, err := s.Account(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, nil
	}
	return acc.Balance, nil
}

func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var direction string
		if err := rows.Scan(&e.ID, &e.Seq, &e.TransactionID, &e.AccountID, &e.Currency,
			&direction, &e.Amount, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = models.Direction(direction)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var (
	_ interfaces.LedgerStore     = (*Store)(nil)
	_ interfaces.AccountRegistry = (*Store)(nil)
)
