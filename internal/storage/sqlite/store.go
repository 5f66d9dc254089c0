// Package sqlite is a single-file ledger store for local runs and the
// ops CLI. Amounts are stored as exact decimal strings; seq comes from
// the entries table's rowid, which preserves append order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    TEXT NOT NULL DEFAULT '0',
	version    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	fingerprint     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	transaction_id TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	currency       TEXT NOT NULL,
	direction      TEXT NOT NULL,
	amount         TEXT NOT NULL,
	memo           TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries (account_id, seq);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialize access on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AppendTransaction(ctx context.Context, tx models.Transaction, deltas []models.BalanceDelta) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	if tx.IdempotencyKey != "" {
		var fingerprint string
		err := dbTx.QueryRowContext(ctx,
			`SELECT fingerprint FROM transactions WHERE idempotency_key = ?`,
			tx.IdempotencyKey).Scan(&fingerprint)
		switch {
		case err == nil && fingerprint == tx.Fingerprint:
			return nil
		case err == nil:
			return fmt.Errorf("%w: key %q", ledgererr.ErrIdempotencyConflict, tx.IdempotencyKey)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	key := sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}
	if _, err := dbTx.ExecContext(ctx,
		`INSERT INTO transactions (id, idempotency_key, fingerprint, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tx.ID, key, tx.Fingerprint, string(tx.Kind), tx.CreatedAt); err != nil {
		return err
	}

	for _, line := range tx.Lines {
		var exists int
		err := dbTx.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE id = ?`, line.AccountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, line.AccountID)
		}
		if err != nil {
			return err
		}
		if _, err := dbTx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, currency, direction, amount, memo, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID, line.TransactionID, line.AccountID, line.Currency,
			string(line.Direction), line.Amount.String(), line.Memo, line.CreatedAt); err != nil {
			return err
		}
	}

	for _, d := range deltas {
		var balanceStr string
		var version int64
		err := dbTx.QueryRowContext(ctx,
			`SELECT balance, version FROM accounts WHERE id = ?`, d.AccountID).
			Scan(&balanceStr, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, d.AccountID)
		}
		if err != nil {
			return err
		}
		if version != d.ExpectedVersion {
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				ledgererr.ErrVersionConflict, d.AccountID, version, d.ExpectedVersion)
		}
		balance, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return err
		}
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, version = version + 1 WHERE id = ?`,
			balance.Add(d.Delta).String(), d.AccountID); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string, afterSeq int64, limit int) ([]models.JournalEntry, error) {
	query := `SELECT seq, id, transaction_id, account_id, currency, direction, amount, memo, created_at
		FROM ledger_entries WHERE account_id = ? AND seq > ? ORDER BY seq`
	args := []any{accountID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
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
		`SELECT seq, id, transaction_id, account_id, currency, direction, amount, memo, created_at
		 FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) AccountSnapshot(ctx context.Context, accountID string) (models.Account, []models.JournalEntry, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Account{}, nil, err
	}
	defer dbTx.Rollback()

	acc, ok, err := scanAccount(dbTx.QueryRowContext(ctx,
		`SELECT id, currency, balance, version, created_at FROM accounts WHERE id = ?`, accountID))
	if err != nil {
		return models.Account{}, nil, err
	}
	if !ok {
		return models.Account{}, nil, fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, accountID)
	}

	rows, err := dbTx.QueryContext(ctx,
		`SELECT seq, id, transaction_id, account_id, currency, direction, amount, memo, created_at
		 FROM ledger_entries WHERE account_id = ? ORDER BY seq`, accountID)
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
		 FROM transactions WHERE idempotency_key = ?`,
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
	entries, err := s.LedgerEntries(ctx)
	if err != nil {
		return models.LedgerSummary{}, err
	}
	sum := models.LedgerSummary{TotalEntries: len(entries)}
	for _, e := range entries {
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, currency, balance, version, created_at)
		 VALUES (?, ?, '0', 0, ?)`,
		id, currency, time.Now().UTC()); err != nil {
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
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, currency, balance, version, created_at FROM accounts WHERE id = ?`, id))
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

func scanAccount(row *sql.Row) (models.Account, bool, error) {
	var acc models.Account
	var balanceStr string
	err := row.Scan(&acc.ID, &acc.Currency, &balanceStr, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, err
	}
	acc.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return models.Account{}, false, err
	}
	return acc, true, nil
}

func scanEntries(rows *sql.Rows) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var direction, amount string
		if err := rows.Scan(&e.Seq, &e.ID, &e.TransactionID, &e.AccountID, &e.Currency,
			&direction, &amount, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
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
