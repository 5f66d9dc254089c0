package postgres

// Schema creates the ledger tables. Entries are append-only; seq is
// the global append order. Accounts carry the cached balance and the
// optimistic concurrency version.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    NUMERIC(38, 18) NOT NULL DEFAULT 0,
	version    BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT,
	fingerprint     TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (idempotency_key)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id             TEXT PRIMARY KEY,
	seq            BIGSERIAL,
	transaction_id TEXT NOT NULL REFERENCES transactions (id),
	account_id     TEXT NOT NULL REFERENCES accounts (id),
	currency       TEXT NOT NULL,
	direction      TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	amount         NUMERIC(38, 18) NOT NULL CHECK (amount > 0),
	memo           TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_seq
	ON ledger_entries (account_id, seq);
`
