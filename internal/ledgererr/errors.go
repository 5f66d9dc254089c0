// Package ledgererr defines the error taxonomy shared by the ledger
// engine and its storage backends. All errors are sentinels so callers
// can classify failures with errors.Is regardless of how many times
// they were wrapped on the way up.
package ledgererr

import "errors"

var (
	// ErrImbalancedTransaction means a transaction's debit and credit
	// lines do not sum to zero. This is a construction bug; such a
	// transaction is never committed.
	ErrImbalancedTransaction = errors.New("transaction debits and credits do not balance")

	// ErrInvalidAccount means a line references an account id that is
	// malformed or unknown to the registry. Rejected before any write.
	ErrInvalidAccount = errors.New("invalid account reference")

	// ErrInsufficientFunds means a debited account's projected balance
	// would go negative. Safe to retry after the balance changes.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict means an account version moved between read
	// and write. Transient; the engine retries internally.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrContentionExceeded means the engine could not acquire all
	// account locks within its bounded attempt budget.
	ErrContentionExceeded = errors.New("lock contention budget exceeded")

	// ErrIdempotencyConflict means an idempotency key was replayed
	// with different parameters. Caller programming error.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrContentionExceeded)
}
