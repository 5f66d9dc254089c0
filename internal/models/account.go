package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/ledgererr"
)

// AccountClass distinguishes the spendable and the held portion of a
// user's funds in one currency.
type AccountClass string

const (
	ClassAvailable AccountClass = "available"
	ClassReserved  AccountClass = "reserved"
)

// Account is a logical (owner, currency) account with a cached running
// balance. The balance is a cache of the ledger fold for this account;
// the version bumps on every committed mutation and backs optimistic
// concurrency. Accounts are created on first reference and never
// deleted, only zeroed.
type Account struct {
	ID        string
	Currency  string
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
}

// UserAccountID builds the canonical account id for a user's funds in
// one currency, e.g. "user:42:USDT:available".
func UserAccountID(owner, currency string, class AccountClass) string {
	return fmt.Sprintf("user:%s:%s:%s", owner, currency, class)
}

// ExternalFundsAccountID is the system counter-account for money
// entering or leaving the platform, e.g. "external:funds:USDT". Its
// balance goes negative as deposits flow in; that is expected.
func ExternalFundsAccountID(currency string) string {
	return fmt.Sprintf("external:funds:%s", currency)
}

// PlatformFeesAccountID collects trading fees per currency.
func PlatformFeesAccountID(currency string) string {
	return fmt.Sprintf("platform:fees:%s", currency)
}

// IsUserAccount reports whether id denotes user-owned funds. Only user
// accounts are subject to the non-negative balance rule; system
// counter-accounts may legitimately run negative.
func IsUserAccount(id string) bool {
	return strings.HasPrefix(id, "user:")
}

// AccountCurrency extracts the currency segment from a canonical
// account id. Fails with ErrInvalidAccount on malformed ids.
func AccountCurrency(id string) (string, error) {
	parts := strings.Split(id, ":")
	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[1] != "" && parts[2] != "" &&
		(AccountClass(parts[3]) == ClassAvailable || AccountClass(parts[3]) == ClassReserved):
		return parts[2], nil
	case len(parts) == 3 && parts[0] == "external" && parts[1] == "funds" && parts[2] != "":
		return parts[2], nil
	case len(parts) == 3 && parts[0] == "platform" && parts[1] == "fees" && parts[2] != "":
		return parts[2], nil
	}
	return "", fmt.Errorf("%w: %q", ledgererr.ErrInvalidAccount, id)
}
