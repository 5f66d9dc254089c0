package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/blockflow/ledger-core/internal/models"
)

// intent is the closed set of high-level operations. Each variant maps
// deterministically onto its balanced journal-line template; the engine
// never commits lines that did not come from one of these.
type intent interface {
	kind() models.TransactionKind
	// fingerprint canonically encodes the parameters so a replayed
	// idempotency key can be checked against the original call.
	fingerprint() string
	// lines produces the balanced template. Account ids, currencies,
	// directions, amounts, and memos are set; the engine fills in ids,
	// transaction id, and timestamps.
	lines() ([]models.JournalEntry, error)
}

func line(accountID, currency string, dir models.Direction, amount decimal.Decimal, memo string) models.JournalEntry {
	return models.JournalEntry{
		AccountID: accountID,
		Currency:  currency,
		Direction: dir,
		Amount:    amount,
		Memo:      memo,
	}
}

type depositIntent struct {
	userID   string
	currency string
	amount   decimal.Decimal
}

func (d depositIntent) kind() models.TransactionKind { return models.KindDeposit }

func (d depositIntent) fingerprint() string {
	return fmt.Sprintf("deposit|%s|%s|%s", d.userID, d.currency, d.amount)
}

func (d depositIntent) lines() ([]models.JournalEntry, error) {
	if err := checkParams(d.userID, d.currency, d.amount); err != nil {
		return nil, err
	}
	return []models.JournalEntry{
		line(models.UserAccountID(d.userID, d.currency, models.ClassAvailable), d.currency, models.Credit, d.amount, "deposit"),
		line(models.ExternalFundsAccountID(d.currency), d.currency, models.Debit, d.amount, "deposit"),
	}, nil
}

type withdrawIntent struct {
	userID   string
	currency string
	amount   decimal.Decimal
}

func (w withdrawIntent) kind() models.TransactionKind { return models.KindWithdraw }

func (w withdrawIntent) fingerprint() string {
	return fmt.Sprintf("withdraw|%s|%s|%s", w.userID, w.currency, w.amount)
}

func (w withdrawIntent) lines() ([]models.JournalEntry, error) {
	if err := checkParams(w.userID, w.currency, w.amount); err != nil {
		return nil, err
	}
	return []models.JournalEntry{
		line(models.UserAccountID(w.userID, w.currency, models.ClassAvailable), w.currency, models.Debit, w.amount, "withdraw"),
		line(models.ExternalFundsAccountID(w.currency), w.currency, models.Credit, w.amount, "withdraw"),
	}, nil
}

type transferIntent struct {
	fromUser string
	toUser   string
	currency string
	amount   decimal.Decimal
}

func (t transferIntent) kind() models.TransactionKind { return models.KindTransfer }

func (t transferIntent) fingerprint() string {
	return fmt.Sprintf("transfer|%s|%s|%s|%s", t.fromUser, t.toUser, t.currency, t.amount)
}

func (t transferIntent) lines() ([]models.JournalEntry, error) {
	if err := checkParams(t.fromUser, t.currency, t.amount); err != nil {
		return nil, err
	}
	if t.toUser == "" {
		return nil, errors.New("recipient user id is required")
	}
	if t.toUser == t.fromUser {
		return nil, errors.New("cannot transfer to self")
	}
	return []models.JournalEntry{
		line(models.UserAccountID(t.fromUser, t.currency, models.ClassAvailable), t.currency, models.Debit, t.amount, "transfer"),
		line(models.UserAccountID(t.toUser, t.currency, models.ClassAvailable), t.currency, models.Credit, t.amount, "transfer"),
	}, nil
}

// reserveIntent moves funds from available to reserved (e.g. when an
// order is placed); releaseIntent is its inverse.
type reserveIntent struct {
	userID   string
	currency string
	amount   decimal.Decimal
}

func (r reserveIntent) kind() models.TransactionKind { return models.KindReserve }

func (r reserveIntent) fingerprint() string {
	return fmt.Sprintf("reserve|%s|%s|%s", r.userID, r.currency, r.amount)
}

func (r reserveIntent) lines() ([]models.JournalEntry, error) {
	if err := checkParams(r.userID, r.currency, r.amount); err != nil {
		return nil, err
	}
	return []models.JournalEntry{
		line(models.UserAccountID(r.userID, r.currency, models.ClassAvailable), r.currency, models.Debit, r.amount, "reserve"),
		line(models.UserAccountID(r.userID, r.currency, models.ClassReserved), r.currency, models.Credit, r.amount, "reserve"),
	}, nil
}

type releaseIntent struct {
	userID   string
	currency string
	amount   decimal.Decimal
}

func (r releaseIntent) kind() models.TransactionKind { return models.KindRelease }

func (r releaseIntent) fingerprint() string {
	return fmt.Sprintf("release|%s|%s|%s", r.userID, r.currency, r.amount)
}

func (r releaseIntent) lines() ([]models.JournalEntry, error) {
	if err := checkParams(r.userID, r.currency, r.amount); err != nil {
		return nil, err
	}
	return []models.JournalEntry{
		line(models.UserAccountID(r.userID, r.currency, models.ClassReserved), r.currency, models.Debit, r.amount, "release"),
		line(models.UserAccountID(r.userID, r.currency, models.ClassAvailable), r.currency, models.Credit, r.amount, "release"),
	}, nil
}

// TradeFill describes a matched trade to settle: the buyer pays
// quantity*price in the quote currency and receives quantity of the
// asset. The fee comes out of the seller's proceeds.
type TradeFill struct {
	BuyerID       string
	SellerID      string
	Asset         string
	QuoteCurrency string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	// Fee is collected from the seller's quote proceeds into the
	// platform fee account. Zero means no fee line.
	Fee decimal.Decimal
}

type tradeFillIntent struct {
	fill TradeFill
}

func (t tradeFillIntent) kind() models.TransactionKind { return models.KindTradeFill }

func (t tradeFillIntent) fingerprint() string {
	f := t.fill
	return fmt.Sprintf("trade_fill|%s|%s|%s|%s|%s|%s|%s",
		f.BuyerID, f.SellerID, f.Asset, f.QuoteCurrency, f.Quantity, f.Price, f.Fee)
}

func (t tradeFillIntent) lines() ([]models.JournalEntry, error) {
	f := t.fill
	switch {
	case f.BuyerID == "" || f.SellerID == "":
		return nil, errors.New("buyer and seller ids are required")
	case f.BuyerID == f.SellerID:
		return nil, errors.New("buyer and seller must differ")
	case f.Asset == "" || f.QuoteCurrency == "":
		return nil, errors.New("asset and quote currency are required")
	case f.Asset == f.QuoteCurrency:
		return nil, errors.New("asset and quote currency must differ")
	case !f.Quantity.IsPositive():
		return nil, errors.New("quantity must be positive")
	case !f.Price.IsPositive():
		return nil, errors.New("price must be positive")
	case f.Fee.IsNegative():
		return nil, errors.New("fee cannot be negative")
	}

	notional := f.Price.Mul(f.Quantity)
	if f.Fee.GreaterThanOrEqual(notional) {
		return nil, errors.New("fee must be below trade notional")
	}

	memo := fmt.Sprintf("trade %s/%s", f.Asset, f.QuoteCurrency)
	lines := []models.JournalEntry{
		line(models.UserAccountID(f.BuyerID, f.QuoteCurrency, models.ClassAvailable), f.QuoteCurrency, models.Debit, notional, memo),
		line(models.UserAccountID(f.SellerID, f.QuoteCurrency, models.ClassAvailable), f.QuoteCurrency, models.Credit, notional.Sub(f.Fee), memo),
		line(models.UserAccountID(f.SellerID, f.Asset, models.ClassAvailable), f.Asset, models.Debit, f.Quantity, memo),
		line(models.UserAccountID(f.BuyerID, f.Asset, models.ClassAvailable), f.Asset, models.Credit, f.Quantity, memo),
	}
	if f.Fee.IsPositive() {
		lines = append(lines, line(models.PlatformFeesAccountID(f.QuoteCurrency), f.QuoteCurrency, models.Credit, f.Fee, memo))
	}
	return lines, nil
}

func checkParams(userID, currency string, amount decimal.Decimal) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if currency == "" {
		return errors.New("currency is required")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}
