package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockflow/ledger-core/internal/config"
	"github.com/blockflow/ledger-core/internal/events/kafka"
	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledger"
	"github.com/blockflow/ledger-core/internal/ledgererr"
	"github.com/blockflow/ledger-core/internal/reconcile"
	"github.com/blockflow/ledger-core/internal/storage/memory"
	"github.com/blockflow/ledger-core/internal/storage/postgres"
	"github.com/blockflow/ledger-core/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	store, registry, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer cleanup()

	engineOpts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithRetry(cfg.MaxLockAttempts, cfg.LockBackoff),
	}
	checkerOpts := []reconcile.Option{reconcile.WithLogger(log)}

	if epsilon, err := decimal.NewFromString(cfg.ReconcileEpsilon); err == nil {
		checkerOpts = append(checkerOpts, reconcile.WithEpsilon(epsilon))
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers)
		defer publisher.Close()
		engineOpts = append(engineOpts, ledger.WithPublisher(publisher))
		checkerOpts = append(checkerOpts, reconcile.WithPublisher(publisher))
	}

	engine := ledger.NewLedger(store, registry, engineOpts...)
	checker := reconcile.NewChecker(store, registry, checkerOpts...)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	http.HandleFunc("/deposit", moveFundsHandler(engine.Deposit))
	http.HandleFunc("/withdraw", moveFundsHandler(engine.Withdraw))
	http.HandleFunc("/reserve", moveFundsHandler(engine.Reserve))
	http.HandleFunc("/release", moveFundsHandler(engine.Release))

	http.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			FromUser string          `json:"from_user"`
			ToUser   string          `json:"to_user"`
			Currency string          `json:"currency"`
			Amount   decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := engine.Transfer(r.Context(), req.FromUser, req.ToUser, req.Currency,
			req.Amount, r.Header.Get("Idempotency-Key"))
		writeResult(w, res, err)
	})

	http.HandleFunc("/trades/settle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			BuyerID       string          `json:"buyer_id"`
			SellerID      string          `json:"seller_id"`
			Asset         string          `json:"asset"`
			QuoteCurrency string          `json:"quote_currency"`
			Quantity      decimal.Decimal `json:"quantity"`
			Price         decimal.Decimal `json:"price"`
			Fee           decimal.Decimal `json:"fee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := engine.SettleTrade(r.Context(), ledger.TradeFill{
			BuyerID:       req.BuyerID,
			SellerID:      req.SellerID,
			Asset:         req.Asset,
			QuoteCurrency: req.QuoteCurrency,
			Quantity:      req.Quantity,
			Price:         req.Price,
			Fee:           req.Fee,
		}, r.Header.Get("Idempotency-Key"))
		writeResult(w, res, err)
	})

	http.HandleFunc("/accounts/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		userID := r.URL.Query().Get("user_id")
		currency := r.URL.Query().Get("currency")
		if userID == "" || currency == "" {
			http.Error(w, "user_id and currency are mandatory", http.StatusBadRequest)
			return
		}
		balance, err := engine.Balance(r.Context(), userID, currency)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":  userID,
			"currency": currency,
			"balance":  balance,
		})
	})

	http.HandleFunc("/ledger/entries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			http.Error(w, "account_id is mandatory", http.StatusBadRequest)
			return
		}
		afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := engine.Entries(r.Context(), accountID, afterSeq, limit)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	http.HandleFunc("/ledger/summary", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		summary, err := engine.Summary(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	http.HandleFunc("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if accountID := r.URL.Query().Get("account_id"); accountID != "" {
			report, err := checker.Account(r.Context(), accountID)
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			writeJSON(w, http.StatusOK, report)
			return
		}

		// Full scan: stream one JSON report per line so large ledgers
		// never buffer whole.
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		reports, errs := checker.All(r.Context())
		for report := range reports {
			if err := enc.Encode(report); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconcile scan failed", zap.Error(err))
		}
	})

	log.Info("starting server", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

type moveFunds func(ctx context.Context, userID, currency string, amount decimal.Decimal, key string) (ledger.Result, error)

func moveFundsHandler(op moveFunds) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			UserID   string          `json:"user_id"`
			Currency string          `json:"currency"`
			Amount   decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		res, err := op(r.Context(), req.UserID, req.Currency, req.Amount,
			r.Header.Get("Idempotency-Key"))
		writeResult(w, res, err)
	}
}

func writeResult(w http.ResponseWriter, res ledger.Result, err error) {
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"transaction_id": res.TransactionID,
		"new_balance":    res.NewBalance,
		"replayed":       res.Replayed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ledgererr.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledgererr.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ledgererr.ErrInvalidAccount),
		errors.Is(err, ledgererr.ErrImbalancedTransaction):
		return http.StatusBadRequest
	case ledgererr.Transient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func openStore(cfg config.Config) (interfaces.LedgerStore, interfaces.AccountRegistry, func(), error) {
	switch cfg.Store {
	case "postgres":
		store, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	default:
		store := memory.NewStore()
		return store, store, func() {}, nil
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("LEDGER_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
