// ledgerctl is the ops companion for the ledger: inspect balances,
// dump the summary, and run reconciliation against a live store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockflow/ledger-core/internal/interfaces"
	"github.com/blockflow/ledger-core/internal/ledger"
	"github.com/blockflow/ledger-core/internal/models"
	"github.com/blockflow/ledger-core/internal/reconcile"
	"github.com/blockflow/ledger-core/internal/storage/postgres"
	"github.com/blockflow/ledger-core/internal/storage/sqlite"
)

var (
	sqlitePath  string
	postgresDSN string
)

func main() {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and reconcile the wallet ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "path to a sqlite ledger database")
	root.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "postgres connection string")

	root.AddCommand(balanceCmd(), summaryCmd(), reconcileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id> <currency>",
		Short: "Print the cached available balance for a user and currency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, registry, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			engine := ledger.NewLedger(store, registry)
			balance, err := engine.Balance(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", balance, args[1])
			return nil
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print ledger-wide totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, registry, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			engine := ledger.NewLedger(store, registry)
			sum, err := engine.Summary(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries: %d\ncredits: %s\ndebits:  %s\nnet:     %s\n",
				sum.TotalEntries, sum.TotalCredits, sum.TotalDebits, sum.Net)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [account-id]",
		Short: "Recompute balances from the journal and report drift",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, registry, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			checker := reconcile.NewChecker(store, registry)

			if len(args) == 1 {
				report, err := checker.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printReport(report)
				return nil
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			dirty := 0
			reports, errs := checker.All(ctx)
			for report := range reports {
				if !report.Clean() {
					dirty++
				}
				printReport(report)
			}
			if err := <-errs; err != nil {
				return err
			}
			if dirty > 0 {
				return fmt.Errorf("%d account(s) failed reconciliation", dirty)
			}
			fmt.Println("all accounts reconciled")
			return nil
		},
	}
}

func printReport(r models.ReconciliationReport) {
	fmt.Printf("%-8s %-50s cached=%s ledger=%s entries=%d\n",
		r.Severity, r.AccountID, r.CachedBalance, r.LedgerBalance, r.EntryCount)
}

func openStore() (interfaces.LedgerStore, interfaces.AccountRegistry, func(), error) {
	switch {
	case postgresDSN != "":
		store, err := postgres.Open(postgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	case sqlitePath != "":
		store, err := sqlite.Open(sqlitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("one of --sqlite or --postgres-dsn is required")
	}
}
