package cmd

import (
	"context"
	"errors"
	"fmt"

	"ballot-ledger/models"
	"ballot-ledger/service"

	"github.com/spf13/cobra"
)

var (
	repairCounts bool
	checkVoters  bool
	divLimit     int
	syncDryRun   bool
)

func init() {
	reconcileCmd.Flags().BoolVar(&repairCounts, "repair", false, "overwrite stale vote counts with recomputed values")
	reconcileCmd.Flags().BoolVar(&checkVoters, "voters", false, "compare every voter's vote flags with the ledger")
	divergencesCmd.Flags().IntVarP(&divLimit, "limit", "n", 50, "number of entries, 0 for all")
	syncLedgerCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "only list the rows that would be registered")
	reconcileCmd.AddCommand(repairCountsCmd, divergencesCmd, syncLedgerCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Cross-check the record store against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.svc.Reconciler.Run(ctx, service.Options{
			RepairCounts: repairCounts,
			CheckVoters:  checkVoters,
			Journal:      true,
		})
		if rep != nil {
			if perr := printJSON(rep); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if n := rep.DivergenceCount(); n > 0 {
			return fmt.Errorf("%d divergences found: %w", n, models.ErrDivergence)
		}
		return nil
	},
}

var repairCountsCmd = &cobra.Command{
	Use:   "repair-counts",
	Short: "Recompute every vote count from raw vote rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.svc.Reconciler.RepairCounts(ctx)
		if err != nil {
			return err
		}
		log.Infof("Repaired %d vote counts", n)
		return nil
	},
}

var divergencesCmd = &cobra.Command{
	Use:   "divergences",
	Short: "List journaled divergences, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		list, err := a.svc.Reconciler.Divergences(divLimit)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return printJSON(list)
	},
}

var syncLedgerCmd = &cobra.Command{
	Use:   "sync-ledger",
	Short: "Register store candidates and parties that have no ledger id",
	Long: `Registers every candidate and party row without a ledger id on the
ledger and stores the id it was given. Rows that fail are reported and
left unchanged. Run "reconcile" first: a row whose earlier registration
has an unknown outcome may already exist on the ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		// the registration queue has to run
		if err := a.svc.Start(ctx); err != nil {
			return err
		}
		rep, err := a.svc.Registration.SyncToLedger(ctx, syncDryRun)
		if err != nil {
			return err
		}
		if perr := printJSON(rep); perr != nil {
			return perr
		}
		if n := len(rep.Failed); n > 0 {
			return fmt.Errorf("%d rows could not be synced", n)
		}
		return nil
	},
}
