package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(recoverCmd)
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Import ledger candidates and parties missing from the store",
	Long: `Rebuilds candidates and parties from the ledger. Votes and voter
details cannot be rebuilt this way; the report lists what was lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.svc.Reconciler.CheckEndpoint(ctx); err != nil {
			return err
		}
		rep, err := a.svc.Reconciler.Resync(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	},
}
