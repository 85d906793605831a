package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"ballot-ledger/models"
	"ballot-ledger/service"

	"github.com/spf13/cobra"
)

var (
	forceSave bool
	remapFile string
)

func init() {
	markerSaveCmd.Flags().BoolVarP(&forceSave, "force", "f", false, "replace a marker for a different endpoint")
	markerAckCmd.Flags().StringVar(&remapFile, "remap", "", "JSON `file` with the remap plan")
	markerCmd.AddCommand(markerSaveCmd, markerVerifyCmd, markerShowCmd, markerDeleteCmd, markerAckCmd)
	rootCmd.AddCommand(markerCmd)
}

var markerCmd = &cobra.Command{
	Use:   "marker",
	Short: "Manage the acknowledged ledger endpoint",
}

var markerSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the current ledger endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		m, err := a.svc.Reconciler.SaveMarker(ctx, forceSave)
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var markerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the saved endpoint with the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.svc.Reconciler.VerifyMarker(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Match {
			return models.ErrEndpointMismatch
		}
		return nil
	},
}

var markerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		m, err := a.svc.Reconciler.ShowMarker()
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var markerDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the saved endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.svc.Reconciler.DeleteMarker(); err != nil {
			return err
		}
		log.Info("Endpoint marker deleted")
		return nil
	},
}

var markerAckCmd = &cobra.Command{
	Use:   "ack resync|wipe|remap",
	Short: "Acknowledge a changed ledger endpoint with a recovery decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := models.ParseRecoveryDecision(args[0])
		if err != nil {
			return err
		}
		var plan *service.RemapPlan
		if decision == models.DecisionRemap {
			if remapFile == "" {
				return fmt.Errorf("remap requires --remap")
			}
			buf, err := os.ReadFile(remapFile)
			if err != nil {
				return err
			}
			plan = new(service.RemapPlan)
			if err := json.Unmarshal(buf, plan); err != nil {
				return fmt.Errorf("remap plan %s: %w", remapFile, err)
			}
		}

		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.svc.Reconciler.Acknowledge(ctx, decision, plan)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}
