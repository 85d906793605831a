package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"ballot-ledger/api"
	"ballot-ledger/auth"
	"ballot-ledger/models"
	"ballot-ledger/service"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with periodic reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tokens, err := auth.NewTokens(a.cfg.Auth.Secret, a.cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	if err := a.svc.Start(ctx); err != nil {
		return err
	}
	if !a.svc.Gate.IsActive() {
		log.Errorf("Ledger endpoint changed, registration and voting are halted until acknowledged (%s marker ack)", APP_NAME)
	} else {
		rep, err := a.svc.Reconciler.Run(ctx, service.Options{
			RepairCounts: a.cfg.Service.Audit.RepairCounts,
			CheckVoters:  a.cfg.Service.Audit.CheckVoters,
			Journal:      true,
		})
		switch {
		case errors.Is(err, models.ErrEndpointMismatch):
		case err != nil:
			log.Errorf("Startup reconciliation failed: %v", err)
		case rep.DivergenceCount() > 0:
			log.Warnf("Startup reconciliation %s found %d divergences", rep.ID, rep.DivergenceCount())
		default:
			log.Infof("Startup reconciliation %s clean", rep.ID)
		}
	}

	srv := api.NewServer(a.cfg.Server, a.svc, tokens)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
