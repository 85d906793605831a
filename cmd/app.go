package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ballot-ledger/biometric"
	"ballot-ledger/blockchain"
	"ballot-ledger/blockchain/devchain"
	"ballot-ledger/blockchain/evm"
	ballotcfg "ballot-ledger/config"
	"ballot-ledger/service"
	"ballot-ledger/storage"
)

// app owns every long-lived resource a command needs.
type app struct {
	cfg    *ballotcfg.Config
	ledger blockchain.Client
	store  storage.RecordStore
	audit  *storage.AuditDB
	svc    *service.Service
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := ballotcfg.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	var err error
	switch a.cfg.Ledger.Backend {
	case ballotcfg.LedgerEVM:
		var c *evm.Client
		if c, err = evm.New(a.cfg.Ledger.EVM); err == nil {
			a.ledger = c
		}
	case ballotcfg.LedgerDevchain:
		var c *devchain.Chain
		if c, err = devchain.New(a.cfg.Ledger.Devchain); err == nil {
			a.ledger = c
		}
	}
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	log.Infof("Using %s ledger backend", a.cfg.Ledger.Backend)

	switch a.cfg.Store.Engine {
	case ballotcfg.StoreLevelDB:
		var s *storage.LevelStore
		if s, err = storage.OpenLevelStore(a.cfg.Store.Path); err == nil {
			a.store = s
		}
	case ballotcfg.StorePostgres:
		var s *storage.PostgresStore
		if s, err = storage.OpenPostgres(ctx, a.cfg.Store.Postgres); err == nil {
			a.store = s
		}
	}
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	log.Infof("Using %s record store", a.cfg.Store.Engine)

	if err := os.MkdirAll(filepath.Dir(a.cfg.AuditPath), 0700); err != nil {
		return err
	}
	if a.audit, err = storage.OpenAuditDB(a.cfg.AuditPath); err != nil {
		return err
	}

	var verifier biometric.Verifier
	if a.cfg.Biometric.Mock {
		log.Warn("Biometric verification is mocked, do not use in production")
		verifier = biometric.NewMockVerifier()
	} else {
		verifier = biometric.NewClient(a.cfg.Biometric.URL, a.cfg.Biometric.Timeout)
	}
	a.svc = service.New(a.cfg.Service, a.ledger, a.store, a.audit, verifier)
	return nil
}

func (a *app) Close() {
	if a.svc != nil {
		a.svc.Stop()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Errorf("Closing audit db: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Errorf("Closing record store: %v", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Errorf("Closing ledger: %v", err)
		}
	}
}
