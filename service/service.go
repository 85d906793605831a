// Package service coordinates ledger-first dual writes between the voting
// ledger and the record store, and reconciles the two.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"ballot-ledger/biometric"
	"ballot-ledger/blockchain"
	"ballot-ledger/models"
	"ballot-ledger/storage"
)

type Config struct {
	LedgerTimeout time.Duration
	QueueSize     int
	AuditInterval time.Duration
	Audit         Options
}

// core is what every coordinator shares.
type core struct {
	ledger  blockchain.Client
	store   storage.RecordStore
	gate    *Gate
	metrics *MetricsCollector
	div     *divergenceRecorder
	timeout time.Duration
}

// Service bundles the coordinators around one ledger and one store.
type Service struct {
	Gate         *Gate
	Metrics      *MetricsCollector
	Queue        *RegistrationQueue
	Registration *RegistrationCoordinator
	Voting       *VotingCoordinator
	Reconciler   *Engine

	cfg      Config
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, ledger blockchain.Client, store storage.RecordStore, audit AuditLog, verifier biometric.Verifier) *Service {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = blockchain.DefaultTimeout
	}
	metrics := NewMetricsCollector()
	c := &core{
		ledger:  ledger,
		store:   store,
		gate:    NewGate(),
		metrics: metrics,
		div:     &divergenceRecorder{journal: audit, metrics: metrics},
		timeout: cfg.LedgerTimeout,
	}
	queue := NewRegistrationQueue(cfg.QueueSize, metrics)
	return &Service{
		Gate:         c.gate,
		Metrics:      metrics,
		Queue:        queue,
		Registration: &RegistrationCoordinator{core: c, queue: queue, verifier: verifier},
		Voting:       &VotingCoordinator{core: c, locks: newKeyedLock()},
		Reconciler:   &Engine{core: c, markers: audit, journal: audit},
		cfg:          cfg,
		stop:         make(chan struct{}),
	}
}

// Start checks the ledger endpoint and starts the registration worker and
// the periodic audit. An endpoint mismatch is not an error here: the gate
// stays halted until an operator acknowledges the new endpoint.
func (s *Service) Start(ctx context.Context) error {
	s.Queue.Start()
	if _, err := s.Reconciler.CheckEndpoint(ctx); err != nil && !errors.Is(err, models.ErrEndpointMismatch) {
		s.Queue.Stop()
		return err
	}
	s.Reconciler.StartAudit(s.cfg.AuditInterval, s.cfg.Audit, s.stop)
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.Queue.Stop()
}

// Store exposes the record store for plain listings.
func (s *Service) Store() storage.RecordStore {
	return s.Registration.store
}
