package service

import (
	"errors"
	"strconv"
	"time"

	"ballot-ledger/models"

	"github.com/google/uuid"
)

// Journal persists divergence records.
type Journal interface {
	RecordDivergence(d *models.Divergence) error
	ListDivergences(limit int) ([]*models.Divergence, error)
}

// MarkerStore persists the acknowledged ledger endpoint.
type MarkerStore interface {
	LoadMarker() (*models.Marker, error)
	SaveMarker(m *models.Marker) error
	DeleteMarker() error
}

// AuditLog is what the audit database provides.
type AuditLog interface {
	Journal
	MarkerStore
}

type divergenceRecorder struct {
	journal Journal
	metrics *MetricsCollector
}

// stamp assigns an id and detection time without journaling.
func stamp(d *models.Divergence) *models.Divergence {
	d.ID = uuid.New().String()
	d.DetectedAt = time.Now().UTC()
	return d
}

// record journals d and wraps it with the error that caused it.
func (r *divergenceRecorder) record(d *models.Divergence, cause error) *models.DivergenceError {
	stamp(d)
	r.persist(d)
	return &models.DivergenceError{Record: d, Err: cause}
}

func (r *divergenceRecorder) persist(d *models.Divergence) {
	log.Errorf("Divergence %s kind=%s op=%s voter=%d %s=%d ledger=%s tx=%s: %s",
		d.ID, d.Kind, d.Op, d.VoterID, d.EntityKind, d.EntityID, ledgerString(d.LedgerID), d.Tx.Hash, d.Detail)
	if r.journal != nil {
		if err := r.journal.RecordDivergence(d); err != nil {
			log.Errorf("Failed to journal divergence %s: %v", d.ID, err)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordDivergence(d.Kind)
	}
}

func ledgerString(id *uint64) string {
	if id == nil {
		return "-"
	}
	return formatUint(*id)
}

func isUnknownOutcome(err error) bool {
	return errors.Is(err, models.ErrUnknownOutcome)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
