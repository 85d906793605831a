package service

import (
	"sync"
	"time"

	"ballot-ledger/models"
)

type opStats struct {
	startTime time.Time
	endTime   time.Time
	count     int
	failures  int
	totalTime time.Duration
}

func (s *opStats) start() {
	if s.count == 0 {
		s.startTime = time.Now()
	}
	s.count++
}

func (s *opStats) end(d time.Duration, failed bool) {
	s.endTime = time.Now()
	s.totalTime += d
	if failed {
		s.failures++
	}
}

func (s *opStats) snapshot() OperationMetrics {
	return OperationMetrics{
		StartTime:      s.startTime,
		EndTime:        s.endTime,
		Count:          s.count,
		Failures:       s.failures,
		ProcessingTime: s.totalTime.Milliseconds(),
	}
}

// MetricsCollector tracks counts and timings of the coordinated operations.
type MetricsCollector struct {
	mu              sync.RWMutex
	registration    opStats
	voting          opStats
	reconcile       opStats
	rejections      map[models.RejectReason]int
	divergences     map[models.DivergenceKind]int
	unknownOutcomes int
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Registration    OperationMetrics              `json:"registration"`
	Voting          OperationMetrics              `json:"voting"`
	Reconciliation  OperationMetrics              `json:"reconciliation"`
	Rejections      map[models.RejectReason]int   `json:"ledger_rejections"`
	Divergences     map[models.DivergenceKind]int `json:"divergences"`
	UnknownOutcomes int                           `json:"unknown_outcomes"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		rejections:  make(map[models.RejectReason]int),
		divergences: make(map[models.DivergenceKind]int),
	}
}

func (mc *MetricsCollector) RecordRegistrationStart() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.registration.start()
}

func (mc *MetricsCollector) RecordRegistrationEnd(d time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.registration.end(d, err != nil)
}

func (mc *MetricsCollector) RecordVotingStart() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.voting.start()
}

func (mc *MetricsCollector) RecordVotingEnd(d time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.voting.end(d, err != nil)
}

func (mc *MetricsCollector) RecordReconcileStart() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.reconcile.start()
}

func (mc *MetricsCollector) RecordReconcileEnd(d time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.reconcile.end(d, err != nil)
}

// RecordLedgerError counts rejections by reason and unknown outcomes.
func (mc *MetricsCollector) RecordLedgerError(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if reason, ok := models.RejectReasonOf(err); ok {
		mc.rejections[reason]++
		return
	}
	if isUnknownOutcome(err) {
		mc.unknownOutcomes++
	}
}

func (mc *MetricsCollector) RecordDivergence(kind models.DivergenceKind) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.divergences[kind]++
}

func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	rej := make(map[models.RejectReason]int, len(mc.rejections))
	for k, v := range mc.rejections {
		rej[k] = v
	}
	div := make(map[models.DivergenceKind]int, len(mc.divergences))
	for k, v := range mc.divergences {
		div[k] = v
	}
	return MetricsResponse{
		Registration:    mc.registration.snapshot(),
		Voting:          mc.voting.snapshot(),
		Reconciliation:  mc.reconcile.snapshot(),
		Rejections:      rej,
		Divergences:     div,
		UnknownOutcomes: mc.unknownOutcomes,
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.registration = opStats{}
	mc.voting = opStats{}
	mc.reconcile = opStats{}
	mc.rejections = make(map[models.RejectReason]int)
	mc.divergences = make(map[models.DivergenceKind]int)
	mc.unknownOutcomes = 0
}
