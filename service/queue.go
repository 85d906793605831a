package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"
)

var (
	ErrQueueFull    = errors.New("registration queue is full")
	ErrQueueStopped = errors.New("registration queue stopped")
)

// RegistrationQueue runs ledger registrations one at a time, so no two
// registrations can read the same pre-insertion count.
type RegistrationQueue struct {
	jobs         chan *registrationJob
	shutdownCh   chan struct{}
	processingWg sync.WaitGroup
	metrics      *MetricsCollector
	once         sync.Once
}

// job states; a job is claimed exactly once, either by the worker or by a
// submitter giving up on shutdown
const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type registrationJob struct {
	ctx    context.Context
	kind   models.EntityKind
	run    func(context.Context) (blockchain.Registration, error)
	result chan registrationResult
	state  atomic.Int32
}

type registrationResult struct {
	reg blockchain.Registration
	err error
}

func NewRegistrationQueue(size int, metrics *MetricsCollector) *RegistrationQueue {
	if size < 1 {
		size = 64
	}
	return &RegistrationQueue{
		jobs:       make(chan *registrationJob, size),
		shutdownCh: make(chan struct{}),
		metrics:    metrics,
	}
}

// Start launches the single worker.
func (q *RegistrationQueue) Start() {
	q.processingWg.Add(1)
	go q.worker()
}

// Stop drains nothing: submitters still waiting in line receive
// ErrQueueStopped. A registration already running finishes and its
// submitter gets the real result, since the ledger may have been written.
func (q *RegistrationQueue) Stop() {
	q.once.Do(func() {
		close(q.shutdownCh)
	})
	q.processingWg.Wait()
}

// Submit enqueues run and waits for its result. It never blocks on a full
// queue.
func (q *RegistrationQueue) Submit(ctx context.Context, kind models.EntityKind, run func(context.Context) (blockchain.Registration, error)) (blockchain.Registration, error) {
	job := &registrationJob{
		ctx:    ctx,
		kind:   kind,
		run:    run,
		result: make(chan registrationResult, 1),
	}
	select {
	case <-q.shutdownCh:
		return blockchain.Registration{}, ErrQueueStopped
	default:
	}
	select {
	case q.jobs <- job:
	default:
		log.Warnf("Registration queue full, %s registration refused", kind)
		return blockchain.Registration{}, ErrQueueFull
	}
	select {
	case res := <-job.result:
		return res.reg, res.err
	case <-q.shutdownCh:
		if job.state.CompareAndSwap(jobPending, jobAbandoned) {
			return blockchain.Registration{}, ErrQueueStopped
		}
		res := <-job.result
		return res.reg, res.err
	}
}

func (q *RegistrationQueue) stopped() bool {
	select {
	case <-q.shutdownCh:
		return true
	default:
		return false
	}
}

func (q *RegistrationQueue) worker() {
	defer q.processingWg.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case job := <-q.jobs:
			if q.stopped() || !job.state.CompareAndSwap(jobPending, jobRunning) {
				continue
			}
			// the submitter gave up before its turn, so the ledger was never touched
			if err := job.ctx.Err(); err != nil {
				job.result <- registrationResult{err: blockchain.TransportError("register "+string(job.kind), err, false)}
				continue
			}
			if q.metrics != nil {
				q.metrics.RecordRegistrationStart()
			}
			start := time.Now()
			reg, err := job.run(job.ctx)
			if q.metrics != nil {
				q.metrics.RecordRegistrationEnd(time.Since(start), err)
			}
			job.result <- registrationResult{reg: reg, err: err}
		}
	}
}
