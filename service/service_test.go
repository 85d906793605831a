package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ballot-ledger/auth"
	"ballot-ledger/biometric"
	"ballot-ledger/blockchain"
	"ballot-ledger/blockchain/devchain"
	"ballot-ledger/models"
	"ballot-ledger/storage"

	"github.com/stretchr/testify/require"
)

var (
	testArea = models.Area{District: "Kathmandu", AreaNo: 1}
	root     = &auth.Actor{Subject: "root", Role: auth.RoleSuperAdmin}
)

// faultyStore fails selected writes after the ledger has accepted them.
type faultyStore struct {
	storage.RecordStore
	mu         sync.Mutex
	failCreate bool
	failCommit bool
	hidden     map[uint64]bool
}

// hideCandidate makes a candidate row disappear as if it had been deleted.
func (f *faultyStore) hideCandidate(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hidden == nil {
		f.hidden = make(map[uint64]bool)
	}
	f.hidden[id] = true
}

func (f *faultyStore) isHidden(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hidden[id]
}

func (f *faultyStore) GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error) {
	if f.isHidden(id) {
		return nil, models.ErrNotFound
	}
	return f.RecordStore.GetCandidate(ctx, id)
}

func (f *faultyStore) ListCandidates(ctx context.Context, af models.AreaFilter) ([]*models.Candidate, error) {
	list, err := f.RecordStore.ListCandidates(ctx, af)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, c := range list {
		if !f.isHidden(c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *faultyStore) fail(create, commit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate, f.failCommit = create, commit
}

func (f *faultyStore) CreateCandidate(ctx context.Context, c *models.Candidate) error {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.RecordStore.CreateCandidate(ctx, c)
}

func (f *faultyStore) CommitVote(ctx context.Context, v *models.Vote) error {
	f.mu.Lock()
	fail := f.failCommit
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.RecordStore.CommitVote(ctx, v)
}

// flakyLedger fails or slows down selected ledger reads.
type flakyLedger struct {
	blockchain.Client
	mu        sync.Mutex
	broken    map[uint64]bool
	readDelay time.Duration
}

func (f *flakyLedger) breakCandidate(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken == nil {
		f.broken = make(map[uint64]bool)
	}
	f.broken[id] = true
}

func (f *flakyLedger) setReadDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDelay = d
}

func (f *flakyLedger) GetCandidate(ctx context.Context, id uint64) (*blockchain.CandidateRecord, error) {
	f.mu.Lock()
	broken, delay := f.broken[id], f.readDelay
	f.mu.Unlock()
	if broken {
		return nil, blockchain.TransportError("getCandidate", errors.New("connection reset"), false)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, blockchain.TransportError("getCandidate", ctx.Err(), false)
		}
	}
	return f.Client.GetCandidate(ctx, id)
}

type harness struct {
	chain  *devchain.Chain
	ledger *flakyLedger
	store  *faultyStore
	audit  *storage.AuditDB
	bio    *biometric.MockVerifier
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Config{QueueSize: 8})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	chain, err := devchain.New(devchain.Config{})
	require.NoError(t, err)
	lvl, err := storage.NewMemLevelStore()
	require.NoError(t, err)
	audit, err := storage.OpenAuditDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	h := &harness{
		chain:  chain,
		ledger: &flakyLedger{Client: chain},
		store:  &faultyStore{RecordStore: lvl},
		audit:  audit,
		bio:    biometric.NewMockVerifier(),
	}
	h.svc = New(cfg, h.ledger, h.store, h.audit, h.bio)
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		h.svc.Stop()
		audit.Close()
		lvl.Close()
		chain.Close()
	})
	return h
}

func (h *harness) candidate(t *testing.T, name string) *models.Candidate {
	t.Helper()
	c := &models.Candidate{Name: name, Party: "Green", Position: "Member", Area: testArea}
	res, err := h.svc.Registration.RegisterCandidate(context.Background(), root, c)
	require.NoError(t, err)
	require.Equal(t, models.StageComplete, res.Stage)
	return c
}

func (h *harness) party(t *testing.T, name string) *models.Party {
	t.Helper()
	p := &models.Party{Name: name, Area: testArea}
	_, err := h.svc.Registration.RegisterParty(context.Background(), root, p)
	require.NoError(t, err)
	return p
}

// voter onboards a voter and passes the biometric login, which also
// registers the voter on the ledger.
func (h *harness) voter(t *testing.T, n int) *models.Voter {
	t.Helper()
	ctx := context.Background()
	photo := []byte(fmt.Sprintf("face-%d", n))
	v, err := h.svc.Registration.RegisterVoter(ctx, models.VoterRegistration{
		VoterID:     fmt.Sprintf("NP-%05d", n),
		Name:        fmt.Sprintf("Voter %d", n),
		DateOfBirth: "1990-04-01",
		District:    testArea.District,
		AreaNo:      testArea.AreaNo,
		Photo:       photo,
	})
	require.NoError(t, err)
	res, err := h.svc.Registration.VerifyVoter(ctx, models.VoterVerification{
		VoterID:     v.VoterID,
		DateOfBirth: "1990-04-01",
		Photo:       photo,
	})
	require.NoError(t, err)
	require.True(t, res.LedgerRegistered)
	return res.Voter
}

func (h *harness) journal(t *testing.T) []*models.Divergence {
	t.Helper()
	list, err := h.audit.ListDivergences(0)
	require.NoError(t, err)
	return list
}

func countKind(list []*models.Divergence, kind models.DivergenceKind) int {
	n := 0
	for _, d := range list {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartAdoptsFreshEndpoint(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.svc.Gate.IsActive())

	m, err := h.svc.Reconciler.ShowMarker()
	require.NoError(t, err)
	cur, err := h.chain.Endpoint(context.Background())
	require.NoError(t, err)
	require.True(t, m.Endpoint.Equal(cur))
}

func TestQueueFull(t *testing.T) {
	q := NewRegistrationQueue(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, models.KindCandidate, func(context.Context) (blockchain.Registration, error) {
			return blockchain.Registration{}, nil
		})
		first <- err
	}()
	require.Eventually(t, func() bool { return len(q.jobs) == 1 }, time.Second, time.Millisecond)

	_, err := q.Submit(ctx, models.KindParty, func(context.Context) (blockchain.Registration, error) {
		return blockchain.Registration{}, nil
	})
	require.ErrorIs(t, err, ErrQueueFull)

	q.Stop()
	require.ErrorIs(t, <-first, ErrQueueStopped)

	_, err = q.Submit(ctx, models.KindParty, nil)
	require.ErrorIs(t, err, ErrQueueStopped)
}

func TestQueueSkipsCancelledJobs(t *testing.T) {
	q := NewRegistrationQueue(4, NewMetricsCollector())
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := q.Submit(ctx, models.KindCandidate, func(context.Context) (blockchain.Registration, error) {
		called = true
		return blockchain.Registration{}, nil
	})
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)
	require.False(t, called)
}

func TestQueueStopWaitsForRunningJob(t *testing.T) {
	q := NewRegistrationQueue(4, nil)
	q.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	type outcome struct {
		reg blockchain.Registration
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		reg, err := q.Submit(context.Background(), models.KindCandidate, func(context.Context) (blockchain.Registration, error) {
			close(started)
			<-release
			return blockchain.Registration{LedgerID: 4}, nil
		})
		done <- outcome{reg, err}
	}()
	<-started

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	require.Eventually(t, q.stopped, time.Second, time.Millisecond)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.EqualValues(t, 4, res.reg.LedgerID)
	<-stopped

	// nothing new is taken once stopped
	_, err := q.Submit(context.Background(), models.KindParty, nil)
	require.ErrorIs(t, err, ErrQueueStopped)
}

func TestKeyedLockSerializesPerKey(t *testing.T) {
	k := newKeyedLock()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside int
		max    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			mu.Lock()
			inside++
			if inside > max {
				max = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, max)
	require.Empty(t, k.locks)
}
