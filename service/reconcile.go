package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ledger reads issued in parallel during a run
const auditParallelism = 8

// Engine cross-checks the store against the ledger. It never writes to the
// ledger and only repairs derived data.
type Engine struct {
	*core
	markers MarkerStore
	journal Journal
	mu      sync.Mutex
}

// Options selects what a reconciliation run does beyond detection.
type Options struct {
	// RepairCounts overwrites stale VoteCount rows with recomputed values.
	RepairCounts bool
	// CheckVoters compares every voter's voted flags with the ledger.
	CheckVoters bool
	// Journal persists every finding to the divergence journal.
	Journal bool
}

// EntityCheck is the verification outcome of one store candidate or party.
type EntityCheck struct {
	Kind        models.EntityKind `json:"kind"`
	StoreID     uint64            `json:"store_id"`
	LedgerID    *uint64           `json:"ledger_id"`
	Name        string            `json:"name"`
	Affiliation string            `json:"affiliation,omitempty"`
	Area        models.Area       `json:"area"`
	LedgerVotes uint64            `json:"ledger_votes"`
	Reason      string            `json:"reason,omitempty"`
}

// LedgerEntity is a ledger candidate or party as reported.
type LedgerEntity struct {
	Kind        models.EntityKind `json:"kind"`
	LedgerID    uint64            `json:"ledger_id"`
	Name        string            `json:"name"`
	Affiliation string            `json:"affiliation,omitempty"`
	District    string            `json:"district"`
	AreaNo      int               `json:"area_no"`
	VoteCount   uint64            `json:"vote_count"`

	position string
	photoURL string
	logoURL  string
}

func (l LedgerEntity) Area() models.Area {
	a := models.Area{District: l.District, AreaNo: l.AreaNo}
	if a.Validate() != nil {
		return models.UnknownArea
	}
	return a
}

// EntityAudit groups the verification results of one entity kind.
type EntityAudit struct {
	LedgerCount   uint64          `json:"ledger_count"`
	Verified      []*EntityCheck  `json:"verified"`
	Unverified    []*EntityCheck  `json:"unverified"`
	LedgerOrphans []*LedgerEntity `json:"ledger_orphans"`
	StoreOrphans  []*EntityCheck  `json:"store_orphans"`
}

func (a *EntityAudit) verifiedByStoreID() map[uint64]*EntityCheck {
	m := make(map[uint64]*EntityCheck, len(a.Verified))
	for _, c := range a.Verified {
		m[c.StoreID] = c
	}
	return m
}

type CountMismatch struct {
	Key        models.CountKey `json:"key"`
	Stored     uint64          `json:"stored"`
	Recomputed uint64          `json:"recomputed"`
}

// TotalsMismatch compares ledger and store vote totals, either globally
// (StoreID zero and Scope "total") or per verified entity.
type TotalsMismatch struct {
	Scope    string            `json:"scope"`
	Kind     models.EntityKind `json:"kind"`
	StoreID  uint64            `json:"store_id,omitempty"`
	LedgerID *uint64           `json:"ledger_id,omitempty"`
	Ledger   uint64            `json:"ledger"`
	Store    uint64            `json:"store"`
}

type VoterMismatch struct {
	VoterID uint64            `json:"voter_id"`
	Kind    models.EntityKind `json:"kind"`
	State   VoteState         `json:"state"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	ID               string                   `json:"id"`
	StartedAt        time.Time                `json:"started_at"`
	FinishedAt       time.Time                `json:"finished_at"`
	Endpoint         models.EndpointIdentity  `json:"endpoint"`
	EndpointMismatch *GateStatus              `json:"endpoint_mismatch,omitempty"`
	Candidates       EntityAudit              `json:"candidates"`
	Parties          EntityAudit              `json:"parties"`
	CountMismatches  []*CountMismatch         `json:"count_mismatches"`
	CountsRepaired   int                      `json:"counts_repaired"`
	TotalsMismatches []*TotalsMismatch        `json:"totals_mismatches"`
	VoterMismatches  []*VoterMismatch         `json:"voter_mismatches"`
	VotersChecked    int                      `json:"voters_checked"`
	Divergences      []*models.Divergence     `json:"divergences"`
}

func (r *Report) DivergenceCount() int {
	return len(r.Divergences)
}

func (r *Report) add(d *models.Divergence) {
	r.Divergences = append(r.Divergences, stamp(d))
}

// CheckEndpoint compares the live ledger endpoint with the persisted
// marker and opens or halts the gate accordingly. Without a marker the
// current endpoint is adopted only while the store holds nothing that
// references ledger ids.
func (e *Engine) CheckEndpoint(ctx context.Context) (models.EndpointIdentity, error) {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	cur, err := e.ledger.Endpoint(tctx)
	if err != nil {
		return cur, err
	}
	m, err := e.markers.LoadMarker()
	if err != nil {
		return cur, err
	}
	if m == nil {
		used, err := e.referencesLedger(ctx)
		if err != nil {
			return cur, err
		}
		if used {
			return cur, e.halt(&models.EndpointMismatchError{Current: cur})
		}
		if err := e.markers.SaveMarker(models.NewMarker(cur, "")); err != nil {
			return cur, err
		}
		log.Infof("Ledger endpoint %s adopted", cur)
		e.gate.Resume()
		return cur, nil
	}
	if !m.Endpoint.Equal(cur) {
		stored := m.Endpoint
		return cur, e.halt(&models.EndpointMismatchError{Stored: &stored, Current: cur})
	}
	if !e.gate.IsActive() {
		log.Infof("Ledger endpoint %s matches marker again, resuming", cur)
	}
	e.gate.Resume()
	return cur, nil
}

// halt journals the mismatch only on the transition into the halted state.
func (e *Engine) halt(m *models.EndpointMismatchError) error {
	if e.gate.Halt(m) {
		e.div.persist(stamp(&models.Divergence{
			Kind:   models.DivergenceEndpoint,
			Op:     "endpoint-check",
			Detail: m.Error(),
		}))
		log.Errorf("Registration and voting halted: %v", m)
	}
	return m
}

func (e *Engine) referencesLedger(ctx context.Context) (bool, error) {
	all := models.AreaFilter{}
	cands, err := e.store.ListCandidates(ctx, all)
	if err != nil {
		return false, err
	}
	for _, c := range cands {
		if c.HasLedgerID() {
			return true, nil
		}
	}
	parties, err := e.store.ListParties(ctx, all)
	if err != nil {
		return false, err
	}
	for _, p := range parties {
		if p.HasLedgerID() {
			return true, nil
		}
	}
	votes, err := e.store.ListVotes(ctx, all)
	if err != nil {
		return false, err
	}
	return len(votes) > 0, nil
}

// ledgerSnapshot holds every ledger candidate and party, indexed by id.
// A partial snapshot keeps going past failed reads: the failed ids stay nil
// and their errors are kept in failed.
type ledgerSnapshot struct {
	candidates []*LedgerEntity
	parties    []*LedgerEntity
	failed     map[models.EntityKind]map[uint64]error
	// unreadable is set when a partial snapshot could not read the counts.
	unreadable error
}

func (s *ledgerSnapshot) entities(kind models.EntityKind) []*LedgerEntity {
	if kind == models.KindParty {
		return s.parties
	}
	return s.candidates
}

// snapshot reads the whole ledger. Every read gets its own timeout, so the
// total duration grows with the ledger size. Unless partial is set the
// first failed read aborts the snapshot.
func (e *Engine) snapshot(ctx context.Context, partial bool) (*ledgerSnapshot, error) {
	snap := &ledgerSnapshot{failed: map[models.EntityKind]map[uint64]error{
		models.KindCandidate: {},
		models.KindParty:     {},
	}}
	nc, np, err := e.ledgerCounts(ctx)
	if err != nil {
		if partial {
			log.Warnf("Ledger counts unreadable, every ledger id is unverifiable: %v", err)
			snap.unreadable = err
			return snap, nil
		}
		return nil, err
	}
	snap.candidates = make([]*LedgerEntity, nc)
	snap.parties = make([]*LedgerEntity, np)

	var mu sync.Mutex
	fail := func(kind models.EntityKind, id uint64, err error) error {
		if !partial {
			return err
		}
		log.Warnf("Ledger %s %d unreadable: %v", kind, id, err)
		mu.Lock()
		snap.failed[kind][id] = err
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditParallelism)
	for i := uint64(0); i < nc; i++ {
		id := i
		g.Go(func() error {
			tctx, cancel := blockchain.WithTimeout(gctx, e.timeout)
			defer cancel()
			rec, err := e.ledger.GetCandidate(tctx, id)
			if err != nil {
				return fail(models.KindCandidate, id, err)
			}
			snap.candidates[id] = &LedgerEntity{
				Kind:        models.KindCandidate,
				LedgerID:    id,
				Name:        rec.Name,
				Affiliation: rec.Party,
				District:    rec.District,
				AreaNo:      rec.AreaNo,
				VoteCount:   rec.VoteCount,
				position:    rec.Position,
				photoURL:    rec.PhotoURL,
				logoURL:     rec.LogoURL,
			}
			return nil
		})
	}
	for i := uint64(0); i < np; i++ {
		id := i
		g.Go(func() error {
			tctx, cancel := blockchain.WithTimeout(gctx, e.timeout)
			defer cancel()
			rec, err := e.ledger.GetParty(tctx, id)
			if err != nil {
				return fail(models.KindParty, id, err)
			}
			snap.parties[id] = &LedgerEntity{
				Kind:      models.KindParty,
				LedgerID:  id,
				Name:      rec.Name,
				District:  rec.District,
				AreaNo:    rec.AreaNo,
				VoteCount: rec.VoteCount,
				logoURL:   rec.LogoURL,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) ledgerCounts(ctx context.Context) (uint64, uint64, error) {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	nc, err := e.ledger.CandidateCount(tctx)
	if err != nil {
		return 0, 0, err
	}
	np, err := e.ledger.PartyCount(tctx)
	if err != nil {
		return 0, 0, err
	}
	return nc, np, nil
}

func candidateChecks(list []*models.Candidate) []*EntityCheck {
	out := make([]*EntityCheck, 0, len(list))
	for _, c := range list {
		out = append(out, &EntityCheck{
			Kind:        models.KindCandidate,
			StoreID:     c.ID,
			LedgerID:    c.LedgerID,
			Name:        c.Name,
			Affiliation: c.Party,
			Area:        c.Area,
		})
	}
	return out
}

func partyChecks(list []*models.Party) []*EntityCheck {
	out := make([]*EntityCheck, 0, len(list))
	for _, p := range list {
		out = append(out, &EntityCheck{
			Kind:     models.KindParty,
			StoreID:  p.ID,
			LedgerID: p.LedgerID,
			Name:     p.Name,
			Area:     p.Area,
		})
	}
	return out
}

// verify splits store rows of one kind into verified and unverified and
// finds the orphans on both sides. An entity is verified only when its
// ledger id resolves to a ledger record with the same name and
// affiliation. A failed ledger read leaves the row unverified but never
// makes it an orphan.
func (s *ledgerSnapshot) verify(kind models.EntityKind, rows []*EntityCheck) EntityAudit {
	ledger := s.entities(kind)
	audit := EntityAudit{LedgerCount: uint64(len(ledger))}
	claimed := make(map[uint64]bool, len(rows))
	for _, row := range rows {
		switch {
		case row.LedgerID == nil:
			row.Reason = ReasonNoLedgerID
			audit.Unverified = append(audit.Unverified, row)
			audit.StoreOrphans = append(audit.StoreOrphans, row)
			continue
		case s.unreadable != nil:
			row.Reason = fmt.Sprintf("%s: %v", ReasonLookupFailed, s.unreadable)
			audit.Unverified = append(audit.Unverified, row)
			continue
		case *row.LedgerID >= uint64(len(ledger)):
			row.Reason = fmt.Sprintf("ledger id %d does not exist on the ledger", *row.LedgerID)
			audit.Unverified = append(audit.Unverified, row)
			audit.StoreOrphans = append(audit.StoreOrphans, row)
			continue
		}
		rec := ledger[*row.LedgerID]
		claimed[*row.LedgerID] = true
		if rec == nil {
			row.Reason = fmt.Sprintf("%s: %v", ReasonLookupFailed, s.failed[kind][*row.LedgerID])
			audit.Unverified = append(audit.Unverified, row)
			continue
		}
		row.LedgerVotes = rec.VoteCount
		switch {
		case rec.Name != row.Name:
			row.Reason = fmt.Sprintf("ledger name %q differs", rec.Name)
			audit.Unverified = append(audit.Unverified, row)
		case rec.Affiliation != row.Affiliation:
			row.Reason = fmt.Sprintf("ledger affiliation %q differs", rec.Affiliation)
			audit.Unverified = append(audit.Unverified, row)
		default:
			audit.Verified = append(audit.Verified, row)
		}
	}
	for _, rec := range ledger {
		if rec != nil && !claimed[rec.LedgerID] {
			audit.LedgerOrphans = append(audit.LedgerOrphans, rec)
		}
	}
	return audit
}

// RecomputeCounts derives every VoteCount from raw vote rows. It is a pure
// function of its input.
func RecomputeCounts(votes []*models.Vote, indirect []*models.IndirectVote) map[models.CountKey]uint64 {
	out := make(map[models.CountKey]uint64)
	for _, v := range votes {
		out[models.CountKey{Kind: models.KindCandidate, EntityID: v.CandidateID, Area: v.Area}]++
	}
	for _, v := range indirect {
		out[models.CountKey{Kind: models.KindParty, EntityID: v.PartyID, Area: v.Area}]++
	}
	return out
}

func compareCounts(stored []*models.VoteCount, recomputed map[models.CountKey]uint64) []*CountMismatch {
	var out []*CountMismatch
	seen := make(map[models.CountKey]bool, len(stored))
	for _, c := range stored {
		k := c.Key()
		seen[k] = true
		if want := recomputed[k]; want != c.Count {
			out = append(out, &CountMismatch{Key: k, Stored: c.Count, Recomputed: want})
		}
	}
	for k, n := range recomputed {
		if !seen[k] {
			out = append(out, &CountMismatch{Key: k, Stored: 0, Recomputed: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Area.String() < b.Area.String()
	})
	return out
}

// RepairCounts overwrites every stale aggregate with its recomputed value.
func (e *Engine) RepairCounts(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mismatches, err := e.countMismatches(ctx)
	if err != nil {
		return 0, err
	}
	return e.repair(ctx, mismatches)
}

func (e *Engine) countMismatches(ctx context.Context) ([]*CountMismatch, error) {
	all := models.AreaFilter{}
	votes, err := e.store.ListVotes(ctx, all)
	if err != nil {
		return nil, err
	}
	indirect, err := e.store.ListIndirectVotes(ctx, all)
	if err != nil {
		return nil, err
	}
	stored, err := e.storedCounts(ctx)
	if err != nil {
		return nil, err
	}
	return compareCounts(stored, RecomputeCounts(votes, indirect)), nil
}

func (e *Engine) storedCounts(ctx context.Context) ([]*models.VoteCount, error) {
	cc, err := e.store.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	if err != nil {
		return nil, err
	}
	pc, err := e.store.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{})
	if err != nil {
		return nil, err
	}
	return append(cc, pc...), nil
}

func (e *Engine) repair(ctx context.Context, mismatches []*CountMismatch) (int, error) {
	now := time.Now().UTC()
	for i, m := range mismatches {
		err := e.store.PutVoteCount(ctx, &models.VoteCount{
			Kind:        m.Key.Kind,
			EntityID:    m.Key.EntityID,
			Area:        m.Key.Area,
			Count:       m.Recomputed,
			LastUpdated: now,
		})
		if err != nil {
			return i, fmt.Errorf("repair count %s/%d/%s: %w", m.Key.Kind, m.Key.EntityID, m.Key.Area, err)
		}
		log.Infof("Repaired %s %d count in %s: %d -> %d", m.Key.Kind, m.Key.EntityID, m.Key.Area, m.Stored, m.Recomputed)
	}
	return len(mismatches), nil
}

// Run performs a full reconciliation. While the endpoint differs from the
// acknowledged one nothing is verified and ErrEndpointMismatch is returned
// alongside the report.
func (e *Engine) Run(ctx context.Context, opts Options) (rep *Report, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.RecordReconcileStart()
	rep = &Report{ID: uuid.New().String(), StartedAt: time.Now().UTC()}
	defer func(start time.Time) {
		rep.FinishedAt = time.Now().UTC()
		e.metrics.RecordReconcileEnd(time.Since(start), err)
		if opts.Journal {
			for _, d := range rep.Divergences {
				e.div.persist(d)
			}
		} else {
			for _, d := range rep.Divergences {
				e.metrics.RecordDivergence(d.Kind)
			}
		}
	}(time.Now())

	if rep.Endpoint, err = e.CheckEndpoint(ctx); err != nil {
		if errors.Is(err, models.ErrEndpointMismatch) {
			st := e.gate.Status()
			rep.EndpointMismatch = &st
		}
		return rep, err
	}

	snap, err := e.snapshot(ctx, false)
	if err != nil {
		return rep, err
	}
	all := models.AreaFilter{}
	cands, err := e.store.ListCandidates(ctx, all)
	if err != nil {
		return rep, err
	}
	parties, err := e.store.ListParties(ctx, all)
	if err != nil {
		return rep, err
	}
	rep.Candidates = snap.verify(models.KindCandidate, candidateChecks(cands))
	rep.Parties = snap.verify(models.KindParty, partyChecks(parties))
	for _, a := range []*EntityAudit{&rep.Candidates, &rep.Parties} {
		for _, row := range a.Unverified {
			kind := models.DivergenceIdentityMismatch
			if row.LedgerID == nil || *row.LedgerID >= a.LedgerCount {
				kind = models.DivergenceStoreOrphan
			}
			area := row.Area
			rep.add(&models.Divergence{
				Kind:       kind,
				Op:         "reconcile",
				EntityKind: row.Kind,
				EntityID:   row.StoreID,
				LedgerID:   row.LedgerID,
				Area:       &area,
				Detail:     row.Reason,
			})
		}
		for _, rec := range a.LedgerOrphans {
			area := rec.Area()
			rep.add(&models.Divergence{
				Kind:       models.DivergenceLedgerOrphan,
				Op:         "reconcile",
				EntityKind: rec.Kind,
				LedgerID:   models.LedgerRef(rec.LedgerID),
				Area:       &area,
				Detail:     fmt.Sprintf("ledger %s %q has no store record", rec.Kind, rec.Name),
			})
		}
	}

	votes, err := e.store.ListVotes(ctx, all)
	if err != nil {
		return rep, err
	}
	indirect, err := e.store.ListIndirectVotes(ctx, all)
	if err != nil {
		return rep, err
	}
	recomputed := RecomputeCounts(votes, indirect)
	stored, err := e.storedCounts(ctx)
	if err != nil {
		return rep, err
	}
	rep.CountMismatches = compareCounts(stored, recomputed)
	for _, m := range rep.CountMismatches {
		area := m.Key.Area
		rep.add(&models.Divergence{
			Kind:       models.DivergenceCountMismatch,
			Op:         "reconcile",
			EntityKind: m.Key.Kind,
			EntityID:   m.Key.EntityID,
			Area:       &area,
			Detail:     fmt.Sprintf("stored count %d, recomputed %d", m.Stored, m.Recomputed),
		})
	}
	if opts.RepairCounts && len(rep.CountMismatches) > 0 {
		if rep.CountsRepaired, err = e.repair(ctx, rep.CountMismatches); err != nil {
			return rep, err
		}
	}

	if err := e.checkTotals(ctx, rep, recomputed, uint64(len(votes)), uint64(len(indirect))); err != nil {
		return rep, err
	}
	if opts.CheckVoters {
		if err := e.checkVoters(ctx, rep, votes, indirect); err != nil {
			return rep, err
		}
	}

	log.Infof("Reconciliation %s: %d/%d candidates and %d/%d parties verified, %d divergences",
		rep.ID, len(rep.Candidates.Verified), len(cands), len(rep.Parties.Verified), len(parties), rep.DivergenceCount())
	return rep, nil
}

// checkTotals compares ledger vote totals with the raw store rows. A
// ledger total above the store total is the signature of a vote that
// landed on the ledger without its store commit.
func (e *Engine) checkTotals(ctx context.Context, rep *Report, recomputed map[models.CountKey]uint64, storeVotes, storePartyVotes uint64) error {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	lv, err := e.ledger.TotalVotes(tctx)
	if err != nil {
		return err
	}
	lp, err := e.ledger.TotalPartyVotes(tctx)
	if err != nil {
		return err
	}
	mismatch := func(m *TotalsMismatch) {
		rep.TotalsMismatches = append(rep.TotalsMismatches, m)
		rep.add(&models.Divergence{
			Kind:       models.DivergenceTotalsMismatch,
			Op:         "reconcile",
			EntityKind: m.Kind,
			EntityID:   m.StoreID,
			LedgerID:   m.LedgerID,
			Detail:     fmt.Sprintf("%s votes: ledger %d, store %d", m.Scope, m.Ledger, m.Store),
		})
	}
	if lv != storeVotes {
		mismatch(&TotalsMismatch{Scope: "total", Kind: models.KindCandidate, Ledger: lv, Store: storeVotes})
	}
	if lp != storePartyVotes {
		mismatch(&TotalsMismatch{Scope: "total", Kind: models.KindParty, Ledger: lp, Store: storePartyVotes})
	}

	perEntity := make(map[models.EntityKind]map[uint64]uint64, 2)
	for k, n := range recomputed {
		if perEntity[k.Kind] == nil {
			perEntity[k.Kind] = make(map[uint64]uint64)
		}
		perEntity[k.Kind][k.EntityID] += n
	}
	for _, a := range []*EntityAudit{&rep.Candidates, &rep.Parties} {
		for _, row := range a.Verified {
			if got := perEntity[row.Kind][row.StoreID]; got != row.LedgerVotes {
				mismatch(&TotalsMismatch{
					Scope:    "entity",
					Kind:     row.Kind,
					StoreID:  row.StoreID,
					LedgerID: row.LedgerID,
					Ledger:   row.LedgerVotes,
					Store:    got,
				})
			}
		}
	}
	return nil
}

// checkVoters compares each voter's flags with the ledger.
func (e *Engine) checkVoters(ctx context.Context, rep *Report, votes []*models.Vote, indirect []*models.IndirectVote) error {
	voters, err := e.store.ListVoters(ctx, models.AreaFilter{})
	if err != nil {
		return err
	}
	direct := make(map[uint64]bool, len(votes))
	for _, v := range votes {
		direct[v.VoterID] = true
	}
	party := make(map[uint64]bool, len(indirect))
	for _, v := range indirect {
		party[v.VoterID] = true
	}

	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(auditParallelism)
	for _, v := range voters {
		voter := v
		g.Go(func() error {
			ld, err := e.ledger.HasVoted(gctx, voter.ID)
			if err != nil {
				return err
			}
			lp, err := e.ledger.HasVotedForParty(gctx, voter.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if s := compareState(ld, voter.HasVoted || direct[voter.ID]); s != StateConsistent {
				rep.VoterMismatches = append(rep.VoterMismatches, &VoterMismatch{VoterID: voter.ID, Kind: models.KindCandidate, State: s})
			}
			if s := compareState(lp, party[voter.ID]); s != StateConsistent {
				rep.VoterMismatches = append(rep.VoterMismatches, &VoterMismatch{VoterID: voter.ID, Kind: models.KindParty, State: s})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	rep.VotersChecked = len(voters)
	sort.Slice(rep.VoterMismatches, func(i, j int) bool {
		a, b := rep.VoterMismatches[i], rep.VoterMismatches[j]
		if a.VoterID != b.VoterID {
			return a.VoterID < b.VoterID
		}
		return a.Kind < b.Kind
	})
	for _, m := range rep.VoterMismatches {
		kind := models.DivergenceLedgerAhead
		if m.State == StateStoreAhead {
			kind = models.DivergenceStoreAhead
		}
		rep.add(&models.Divergence{
			Kind:       kind,
			Op:         "reconcile",
			VoterID:    m.VoterID,
			EntityKind: m.Kind,
			Detail:     fmt.Sprintf("voter %d %s vote is %s", m.VoterID, m.Kind, m.State),
		})
	}
	return nil
}

// Divergences lists journaled divergences, newest first.
func (e *Engine) Divergences(limit int) ([]*models.Divergence, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.ListDivergences(limit)
}

// StartAudit runs CheckEndpoint and Run every interval until stop closes.
func (e *Engine) StartAudit(interval time.Duration, opts Options, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				rep, err := e.Run(ctx, opts)
				cancel()
				switch {
				case errors.Is(err, models.ErrEndpointMismatch):
					log.Warnf("Periodic audit skipped: %v", err)
				case err != nil:
					log.Errorf("Periodic audit failed: %v", err)
				case rep.DivergenceCount() > 0:
					log.Warnf("Periodic audit %s found %d divergences", rep.ID, rep.DivergenceCount())
				default:
					log.Debugf("Periodic audit %s clean", rep.ID)
				}
			}
		}
	}()
}
