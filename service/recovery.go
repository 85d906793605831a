package service

import (
	"context"
	"errors"
	"fmt"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"
)

// RecoveryReport describes what a resync rebuilt from the ledger and, just
// as importantly, what it could not.
type RecoveryReport struct {
	Endpoint           models.EndpointIdentity `json:"endpoint"`
	CandidatesImported []*EntityCheck          `json:"candidates_imported"`
	PartiesImported    []*EntityCheck          `json:"parties_imported"`
	UnknownArea        int                     `json:"unknown_area"`
	Conflicts          []string                `json:"conflicts"`

	LedgerVoters            uint64   `json:"ledger_voters"`
	LedgerVotes             uint64   `json:"ledger_votes"`
	StoreVotes              uint64   `json:"store_votes"`
	UnrecoverableVotes      uint64   `json:"unrecoverable_votes"`
	LedgerPartyVotes        uint64   `json:"ledger_party_votes"`
	StorePartyVotes         uint64   `json:"store_party_votes"`
	UnrecoverablePartyVotes uint64   `json:"unrecoverable_party_votes"`
	Notes                   []string `json:"notes"`
}

var recoveryNotes = []string{
	"candidates and parties are rebuilt from ledger records and flagged as recovered",
	"entities whose ledger record carries no valid district and area are assigned " + models.UnknownArea.String(),
	"individual votes cannot be rebuilt: the ledger keeps per-voter flags and per-entity counts, not vote rows",
	"voter identities, dates of birth and face templates are not held by the ledger and cannot be recovered",
}

// RemapPlan maps store ids to the ledger ids they should point at after a
// redeploy.
type RemapPlan struct {
	Candidates map[uint64]uint64 `json:"candidates"`
	Parties    map[uint64]uint64 `json:"parties"`
}

// AckResult is returned once an operator decision has been applied.
type AckResult struct {
	Marker   *models.Marker  `json:"marker"`
	Recovery *RecoveryReport `json:"recovery,omitempty"`
	Remapped int             `json:"remapped,omitempty"`
}

// Resync imports every ledger candidate and party that no store row
// claims. Existing rows are never modified.
func (e *Engine) Resync(ctx context.Context) (*RecoveryReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resync(ctx)
}

func (e *Engine) resync(ctx context.Context) (*RecoveryReport, error) {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	cur, err := e.ledger.Endpoint(tctx)
	if err != nil {
		return nil, err
	}
	snap, err := e.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	rep := &RecoveryReport{Endpoint: cur, Notes: recoveryNotes}

	all := models.AreaFilter{}
	cands, err := e.store.ListCandidates(ctx, all)
	if err != nil {
		return nil, err
	}
	claimed := make(map[uint64]bool, len(cands))
	for _, c := range cands {
		if c.HasLedgerID() {
			claimed[*c.LedgerID] = true
		}
	}
	for _, rec := range snap.candidates {
		if claimed[rec.LedgerID] {
			continue
		}
		c := &models.Candidate{
			LedgerID:  models.LedgerRef(rec.LedgerID),
			Name:      rec.Name,
			Party:     rec.Affiliation,
			Position:  rec.position,
			Area:      rec.Area(),
			PhotoURL:  rec.photoURL,
			LogoURL:   rec.logoURL,
			Recovered: true,
		}
		if err := e.store.CreateCandidate(ctx, c); err != nil {
			if errors.Is(err, models.ErrConstraintViolation) {
				rep.Conflicts = append(rep.Conflicts, fmt.Sprintf("candidate ledger id %d %q: %v", rec.LedgerID, rec.Name, err))
				continue
			}
			return rep, err
		}
		if c.Area == models.UnknownArea {
			rep.UnknownArea++
		}
		rep.CandidatesImported = append(rep.CandidatesImported, candidateChecks([]*models.Candidate{c})...)
	}

	parties, err := e.store.ListParties(ctx, all)
	if err != nil {
		return nil, err
	}
	claimed = make(map[uint64]bool, len(parties))
	for _, p := range parties {
		if p.HasLedgerID() {
			claimed[*p.LedgerID] = true
		}
	}
	for _, rec := range snap.parties {
		if claimed[rec.LedgerID] {
			continue
		}
		p := &models.Party{
			LedgerID:  models.LedgerRef(rec.LedgerID),
			Name:      rec.Name,
			LogoURL:   rec.logoURL,
			Area:      rec.Area(),
			Recovered: true,
		}
		if err := e.store.CreateParty(ctx, p); err != nil {
			if errors.Is(err, models.ErrConstraintViolation) {
				rep.Conflicts = append(rep.Conflicts, fmt.Sprintf("party ledger id %d %q: %v", rec.LedgerID, rec.Name, err))
				continue
			}
			return rep, err
		}
		if p.Area == models.UnknownArea {
			rep.UnknownArea++
		}
		rep.PartiesImported = append(rep.PartiesImported, partyChecks([]*models.Party{p})...)
	}

	if err := e.fillVoteLoss(ctx, rep); err != nil {
		return rep, err
	}
	log.Infof("Resync from %s imported %d candidates and %d parties, %d conflicts, %d votes unrecoverable",
		cur, len(rep.CandidatesImported), len(rep.PartiesImported), len(rep.Conflicts), rep.UnrecoverableVotes+rep.UnrecoverablePartyVotes)
	return rep, nil
}

func (e *Engine) fillVoteLoss(ctx context.Context, rep *RecoveryReport) error {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	var err error
	if rep.LedgerVoters, err = e.ledger.TotalVoters(tctx); err != nil {
		return err
	}
	if rep.LedgerVotes, err = e.ledger.TotalVotes(tctx); err != nil {
		return err
	}
	if rep.LedgerPartyVotes, err = e.ledger.TotalPartyVotes(tctx); err != nil {
		return err
	}
	votes, err := e.store.ListVotes(ctx, models.AreaFilter{})
	if err != nil {
		return err
	}
	indirect, err := e.store.ListIndirectVotes(ctx, models.AreaFilter{})
	if err != nil {
		return err
	}
	rep.StoreVotes = uint64(len(votes))
	rep.StorePartyVotes = uint64(len(indirect))
	if rep.LedgerVotes > rep.StoreVotes {
		rep.UnrecoverableVotes = rep.LedgerVotes - rep.StoreVotes
	}
	if rep.LedgerPartyVotes > rep.StorePartyVotes {
		rep.UnrecoverablePartyVotes = rep.LedgerPartyVotes - rep.StorePartyVotes
	}
	return nil
}

// Acknowledge applies the operator's decision for the current endpoint,
// persists the new marker and resumes registration and voting.
func (e *Engine) Acknowledge(ctx context.Context, decision models.RecoveryDecision, plan *RemapPlan) (*AckResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	cur, err := e.ledger.Endpoint(tctx)
	if err != nil {
		return nil, err
	}
	res := &AckResult{}
	switch decision {
	case models.DecisionResync:
		if res.Recovery, err = e.resync(ctx); err != nil {
			return res, err
		}
	case models.DecisionWipe:
		if err := e.store.Wipe(ctx); err != nil {
			return res, err
		}
		log.Warnf("Store wiped for ledger %s", cur)
		if res.Recovery, err = e.resync(ctx); err != nil {
			return res, err
		}
	case models.DecisionRemap:
		if plan == nil || (len(plan.Candidates) == 0 && len(plan.Parties) == 0) {
			return nil, models.NewValidationError("remap", "a remap plan is required")
		}
		if res.Remapped, err = e.remap(ctx, plan); err != nil {
			return res, err
		}
	default:
		return nil, models.NewValidationError("decision", fmt.Sprintf("unknown decision %q", decision))
	}

	res.Marker = models.NewMarker(cur, decision)
	if err := e.markers.SaveMarker(res.Marker); err != nil {
		return res, err
	}
	e.gate.Resume()
	log.Infof("Ledger endpoint %s acknowledged with %s", cur, decision)
	return res, nil
}

// remap checks every target against the ledger before touching the store.
func (e *Engine) remap(ctx context.Context, plan *RemapPlan) (int, error) {
	snap, err := e.snapshot(ctx, false)
	if err != nil {
		return 0, err
	}
	for sid, lid := range plan.Candidates {
		c, err := e.store.GetCandidate(ctx, sid)
		if err != nil {
			return 0, err
		}
		if lid >= uint64(len(snap.candidates)) {
			return 0, models.NewValidationError("remap", fmt.Sprintf("ledger candidate %d does not exist", lid))
		}
		if rec := snap.candidates[lid]; rec.Name != c.Name || rec.Affiliation != c.Party {
			return 0, models.NewValidationError("remap", fmt.Sprintf("ledger candidate %d is %q, not %q", lid, rec.Name, c.Name))
		}
	}
	for sid, lid := range plan.Parties {
		p, err := e.store.GetParty(ctx, sid)
		if err != nil {
			return 0, err
		}
		if lid >= uint64(len(snap.parties)) {
			return 0, models.NewValidationError("remap", fmt.Sprintf("ledger party %d does not exist", lid))
		}
		if rec := snap.parties[lid]; rec.Name != p.Name {
			return 0, models.NewValidationError("remap", fmt.Sprintf("ledger party %d is %q, not %q", lid, rec.Name, p.Name))
		}
	}
	if len(plan.Candidates) > 0 {
		if err := e.store.RemapLedgerIDs(ctx, models.KindCandidate, plan.Candidates); err != nil {
			return 0, err
		}
	}
	if len(plan.Parties) > 0 {
		if err := e.store.RemapLedgerIDs(ctx, models.KindParty, plan.Parties); err != nil {
			return len(plan.Candidates), err
		}
	}
	return len(plan.Candidates) + len(plan.Parties), nil
}

// MarkerCheck is the read-only comparison of marker and live endpoint.
type MarkerCheck struct {
	Stored  *models.Marker          `json:"stored"`
	Current models.EndpointIdentity `json:"current"`
	Match   bool                    `json:"match"`
	Gate    GateStatus              `json:"gate"`
}

func (e *Engine) VerifyMarker(ctx context.Context) (*MarkerCheck, error) {
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	cur, err := e.ledger.Endpoint(tctx)
	if err != nil {
		return nil, err
	}
	m, err := e.markers.LoadMarker()
	if err != nil {
		return nil, err
	}
	return &MarkerCheck{
		Stored:  m,
		Current: cur,
		Match:   m != nil && m.Endpoint.Equal(cur),
		Gate:    e.gate.Status(),
	}, nil
}

// SaveMarker stores the current endpoint. Replacing a different endpoint
// requires force; the regular path for that is Acknowledge.
func (e *Engine) SaveMarker(ctx context.Context, force bool) (*models.Marker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	cur, err := e.ledger.Endpoint(tctx)
	if err != nil {
		return nil, err
	}
	old, err := e.markers.LoadMarker()
	if err != nil {
		return nil, err
	}
	if old != nil && !old.Endpoint.Equal(cur) && !force {
		stored := old.Endpoint
		return nil, &models.EndpointMismatchError{Stored: &stored, Current: cur}
	}
	m := models.NewMarker(cur, "")
	if err := e.markers.SaveMarker(m); err != nil {
		return nil, err
	}
	e.gate.Resume()
	log.Infof("Ledger endpoint marker saved: %s", cur)
	return m, nil
}

func (e *Engine) ShowMarker() (*models.Marker, error) {
	m, err := e.markers.LoadMarker()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("endpoint marker: %w", models.ErrNotFound)
	}
	return m, nil
}

// DeleteMarker removes the marker. The next endpoint check decides again
// whether the current endpoint can be adopted.
func (e *Engine) DeleteMarker() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markers.DeleteMarker()
}
