package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"
)

// TallyRow is the vote total of one entity within a filter.
type TallyRow struct {
	Kind        models.EntityKind `json:"kind"`
	StoreID     uint64            `json:"store_id"`
	LedgerID    *uint64           `json:"ledger_id"`
	Name        string            `json:"name"`
	Affiliation string            `json:"affiliation,omitempty"`
	Area        models.Area       `json:"area"`
	Votes       uint64            `json:"votes"`
	LedgerVotes uint64            `json:"ledger_votes"`
	Reason      string            `json:"reason,omitempty"`
}

// Reasons a vote or entity is reported as unverified. Identity mismatches
// carry a free-form reason naming the differing field.
const (
	ReasonNoLedgerID       = "no ledger id"
	ReasonLookupFailed     = "ledger lookup failed"
	ReasonEndpointChanged  = "ledger endpoint changed"
	ReasonCandidateMissing = "candidate missing"
	ReasonPartyMissing     = "party missing"
)

// VoteCheck is the verification outcome of one stored vote.
type VoteCheck struct {
	Kind     models.EntityKind `json:"kind"`
	VoteID   uint64            `json:"vote_id"`
	VoterID  uint64            `json:"voter_id"`
	EntityID uint64            `json:"entity_id"`
	LedgerID *uint64           `json:"ledger_id,omitempty"`
	Area     models.Area       `json:"area"`
	Tx       models.TxRef      `json:"tx"`
	CastAt   time.Time         `json:"cast_at"`
	Verified bool              `json:"verified"`
	Reason   string            `json:"reason,omitempty"`
}

// VerifiedVotes keeps votes for verified and unverified entities apart.
type VerifiedVotes struct {
	Filter          models.AreaFilter `json:"filter"`
	Verified        []*TallyRow       `json:"verified"`
	Unverified      []*TallyRow       `json:"unverified"`
	VerifiedTotal   uint64            `json:"verified_total"`
	UnverifiedTotal uint64            `json:"unverified_total"`
	Votes           []*VoteCheck      `json:"votes"`
}

// entityIndex holds the checked store entities by kind and store id.
type entityIndex map[models.EntityKind]map[uint64]*EntityCheck

func (x entityIndex) get(kind models.EntityKind, id uint64) *EntityCheck {
	return x[kind][id]
}

// VerifiedVotes classifies every stored vote within f by whether its
// candidate or party verifies against the ledger. Ledger read failures and
// a halted gate make votes unverified instead of failing the query.
func (e *Engine) VerifiedVotes(ctx context.Context, f models.AreaFilter) (*VerifiedVotes, error) {
	out, _, err := e.verifiedVotes(ctx, f)
	return out, err
}

func (e *Engine) verifiedVotes(ctx context.Context, f models.AreaFilter) (*VerifiedVotes, entityIndex, error) {
	cands, err := e.store.ListCandidates(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	parties, err := e.store.ListParties(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	votes, err := e.store.ListVotes(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	indirect, err := e.store.ListIndirectVotes(ctx, f)
	if err != nil {
		return nil, nil, err
	}

	index := entityIndex{models.KindCandidate: {}, models.KindParty: {}}
	for _, c := range candidateChecks(cands) {
		index[c.Kind][c.StoreID] = c
	}
	for _, c := range partyChecks(parties) {
		index[c.Kind][c.StoreID] = c
	}
	// a vote may still reference an entity registered outside f
	for _, v := range votes {
		if err := e.indexCandidate(ctx, index, v.CandidateID); err != nil {
			return nil, nil, err
		}
	}
	for _, v := range indirect {
		if err := e.indexParty(ctx, index, v.PartyID); err != nil {
			return nil, nil, err
		}
	}
	rows := map[models.EntityKind][]*EntityCheck{}
	for kind, m := range index {
		for _, c := range m {
			rows[kind] = append(rows[kind], c)
		}
	}

	if e.gate.IsActive() {
		snap, err := e.snapshot(ctx, true)
		if err != nil {
			return nil, nil, err
		}
		for kind, list := range rows {
			snap.verify(kind, list)
		}
	} else {
		for _, list := range rows {
			for _, c := range list {
				c.Reason = ReasonEndpointChanged
			}
		}
	}

	out := &VerifiedVotes{Filter: f}
	perEntity := make(map[models.EntityKind]map[uint64]uint64, 2)
	classify := func(vc *VoteCheck) {
		if perEntity[vc.Kind] == nil {
			perEntity[vc.Kind] = make(map[uint64]uint64)
		}
		perEntity[vc.Kind][vc.EntityID]++
		switch c := index.get(vc.Kind, vc.EntityID); {
		case c == nil && vc.Kind == models.KindParty:
			vc.Reason = ReasonPartyMissing
		case c == nil:
			vc.Reason = ReasonCandidateMissing
		default:
			vc.LedgerID = c.LedgerID
			vc.Reason = c.Reason
		}
		vc.Verified = vc.Reason == ""
		if vc.Verified {
			out.VerifiedTotal++
		} else {
			out.UnverifiedTotal++
		}
		out.Votes = append(out.Votes, vc)
	}
	for _, v := range votes {
		classify(&VoteCheck{
			Kind:     models.KindCandidate,
			VoteID:   v.ID,
			VoterID:  v.VoterID,
			EntityID: v.CandidateID,
			Area:     v.Area,
			Tx:       v.Tx,
			CastAt:   v.CastAt,
		})
	}
	for _, v := range indirect {
		classify(&VoteCheck{
			Kind:     models.KindParty,
			VoteID:   v.ID,
			VoterID:  v.VoterID,
			EntityID: v.PartyID,
			Area:     v.Area,
			Tx:       v.Tx,
			CastAt:   v.CastAt,
		})
	}

	for kind, list := range rows {
		for _, c := range list {
			row := tallyRow(c, perEntity[kind][c.StoreID])
			if c.Reason == "" {
				out.Verified = append(out.Verified, row)
			} else {
				out.Unverified = append(out.Unverified, row)
			}
		}
	}
	sortTally(out.Verified)
	sortTally(out.Unverified)
	sort.Slice(out.Votes, func(i, j int) bool {
		a, b := out.Votes[i], out.Votes[j]
		if !a.CastAt.Equal(b.CastAt) {
			return a.CastAt.Before(b.CastAt)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.VoteID < b.VoteID
	})
	return out, index, nil
}

func (e *Engine) indexCandidate(ctx context.Context, index entityIndex, id uint64) error {
	if index.get(models.KindCandidate, id) != nil {
		return nil
	}
	c, err := e.store.GetCandidate(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	index[models.KindCandidate][id] = candidateChecks([]*models.Candidate{c})[0]
	return nil
}

func (e *Engine) indexParty(ctx context.Context, index entityIndex, id uint64) error {
	if index.get(models.KindParty, id) != nil {
		return nil
	}
	p, err := e.store.GetParty(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	index[models.KindParty][id] = partyChecks([]*models.Party{p})[0]
	return nil
}

func tallyRow(c *EntityCheck, votes uint64) *TallyRow {
	return &TallyRow{
		Kind:        c.Kind,
		StoreID:     c.StoreID,
		LedgerID:    c.LedgerID,
		Name:        c.Name,
		Affiliation: c.Affiliation,
		Area:        c.Area,
		Votes:       votes,
		LedgerVotes: c.LedgerVotes,
		Reason:      c.Reason,
	}
}

func sortTally(rows []*TallyRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		if rows[i].Votes != rows[j].Votes {
			return rows[i].Votes > rows[j].Votes
		}
		return rows[i].StoreID < rows[j].StoreID
	})
}

// AreaResult is one row of the fast-path results from the stored
// aggregates.
type AreaResult struct {
	Kind        models.EntityKind `json:"kind"`
	EntityID    uint64            `json:"entity_id"`
	Name        string            `json:"name"`
	Affiliation string            `json:"affiliation,omitempty"`
	Area        models.Area       `json:"area"`
	Count       uint64            `json:"count"`
	LastUpdated time.Time         `json:"last_updated"`
}

// ResultsByArea reads the VoteCount aggregates. Nothing is checked against
// the ledger here.
func (e *Engine) ResultsByArea(ctx context.Context, f models.AreaFilter) ([]*AreaResult, error) {
	cands, err := e.store.ListCandidates(ctx, f)
	if err != nil {
		return nil, err
	}
	parties, err := e.store.ListParties(ctx, f)
	if err != nil {
		return nil, err
	}
	names := map[models.EntityKind]map[uint64][2]string{
		models.KindCandidate: {},
		models.KindParty:     {},
	}
	for _, c := range cands {
		names[models.KindCandidate][c.ID] = [2]string{c.Name, c.Party}
	}
	for _, p := range parties {
		names[models.KindParty][p.ID] = [2]string{p.Name, ""}
	}

	var out []*AreaResult
	for _, kind := range []models.EntityKind{models.KindCandidate, models.KindParty} {
		counts, err := e.store.ListVoteCounts(ctx, kind, f)
		if err != nil {
			return nil, err
		}
		for _, c := range counts {
			n := names[kind][c.EntityID]
			out = append(out, &AreaResult{
				Kind:        kind,
				EntityID:    c.EntityID,
				Name:        n[0],
				Affiliation: n[1],
				Area:        c.Area,
				Count:       c.Count,
				LastUpdated: c.LastUpdated,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Area != b.Area {
			return a.Area.String() < b.Area.String()
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Count > b.Count
	})
	return out, nil
}

// LedgerResults is the ledger's own view of the election.
type LedgerResults struct {
	Endpoint        models.EndpointIdentity `json:"endpoint"`
	Candidates      []*LedgerEntity         `json:"candidates"`
	Parties         []*LedgerEntity         `json:"parties"`
	TotalVoters     uint64                  `json:"total_voters"`
	TotalVotes      uint64                  `json:"total_votes"`
	TotalPartyVotes uint64                  `json:"total_party_votes"`
}

func (e *Engine) LedgerResults(ctx context.Context) (*LedgerResults, error) {
	snap, err := e.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	tctx, cancel := blockchain.WithTimeout(ctx, e.timeout)
	defer cancel()
	res := &LedgerResults{Candidates: snap.candidates, Parties: snap.parties}
	if res.Endpoint, err = e.ledger.Endpoint(tctx); err != nil {
		return nil, err
	}
	if res.TotalVoters, err = e.ledger.TotalVoters(tctx); err != nil {
		return nil, err
	}
	if res.TotalVotes, err = e.ledger.TotalVotes(tctx); err != nil {
		return nil, err
	}
	if res.TotalPartyVotes, err = e.ledger.TotalPartyVotes(tctx); err != nil {
		return nil, err
	}
	return res, nil
}

// ReportVote is one raw vote joined with its voter and its candidate or
// party.
type ReportVote struct {
	Kind        models.EntityKind `json:"kind"`
	VoteID      uint64            `json:"vote_id"`
	VoterID     string            `json:"voter_id"`
	VoterName   string            `json:"voter_name"`
	EntityID    uint64            `json:"entity_id"`
	EntityName  string            `json:"entity_name"`
	Affiliation string            `json:"affiliation,omitempty"`
	Area        models.Area       `json:"area"`
	TxHash      string            `json:"tx_hash"`
	BlockNumber uint64            `json:"block_number"`
	CastAt      time.Time         `json:"cast_at"`
	Verified    bool              `json:"verified"`
	Reason      string            `json:"reason,omitempty"`
}

// CommissionReport is the election summary for a district or area.
type CommissionReport struct {
	GeneratedAt       time.Time         `json:"generated_at"`
	Filter            models.AreaFilter `json:"filter"`
	RegisteredVoters  int               `json:"registered_voters"`
	VotersVoted       int               `json:"voters_voted"`
	Turnout           float64           `json:"turnout"`
	PartyVotes        int               `json:"party_votes"`
	Votes             *VerifiedVotes    `json:"votes"`
	History           []*ReportVote     `json:"history"`
	Ledger            *LedgerResults    `json:"ledger,omitempty"`
	LedgerError       string            `json:"ledger_error,omitempty"`
	JournaledProblems int               `json:"journaled_divergences"`
}

func (e *Engine) CommissionReport(ctx context.Context, f models.AreaFilter) (*CommissionReport, error) {
	votes, index, err := e.verifiedVotes(ctx, f)
	if err != nil {
		return nil, err
	}
	voters, err := e.store.ListVoters(ctx, f)
	if err != nil {
		return nil, err
	}
	rep := &CommissionReport{
		GeneratedAt:      time.Now().UTC(),
		Filter:           f,
		RegisteredVoters: len(voters),
		Votes:            votes,
	}
	// the store side of the report stands on its own
	if rep.Ledger, err = e.LedgerResults(ctx); err != nil {
		log.Warnf("Commission report without ledger results: %v", err)
		rep.LedgerError = err.Error()
	}
	byID := make(map[uint64]*models.Voter, len(voters))
	for _, v := range voters {
		byID[v.ID] = v
		if v.HasVoted {
			rep.VotersVoted++
		}
	}
	if rep.RegisteredVoters > 0 {
		rep.Turnout = float64(rep.VotersVoted) / float64(rep.RegisteredVoters)
	}
	for _, vc := range votes.Votes {
		if vc.Kind == models.KindParty {
			rep.PartyVotes++
		}
		row := &ReportVote{
			Kind:        vc.Kind,
			VoteID:      vc.VoteID,
			EntityID:    vc.EntityID,
			Area:        vc.Area,
			TxHash:      vc.Tx.Hash,
			BlockNumber: vc.Tx.BlockNumber,
			CastAt:      vc.CastAt,
			Verified:    vc.Verified,
			Reason:      vc.Reason,
		}
		if v := byID[vc.VoterID]; v != nil {
			row.VoterID, row.VoterName = v.VoterID, v.Name
		}
		if c := index.get(vc.Kind, vc.EntityID); c != nil {
			row.EntityName, row.Affiliation = c.Name, c.Affiliation
		}
		rep.History = append(rep.History, row)
	}
	if list, err := e.Divergences(0); err == nil {
		rep.JournaledProblems = len(list)
	}
	return rep, nil
}
