package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"

	"github.com/ethereum/go-ethereum/common"
)

// VotingCoordinator casts votes on the ledger first and then commits them
// to the store as one atomic unit.
type VotingCoordinator struct {
	*core
	locks *keyedLock
}

// CastVote records a direct vote for a candidate.
func (vc *VotingCoordinator) CastVote(ctx context.Context, b models.Ballot) (vote *models.Vote, err error) {
	vc.metrics.RecordVotingStart()
	defer func(start time.Time) {
		vc.metrics.RecordVotingEnd(time.Since(start), err)
	}(time.Now())

	if err := vc.gate.Check(); err != nil {
		return nil, err
	}
	unlock := vc.locks.Lock(b.VoterID)
	defer unlock()

	voter, err := vc.eligibleVoter(ctx, b.VoterID)
	if err != nil {
		return nil, err
	}
	if voter.HasVoted {
		return nil, models.ErrAlreadyVoted
	}
	cand, err := vc.store.GetCandidate(ctx, b.TargetID)
	if err != nil {
		return nil, err
	}
	if !cand.HasLedgerID() {
		return nil, models.ErrCandidateNotOnLedger
	}
	if cand.Area != voter.Area {
		return nil, models.NewValidationError("candidate_id", "candidate does not stand in the voter's area")
	}

	tctx, cancel := blockchain.WithTimeout(ctx, vc.timeout)
	defer cancel()
	from, err := vc.signer(tctx, voter.ID)
	if err != nil {
		return nil, err
	}
	tx, err := vc.ledger.CastVote(tctx, voter.ID, *cand.LedgerID, from)
	if err != nil {
		return nil, vc.ledgerFailure(ctx, models.KindCandidate, voter, err)
	}

	vote = &models.Vote{
		VoterID:     voter.ID,
		CandidateID: cand.ID,
		Area:        voter.Area,
		Tx:          tx,
	}
	if err := vc.store.CommitVote(context.WithoutCancel(ctx), vote); err != nil {
		return nil, vc.div.record(&models.Divergence{
			Kind:       models.DivergenceVoteNotRecorded,
			Op:         "vote",
			VoterID:    voter.ID,
			EntityKind: models.KindCandidate,
			EntityID:   cand.ID,
			LedgerID:   cand.LedgerID,
			Area:       &vote.Area,
			Tx:         tx,
			Detail:     fmt.Sprintf("vote landed on ledger but store commit failed: %v", err),
		}, err)
	}
	log.Infof("Vote %d: voter %d for candidate %d (ledger %d) in %s tx=%s",
		vote.ID, voter.ID, cand.ID, *cand.LedgerID, vote.Area, tx.Hash)
	return vote, nil
}

// CastPartyVote records the voter's single party vote for their area.
func (vc *VotingCoordinator) CastPartyVote(ctx context.Context, b models.Ballot) (vote *models.IndirectVote, err error) {
	vc.metrics.RecordVotingStart()
	defer func(start time.Time) {
		vc.metrics.RecordVotingEnd(time.Since(start), err)
	}(time.Now())

	if err := vc.gate.Check(); err != nil {
		return nil, err
	}
	unlock := vc.locks.Lock(b.VoterID)
	defer unlock()

	voter, err := vc.eligibleVoter(ctx, b.VoterID)
	if err != nil {
		return nil, err
	}
	if _, err := vc.store.GetIndirectVote(ctx, voter.ID, voter.Area); err == nil {
		return nil, models.ErrAlreadyVoted
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	party, err := vc.store.GetParty(ctx, b.TargetID)
	if err != nil {
		return nil, err
	}
	if !party.HasLedgerID() {
		return nil, models.ErrPartyNotOnLedger
	}
	if party.Area != voter.Area {
		return nil, models.NewValidationError("party_id", "party does not contest the voter's area")
	}

	tctx, cancel := blockchain.WithTimeout(ctx, vc.timeout)
	defer cancel()
	from, err := vc.signer(tctx, voter.ID)
	if err != nil {
		return nil, err
	}
	tx, err := vc.ledger.CastPartyVote(tctx, voter.ID, *party.LedgerID, from)
	if err != nil {
		return nil, vc.ledgerFailure(ctx, models.KindParty, voter, err)
	}

	vote = &models.IndirectVote{
		VoterID: voter.ID,
		PartyID: party.ID,
		Area:    voter.Area,
		Tx:      tx,
	}
	if err := vc.store.CommitIndirectVote(context.WithoutCancel(ctx), vote); err != nil {
		return nil, vc.div.record(&models.Divergence{
			Kind:       models.DivergencePartyVoteNotRecorded,
			Op:         "vote-party",
			VoterID:    voter.ID,
			EntityKind: models.KindParty,
			EntityID:   party.ID,
			LedgerID:   party.LedgerID,
			Area:       &vote.Area,
			Tx:         tx,
			Detail:     fmt.Sprintf("party vote landed on ledger but store commit failed: %v", err),
		}, err)
	}
	log.Infof("Party vote %d: voter %d for party %d (ledger %d) in %s tx=%s",
		vote.ID, voter.ID, party.ID, *party.LedgerID, vote.Area, tx.Hash)
	return vote, nil
}

func (vc *VotingCoordinator) eligibleVoter(ctx context.Context, id uint64) (*models.Voter, error) {
	voter, err := vc.store.GetVoter(ctx, id)
	if err != nil {
		return nil, err
	}
	if !voter.FaceMatched {
		return nil, models.ErrBiometricRequired
	}
	return voter, nil
}

// signer resolves the account a voter's transaction is sent from and
// refuses voters the ledger does not know.
func (vc *VotingCoordinator) signer(ctx context.Context, voterID uint64) (addr common.Address, err error) {
	registered, err := vc.ledger.IsVoterRegistered(ctx, voterID)
	if err != nil {
		return addr, err
	}
	if !registered {
		return addr, models.ErrNotRegisteredOnLedger
	}
	accounts, err := vc.ledger.Accounts(ctx)
	if err != nil {
		return addr, err
	}
	return blockchain.ResolveAccount(accounts, voterID), nil
}

// ledgerFailure translates a failed ledger vote. An already-voted rejection
// for a voter the store still considers eligible is a divergence.
func (vc *VotingCoordinator) ledgerFailure(ctx context.Context, kind models.EntityKind, voter *models.Voter, err error) error {
	vc.metrics.RecordLedgerError(err)
	if isUnknownOutcome(err) {
		log.Warnf("Vote by voter %d has unknown outcome, check vote status before retrying: %v", voter.ID, err)
		return err
	}
	reason, ok := models.RejectReasonOf(err)
	if !ok {
		return err
	}
	switch reason {
	case models.RejectNotRegistered:
		return fmt.Errorf("%w: %w", models.ErrNotRegisteredOnLedger, err)
	case models.RejectNotExists:
		if kind == models.KindParty {
			return fmt.Errorf("%w: %w", models.ErrPartyNotOnLedger, err)
		}
		return fmt.Errorf("%w: %w", models.ErrCandidateNotOnLedger, err)
	case models.RejectAlreadyVoted:
		voted, serr := vc.storeVoted(context.WithoutCancel(ctx), kind, voter.ID)
		if serr != nil || voted {
			return fmt.Errorf("%w: %w", models.ErrAlreadyVoted, err)
		}
		area := voter.Area
		div := vc.div.record(&models.Divergence{
			Kind:       models.DivergenceLedgerAhead,
			Op:         voteOp(kind),
			VoterID:    voter.ID,
			EntityKind: kind,
			Area:       &area,
			Detail:     "ledger reports a vote the store has not recorded",
		}, err)
		return fmt.Errorf("%w: %w", models.ErrAlreadyVoted, div)
	}
	return err
}

func (vc *VotingCoordinator) storeVoted(ctx context.Context, kind models.EntityKind, voterID uint64) (bool, error) {
	voter, err := vc.store.GetVoter(ctx, voterID)
	if err != nil {
		return false, err
	}
	if kind == models.KindCandidate {
		return voter.HasVoted, nil
	}
	_, err = vc.store.GetIndirectVote(ctx, voterID, voter.Area)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrNotFound):
		return false, nil
	}
	return false, err
}

func voteOp(kind models.EntityKind) string {
	if kind == models.KindParty {
		return "vote-party"
	}
	return "vote"
}

// VoteState compares what the ledger and the store know about one vote.
type VoteState string

const (
	StateConsistent  VoteState = "consistent"
	StateLedgerAhead VoteState = "ledger-ahead"
	StateStoreAhead  VoteState = "store-ahead"
)

type KindStatus struct {
	Ledger bool          `json:"ledger"`
	Store  bool          `json:"store"`
	State  VoteState     `json:"state"`
	Tx     *models.TxRef `json:"tx,omitempty"`
}

// VoteStatus is the idempotent read callers use after an unknown outcome.
type VoteStatus struct {
	VoterID uint64     `json:"voter_id"`
	Direct  KindStatus `json:"direct"`
	Party   KindStatus `json:"party"`
}

func compareState(ledger, store bool) VoteState {
	switch {
	case ledger && !store:
		return StateLedgerAhead
	case store && !ledger:
		return StateStoreAhead
	}
	return StateConsistent
}

func (vc *VotingCoordinator) VoteStatus(ctx context.Context, voterID uint64) (*VoteStatus, error) {
	voter, err := vc.store.GetVoter(ctx, voterID)
	if err != nil {
		return nil, err
	}
	st := &VoteStatus{VoterID: voter.ID}

	tctx, cancel := blockchain.WithTimeout(ctx, vc.timeout)
	defer cancel()
	if st.Direct.Ledger, err = vc.ledger.HasVoted(tctx, voter.ID); err != nil {
		return nil, err
	}
	if st.Party.Ledger, err = vc.ledger.HasVotedForParty(tctx, voter.ID); err != nil {
		return nil, err
	}

	st.Direct.Store = voter.HasVoted
	if v, err := vc.store.GetVoteByVoter(ctx, voter.ID); err == nil {
		st.Direct.Tx = &v.Tx
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if iv, err := vc.store.GetIndirectVote(ctx, voter.ID, voter.Area); err == nil {
		st.Party.Store = true
		st.Party.Tx = &iv.Tx
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	st.Direct.State = compareState(st.Direct.Ledger, st.Direct.Store)
	st.Party.State = compareState(st.Party.Ledger, st.Party.Store)
	return st, nil
}
