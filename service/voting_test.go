package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

func TestVoteAgainstLedgerIDThree(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var cands []*models.Candidate
	for _, name := range []string{"Asha Rai", "Binod KC", "Chandra Shah", "Deepa Joshi"} {
		cands = append(cands, h.candidate(t, name))
	}
	c1 := cands[3]
	require.EqualValues(t, 3, *c1.LedgerID)
	v1 := h.voter(t, 1)

	vote, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v1.ID, TargetID: c1.ID})
	require.NoError(t, err)
	require.False(t, vote.Tx.IsZero())

	rec, err := h.chain.GetCandidate(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.VoteCount)

	counts, err := h.svc.Store().ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, c1.ID, counts[0].EntityID)
	require.EqualValues(t, 1, counts[0].Count)

	// second vote for another candidate
	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v1.ID, TargetID: cands[0].ID})
	require.ErrorIs(t, err, models.ErrAlreadyVoted)
	rec, err = h.chain.GetCandidate(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, rec.VoteCount)

	st, err := h.svc.Voting.VoteStatus(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, StateConsistent, st.Direct.State)
	require.Equal(t, vote.Tx, *st.Direct.Tx)
}

func TestParallelVotesOneWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)

	const n = 12
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, already := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, models.ErrAlreadyVoted)
			already++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, already)

	total, err := h.chain.TotalVotes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	votes, err := h.svc.Store().ListVotes(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Empty(t, h.journal(t))
}

func TestVoteRequiresBiometricAndLedgerRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")

	v, err := h.svc.Registration.RegisterVoter(ctx, models.VoterRegistration{
		VoterID: "NP-00042", Name: "Kiran", DateOfBirth: "1985-01-01",
		District: testArea.District, AreaNo: testArea.AreaNo, Photo: []byte("face-42"),
	})
	require.NoError(t, err)

	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrBiometricRequired)

	// face matched in the store but never registered on the ledger
	require.NoError(t, h.svc.Store().SetFaceMatched(ctx, v.ID, true))
	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrNotRegisteredOnLedger)

	total, err := h.chain.TotalVotes(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestVoteRejectsOtherAreaAndUnregisteredCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	v := h.voter(t, 1)

	elsewhere := &models.Candidate{Name: "Far Away", Party: "Blue", Position: "Member", Area: models.Area{District: "Lalitpur", AreaNo: 3}}
	_, err := h.svc.Registration.RegisterCandidate(ctx, root, elsewhere)
	require.NoError(t, err)
	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: elsewhere.ID})
	require.ErrorIs(t, err, models.ErrValidation)

	local := &models.Candidate{Name: "No Ledger", Party: "Blue", Position: "Member", Area: testArea}
	require.NoError(t, h.svc.Store().CreateCandidate(ctx, local))
	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: local.ID})
	require.ErrorIs(t, err, models.ErrCandidateNotOnLedger)
}

func TestStoreFailureAfterVoteIsJournaled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)

	h.store.fail(false, true)
	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrDivergence)
	var derr *models.DivergenceError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, models.DivergenceVoteNotRecorded, derr.Record.Kind)
	require.False(t, derr.Record.Tx.IsZero())

	// the ledger vote stands and the failed commit is not retried
	voted, err := h.chain.HasVoted(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, voted)
	journal := h.journal(t)
	require.Len(t, journal, 1)
	require.Equal(t, derr.Record.ID, journal[0].ID)

	// a retry hits the ledger's already-voted rule and is reported as
	// ledger ahead of the store
	h.store.fail(false, false)
	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrAlreadyVoted)
	require.ErrorIs(t, err, models.ErrDivergence)
	require.Equal(t, 1, countKind(h.journal(t), models.DivergenceLedgerAhead))

	st, err := h.svc.Voting.VoteStatus(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, StateLedgerAhead, st.Direct.State)
}

func TestUnknownOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, Config{QueueSize: 8, LedgerTimeout: 50 * time.Millisecond})
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)

	h.chain.SetLatency(300 * time.Millisecond)
	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrUnknownOutcome)
	require.NotErrorIs(t, err, models.ErrDivergence)
	h.chain.SetLatency(0)

	// the write landed, the store never saw it, nothing was journaled
	st, err := h.svc.Voting.VoteStatus(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, st.Direct.Ledger)
	require.False(t, st.Direct.Store)
	require.Equal(t, StateLedgerAhead, st.Direct.State)
	require.Empty(t, h.journal(t))
	require.Equal(t, 1, h.svc.Metrics.GetMetrics().UnknownOutcomes)
}

func TestPartyVote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	p := h.party(t, "Green")
	v := h.voter(t, 1)

	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.NoError(t, err)
	pv, err := h.svc.Voting.CastPartyVote(ctx, models.Ballot{VoterID: v.ID, TargetID: p.ID})
	require.NoError(t, err)
	require.Equal(t, p.ID, pv.PartyID)

	_, err = h.svc.Voting.CastPartyVote(ctx, models.Ballot{VoterID: v.ID, TargetID: p.ID})
	require.ErrorIs(t, err, models.ErrAlreadyVoted)

	elig, err := h.svc.Registration.CanVote(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, elig.CanVote)
	require.False(t, elig.CanPartyVote)
	require.Equal(t, models.ErrAlreadyVoted.Error(), elig.Reason)
}

func TestLedgerUnavailableLeavesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)

	h.chain.SetOffline(true)
	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)
	h.chain.SetOffline(false)

	voter, err := h.svc.Store().GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)
	require.Empty(t, h.journal(t))
}

func TestVotingHaltedOnEndpointChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)

	_, err := h.chain.Redeploy()
	require.NoError(t, err)
	_, err = h.svc.Reconciler.CheckEndpoint(ctx)
	require.ErrorIs(t, err, models.ErrEndpointMismatch)

	_, err = h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.ErrorIs(t, err, models.ErrEndpointMismatch)
	voted, err := h.chain.HasVoted(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voted)

	// repeated checks journal the mismatch once
	_, err = h.svc.Reconciler.CheckEndpoint(ctx)
	require.ErrorIs(t, err, models.ErrEndpointMismatch)
	require.Equal(t, 1, countKind(h.journal(t), models.DivergenceEndpoint))
}
