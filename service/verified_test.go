package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

func TestVerifiedVotesGivesEveryVoteAReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	asha := h.candidate(t, "Asha Rai")
	binod := h.candidate(t, "Binod KC")
	chandra := h.candidate(t, "Chandra Shah")
	for i, c := range []*models.Candidate{asha, binod, chandra} {
		v := h.voter(t, i+1)
		_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
		require.NoError(t, err)
	}

	h.ledger.breakCandidate(*binod.LedgerID)
	h.store.hideCandidate(chandra.ID)

	vv, err := h.svc.Reconciler.VerifiedVotes(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, vv.Votes, 3)
	require.EqualValues(t, 1, vv.VerifiedTotal)
	require.EqualValues(t, 2, vv.UnverifiedTotal)

	byEntity := make(map[uint64]*VoteCheck, len(vv.Votes))
	for _, vc := range vv.Votes {
		byEntity[vc.EntityID] = vc
	}
	require.True(t, byEntity[asha.ID].Verified)
	require.Empty(t, byEntity[asha.ID].Reason)
	require.Equal(t, *asha.LedgerID, *byEntity[asha.ID].LedgerID)

	require.False(t, byEntity[binod.ID].Verified)
	require.True(t, strings.HasPrefix(byEntity[binod.ID].Reason, ReasonLookupFailed), byEntity[binod.ID].Reason)

	require.False(t, byEntity[chandra.ID].Verified)
	require.Equal(t, ReasonCandidateMissing, byEntity[chandra.ID].Reason)
	require.Nil(t, byEntity[chandra.ID].LedgerID)

	// the missing candidate has no row, the unreadable one keeps its vote
	require.Len(t, vv.Unverified, 1)
	require.Equal(t, binod.ID, vv.Unverified[0].StoreID)
	require.EqualValues(t, 1, vv.Unverified[0].Votes)
}

func TestVerifiedVotesSurvivesUnreadableLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	v := h.voter(t, 1)
	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.NoError(t, err)

	h.chain.SetOffline(true)
	vv, err := h.svc.Reconciler.VerifiedVotes(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Zero(t, vv.VerifiedTotal)
	require.EqualValues(t, 1, vv.UnverifiedTotal)
	require.True(t, strings.HasPrefix(vv.Votes[0].Reason, ReasonLookupFailed), vv.Votes[0].Reason)
	require.Empty(t, h.journal(t))

	rep, err := h.svc.Reconciler.CommissionReport(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Nil(t, rep.Ledger)
	require.NotEmpty(t, rep.LedgerError)
	require.Len(t, rep.History, 1)
	require.Equal(t, "Asha Rai", rep.History[0].EntityName)
}

func TestCommissionReportHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.candidate(t, "Asha Rai")
	p := h.party(t, "Green")
	v := h.voter(t, 1)
	_, err := h.svc.Voting.CastVote(ctx, models.Ballot{VoterID: v.ID, TargetID: c.ID})
	require.NoError(t, err)
	_, err = h.svc.Voting.CastPartyVote(ctx, models.Ballot{VoterID: v.ID, TargetID: p.ID})
	require.NoError(t, err)

	stored, err := h.svc.Store().GetVoteByVoter(ctx, v.ID)
	require.NoError(t, err)

	rep, err := h.svc.Reconciler.CommissionReport(ctx, models.AreaFilter{District: testArea.District})
	require.NoError(t, err)
	require.Equal(t, 1, rep.RegisteredVoters)
	require.Equal(t, 1, rep.VotersVoted)
	require.Equal(t, 1, rep.PartyVotes)
	require.Len(t, rep.History, 2)

	var direct *ReportVote
	for _, row := range rep.History {
		require.Equal(t, "NP-00001", row.VoterID)
		require.Equal(t, "Voter 1", row.VoterName)
		require.True(t, row.Verified)
		require.NotEmpty(t, row.TxHash)
		if row.Kind == models.KindCandidate {
			direct = row
		}
	}
	require.NotNil(t, direct)
	require.Equal(t, "Asha Rai", direct.EntityName)
	require.Equal(t, "Green", direct.Affiliation)
	require.Equal(t, stored.Tx.Hash, direct.TxHash)
	require.Equal(t, stored.Tx.BlockNumber, direct.BlockNumber)
	require.NotZero(t, direct.BlockNumber)
}

func TestSnapshotReadsHaveTheirOwnTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, Config{QueueSize: 32, LedgerTimeout: 100 * time.Millisecond})
	const n = 24
	for i := 0; i < n; i++ {
		h.candidate(t, fmt.Sprintf("Candidate %02d", i))
	}

	// every read fits its own budget, all of them together do not
	h.ledger.setReadDelay(40 * time.Millisecond)

	rep, err := h.svc.Reconciler.Run(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Candidates.Verified, n)
	require.Zero(t, rep.DivergenceCount())
}
