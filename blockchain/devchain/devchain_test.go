package devchain

import (
	"context"
	"sync"
	"testing"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

func newChain(t *testing.T, cfg Config) *Chain {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func candidate(name string) blockchain.CandidateFields {
	return blockchain.CandidateFields{Name: name, Party: "Green", Position: "Member", District: "Kathmandu", AreaNo: 1}
}

func TestRegisterCandidateAssignsPreCountIDs(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, Config{})

	const n = 16
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := c.RegisterCandidate(ctx, candidate("Candidate"))
			require.NoError(t, err)
			ids <- reg.LedgerID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	count, err := c.CandidateCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, n, count)
	for i := uint64(0); i < n; i++ {
		require.True(t, seen[i])
	}
}

func TestVoteRules(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, Config{})
	accounts, err := c.Accounts(ctx)
	require.NoError(t, err)
	from := blockchain.ResolveAccount(accounts, 1)

	_, err = c.RegisterCandidate(ctx, candidate("Asha Rai"))
	require.NoError(t, err)

	_, err = c.CastVote(ctx, 1, 0, from)
	reason, ok := models.RejectReasonOf(err)
	require.True(t, ok)
	require.Equal(t, models.RejectNotRegistered, reason)

	_, err = c.RegisterVoter(ctx, 1)
	require.NoError(t, err)
	_, err = c.RegisterVoter(ctx, 1)
	require.ErrorIs(t, err, models.ErrLedgerRejected)

	_, err = c.CastVote(ctx, 1, 9, from)
	reason, _ = models.RejectReasonOf(err)
	require.Equal(t, models.RejectNotExists, reason)

	tx, err := c.CastVote(ctx, 1, 0, from)
	require.NoError(t, err)
	require.False(t, tx.IsZero())

	_, err = c.CastVote(ctx, 1, 0, from)
	reason, _ = models.RejectReasonOf(err)
	require.Equal(t, models.RejectAlreadyVoted, reason)

	voted, err := c.HasVoted(ctx, 1)
	require.NoError(t, err)
	require.True(t, voted)

	rec, err := c.GetCandidate(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.VoteCount)
	total, err := c.TotalVotes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	// direct and party votes are tracked separately
	_, err = c.RegisterParty(ctx, blockchain.PartyFields{Name: "Green", District: "Kathmandu", AreaNo: 1})
	require.NoError(t, err)
	_, err = c.CastPartyVote(ctx, 1, 0, from)
	require.NoError(t, err)
	partyVoted, err := c.HasVotedForParty(ctx, 1)
	require.NoError(t, err)
	require.True(t, partyVoted)
}

func TestOfflineIsUnavailable(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, Config{})
	c.SetOffline(true)
	_, err := c.RegisterCandidate(ctx, candidate("Asha Rai"))
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)
	_, err = c.CandidateCount(ctx)
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)

	c.SetOffline(false)
	n, err := c.CandidateCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLatencyHidesCommittedWrite(t *testing.T) {
	c := newChain(t, Config{Latency: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RegisterVoter(ctx, 7)
	require.ErrorIs(t, err, models.ErrUnknownOutcome)

	ok, err := c.IsVoterRegistered(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedeployChangesEndpointAndResetsState(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, Config{})
	before, err := c.Endpoint(ctx)
	require.NoError(t, err)
	_, err = c.RegisterCandidate(ctx, candidate("Asha Rai"))
	require.NoError(t, err)

	after, err := c.Redeploy()
	require.NoError(t, err)
	require.False(t, before.Equal(after))
	require.Equal(t, before.NetworkID, after.NetworkID)

	n, err := c.CandidateCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSnapshotReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := New(Config{Path: dir, Keep: 2})
	require.NoError(t, err)
	_, err = c.RegisterVoter(ctx, 3)
	require.NoError(t, err)
	_, err = c.RegisterParty(ctx, blockchain.PartyFields{Name: "Green", District: "Kathmandu", AreaNo: 1})
	require.NoError(t, err)
	endpoint, err := c.Endpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened := newChain(t, Config{Path: dir, Keep: 2})
	got, err := reopened.Endpoint(ctx)
	require.NoError(t, err)
	require.True(t, endpoint.Equal(got))

	ok, err := reopened.IsVoterRegistered(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	n, err := reopened.PartyCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, reopened.Blocks(), 3)
}

func TestClosedChain(t *testing.T) {
	c := newChain(t, Config{})
	require.NoError(t, c.Close())
	_, err := c.TotalVoters(context.Background())
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)
}
