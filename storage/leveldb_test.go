package storage

import (
	"context"
	"sync"
	"testing"

	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

var area1 = models.Area{District: "Kathmandu", AreaNo: 1}

func newStore(t *testing.T) *LevelStore {
	t.Helper()
	s, err := NewMemLevelStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *LevelStore) (*models.Voter, *models.Candidate, *models.Party) {
	t.Helper()
	ctx := context.Background()
	v := &models.Voter{VoterID: "NP-10001", Name: "Bina", DateOfBirth: "1990-04-01", Area: area1, FaceMatched: true}
	require.NoError(t, s.CreateVoter(ctx, v))
	c := &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Asha Rai", Party: "Green", Position: "Member", Area: area1}
	require.NoError(t, s.CreateCandidate(ctx, c))
	p := &models.Party{LedgerID: models.LedgerRef(0), Name: "Green", Area: area1}
	require.NoError(t, s.CreateParty(ctx, p))
	return v, c, p
}

func TestVoterUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v, _, _ := seed(t, s)
	require.NotZero(t, v.ID)

	err := s.CreateVoter(ctx, &models.Voter{VoterID: "NP-10001", Name: "Other", Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "voters_voter_id_key", cerr.Constraint)

	got, err := s.GetVoterByVoterID(ctx, "NP-10001")
	require.NoError(t, err)
	require.Equal(t, v.ID, got.ID)

	_, err = s.GetVoter(ctx, 999)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestVoterFaceTemplatePersists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v := &models.Voter{VoterID: "NP-10002", Name: "Hari", DateOfBirth: "1985-01-12", Area: area1, FaceTemplate: "9f2c01"}
	require.NoError(t, s.CreateVoter(ctx, v))

	got, err := s.GetVoterByVoterID(ctx, "NP-10002")
	require.NoError(t, err)
	require.Equal(t, "9f2c01", got.FaceTemplate)

	// rewrites of the row keep the template
	require.NoError(t, s.SetFaceMatched(ctx, v.ID, true))
	got, err = s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, got.FaceMatched)
	require.Equal(t, "9f2c01", got.FaceTemplate)

	list, err := s.ListVoters(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "9f2c01", list[0].FaceTemplate)
}

func TestCandidateUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s)

	err := s.CreateCandidate(ctx, &models.Candidate{Name: "Asha Rai", Party: "Blue", Position: "Member", Area: area1})
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	err = s.CreateCandidate(ctx, &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Other", Party: "Blue", Position: "Member", Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "candidates_ledger_id_key", cerr.Constraint)

	// same name in another area is a different candidate
	require.NoError(t, s.CreateCandidate(ctx, &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member",
		Area: models.Area{District: "Kathmandu", AreaNo: 2}}))

	list, err := s.ListCandidates(ctx, models.AreaFilter{AreaNo: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Nil(t, list[0].LedgerID)
}

func TestCommitVoteIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v, c, _ := seed(t, s)

	vote := &models.Vote{VoterID: v.ID, CandidateID: c.ID, Area: area1, Tx: models.TxRef{Hash: "0x01", BlockNumber: 4}}
	require.NoError(t, s.CommitVote(ctx, vote))

	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, voter.HasVoted)

	counts, err := s.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.EqualValues(t, 1, counts[0].Count)

	got, err := s.GetVoteByVoter(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, "0x01", got.Tx.Hash)

	err = s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: c.ID, Area: area1})
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	votes, err := s.ListVotes(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, votes, 1)
	counts, err = s.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[0].Count)
}

func TestCommitVoteRejectsAreaMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v, _, _ := seed(t, s)
	other := &models.Candidate{Name: "Binod KC", Party: "Blue", Position: "Member", Area: models.Area{District: "Lalitpur", AreaNo: 1}}
	require.NoError(t, s.CreateCandidate(ctx, other))

	err := s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: other.ID, Area: area1})
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)
}

func TestCommitIndirectVote(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v, _, p := seed(t, s)

	require.NoError(t, s.CommitIndirectVote(ctx, &models.IndirectVote{VoterID: v.ID, PartyID: p.ID, Area: area1}))
	err := s.CommitIndirectVote(ctx, &models.IndirectVote{VoterID: v.ID, PartyID: p.ID, Area: area1})
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	got, err := s.GetIndirectVote(ctx, v.ID, area1)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.PartyID)

	// a party vote does not mark the voter as having voted directly
	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)
}

func TestIncrementVoteCountConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := models.CountKey{Kind: models.KindParty, EntityID: 7, Area: area1}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.IncrementVoteCount(ctx, k))
		}()
	}
	wg.Wait()

	counts, err := s.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.EqualValues(t, 20, counts[0].Count)

	require.NoError(t, s.PutVoteCount(ctx, &models.VoteCount{Kind: k.Kind, EntityID: k.EntityID, Area: k.Area, Count: 3}))
	counts, err = s.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 3, counts[0].Count)
}

func TestRemapLedgerIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, c, _ := seed(t, s)
	c2 := &models.Candidate{LedgerID: models.LedgerRef(1), Name: "Binod KC", Party: "Blue", Position: "Member", Area: area1}
	require.NoError(t, s.CreateCandidate(ctx, c2))

	// swap is fine because the result stays injective
	require.NoError(t, s.RemapLedgerIDs(ctx, models.KindCandidate, map[uint64]uint64{c.ID: 1, c2.ID: 0}))
	got, err := s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, *got.LedgerID)

	err = s.RemapLedgerIDs(ctx, models.KindCandidate, map[uint64]uint64{c.ID: 0})
	require.ErrorIs(t, err, models.ErrConstraintViolation)
	got, err = s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, *got.LedgerID)
}

func TestWipeKeepsVoters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	v, c, _ := seed(t, s)
	require.NoError(t, s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: c.ID, Area: area1}))

	require.NoError(t, s.Wipe(ctx))

	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)
	cands, err := s.ListCandidates(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Empty(t, cands)
	votes, err := s.ListVotes(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Empty(t, votes)

	// ledger id 0 is free again
	require.NoError(t, s.CreateCandidate(ctx, &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Asha Rai", Party: "Green", Position: "Member", Area: area1}))
}

func TestLevelStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenLevelStore(dir)
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	s, err = OpenLevelStore(dir)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.GetVoterByVoterID(ctx, "NP-10001")
	require.NoError(t, err)
	require.Equal(t, area1, v.Area)

	// id sequences survive a reopen
	next := &models.Voter{VoterID: "NP-10002", Name: "Chandra", Area: area1}
	require.NoError(t, s.CreateVoter(ctx, next))
	require.Greater(t, next.ID, v.ID)
}
