package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"ballot-ledger/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// postgresDSNEnv names a database the tests may create schemas in, e.g.
// "postgres://postgres@127.0.0.1:5432/ballot?sslmode=disable".
const postgresDSNEnv = "BALLOT_TEST_POSTGRES_DSN"

func withSearchPath(dsn, schema string) string {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&search_path=" + schema
	}
	return dsn + "?search_path=" + schema
}

// newPostgresStore opens a store in a throwaway schema that is dropped
// when the test ends.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()

	admin, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	schema := "ballot_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		admin.Exec("DROP SCHEMA " + schema + " CASCADE")
		admin.Close()
	})

	s, err := OpenPostgres(ctx, PostgresConfig{URL: withSearchPath(dsn, schema), ConnectRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPostgres(t *testing.T, s *PostgresStore) (*models.Voter, *models.Candidate, *models.Party) {
	t.Helper()
	ctx := context.Background()
	v := &models.Voter{VoterID: "NP-10001", Name: "Bina", DateOfBirth: "1990-04-01", Area: area1, FaceTemplate: "9f2c01"}
	require.NoError(t, s.CreateVoter(ctx, v))
	c := &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Asha Rai", Party: "Green", Position: "Member", Area: area1}
	require.NoError(t, s.CreateCandidate(ctx, c))
	p := &models.Party{LedgerID: models.LedgerRef(0), Name: "Green", Area: area1}
	require.NoError(t, s.CreateParty(ctx, p))
	return v, c, p
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError(sql.ErrNoRows), models.ErrNotFound)
	require.NoError(t, mapError(nil))

	err := mapError(&pq.Error{Code: "23505", Constraint: "candidates_ledger_id_key"})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "candidates_ledger_id_key", cerr.Constraint)
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	err = mapError(&pq.Error{Code: "23503", Constraint: "votes_candidate_id_fkey"})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Contains(t, err.Error(), "votes_candidate_id_fkey")

	other := errors.New("connection reset")
	require.Equal(t, other, mapError(other))
}

func TestAreaWhere(t *testing.T) {
	where, args := areaWhere(models.AreaFilter{}, nil)
	require.Empty(t, where)
	require.Empty(t, args)

	where, args = areaWhere(models.AreaFilter{District: "Kathmandu", AreaNo: 2}, []interface{}{models.KindParty})
	require.Equal(t, " WHERE district = $2 AND area_no = $3", where)
	require.Equal(t, []interface{}{models.KindParty, "Kathmandu", 2}, args)

	where, args = areaWhere(models.AreaFilter{AreaNo: 3}, nil)
	require.Equal(t, " WHERE area_no = $1", where)
	require.Equal(t, []interface{}{3}, args)
}

func TestPostgresConfigDSN(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: 5432, User: "ballot", Password: "pw", Name: "ballot", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=ballot password=pw dbname=ballot sslmode=disable", c.DSN())
	c.URL = "postgres://ballot@db/ballot"
	require.Equal(t, c.URL, c.DSN())

	require.Equal(t, "host=db search_path=s1", withSearchPath("host=db", "s1"))
	require.Equal(t, "postgres://db/b?sslmode=disable&search_path=s1", withSearchPath("postgres://db/b?sslmode=disable", "s1"))
}

func TestPostgresVoters(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	v, _, _ := seedPostgres(t, s)
	require.NotZero(t, v.ID)
	require.False(t, v.CreatedAt.IsZero())

	err := s.CreateVoter(ctx, &models.Voter{VoterID: "NP-10001", Name: "Other", DateOfBirth: "1991-02-03", Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "voters_voter_id_key", cerr.Constraint)

	err = s.CreateVoter(ctx, &models.Voter{VoterID: "NP-10002", Name: "Hari", DateOfBirth: "yesterday", Area: area1})
	require.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, s.SetFaceMatched(ctx, v.ID, true))
	got, err := s.GetVoterByVoterID(ctx, "NP-10001")
	require.NoError(t, err)
	require.Equal(t, v.ID, got.ID)
	require.Equal(t, "1990-04-01", got.DateOfBirth)
	require.Equal(t, "9f2c01", got.FaceTemplate)
	require.True(t, got.FaceMatched)

	_, err = s.GetVoter(ctx, 999)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, s.SetFaceMatched(ctx, 999, true), models.ErrNotFound)

	list, err := s.ListVoters(ctx, models.AreaFilter{District: "Lalitpur"})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPostgresCandidateConstraints(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	seedPostgres(t, s)

	err := s.CreateCandidate(ctx, &models.Candidate{Name: "Asha Rai", Party: "Blue", Position: "Member", Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "candidates_name_area_key", cerr.Constraint)

	err = s.CreateCandidate(ctx, &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Other", Party: "Blue", Position: "Member", Area: area1})
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "candidates_ledger_id_key", cerr.Constraint)

	err = s.CreateParty(ctx, &models.Party{LedgerID: models.LedgerRef(0), Name: "Blue", Area: area1})
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "parties_ledger_id_key", cerr.Constraint)

	// rows without a ledger id do not collide with each other
	area2 := models.Area{District: "Kathmandu", AreaNo: 2}
	require.NoError(t, s.CreateCandidate(ctx, &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member", Area: area2}))
	require.NoError(t, s.CreateCandidate(ctx, &models.Candidate{Name: "Binod KC", Party: "Blue", Position: "Member", Area: area2}))

	list, err := s.ListCandidates(ctx, models.AreaFilter{District: "Kathmandu", AreaNo: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Nil(t, list[0].LedgerID)
	list, err = s.ListCandidates(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)

	_, err = s.GetParty(ctx, 999)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresCommitVote(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	v, c, _ := seedPostgres(t, s)

	vote := &models.Vote{VoterID: v.ID, CandidateID: c.ID, Area: area1, Tx: models.TxRef{Hash: "0x01", BlockNumber: 4}}
	require.NoError(t, s.CommitVote(ctx, vote))
	require.NotZero(t, vote.ID)
	require.False(t, vote.CastAt.IsZero())

	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, voter.HasVoted)
	got, err := s.GetVoteByVoter(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxRef{Hash: "0x01", BlockNumber: 4}, got.Tx)

	var cerr *models.ConstraintError
	err = s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: c.ID, Area: area1, Tx: models.TxRef{Hash: "0x02"}})
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "voters_has_voted", cerr.Constraint)

	counts, err := s.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.EqualValues(t, 1, counts[0].Count)
	votes, err := s.ListVotes(ctx, models.AreaFilter{District: area1.District})
	require.NoError(t, err)
	require.Len(t, votes, 1)

	err = s.CommitVote(ctx, &models.Vote{VoterID: 999, CandidateID: c.ID, Area: area1})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresCommitVoteRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	v, _, _ := seedPostgres(t, s)
	other := &models.Candidate{Name: "Binod KC", Party: "Blue", Position: "Member", Area: models.Area{District: "Lalitpur", AreaNo: 1}}
	require.NoError(t, s.CreateCandidate(ctx, other))

	err := s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: other.ID, Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "votes_area_consistency", cerr.Constraint)

	err = s.CommitVote(ctx, &models.Vote{VoterID: v.ID, CandidateID: 999, Area: area1})
	require.ErrorIs(t, err, models.ErrNotFound)

	// neither failure left the voter flagged
	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)
	counts, err := s.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestPostgresIndirectVoteAndCounts(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	v, _, p := seedPostgres(t, s)

	require.NoError(t, s.CommitIndirectVote(ctx, &models.IndirectVote{VoterID: v.ID, PartyID: p.ID, Area: area1, Tx: models.TxRef{Hash: "0x03", BlockNumber: 5}}))
	err := s.CommitIndirectVote(ctx, &models.IndirectVote{VoterID: v.ID, PartyID: p.ID, Area: area1})
	var cerr *models.ConstraintError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "indirect_votes_voter_area_key", cerr.Constraint)

	got, err := s.GetIndirectVote(ctx, v.ID, area1)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.PartyID)
	voter, err := s.GetVoter(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, voter.HasVoted)

	// concurrent upserts on one key never lose an increment
	k := models.CountKey{Kind: models.KindParty, EntityID: p.ID, Area: area1}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.IncrementVoteCount(ctx, k))
		}()
	}
	wg.Wait()
	area2 := models.Area{District: "Kathmandu", AreaNo: 2}
	require.NoError(t, s.IncrementVoteCount(ctx, models.CountKey{Kind: models.KindParty, EntityID: p.ID, Area: area2}))

	counts, err := s.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{District: "Kathmandu", AreaNo: 1})
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.EqualValues(t, 21, counts[0].Count)
	counts, err = s.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{District: "Kathmandu"})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	counts, err = s.ListVoteCounts(ctx, models.KindCandidate, models.AreaFilter{})
	require.NoError(t, err)
	require.Empty(t, counts)

	require.NoError(t, s.PutVoteCount(ctx, &models.VoteCount{Kind: k.Kind, EntityID: k.EntityID, Area: k.Area, Count: 3}))
	counts, err = s.ListVoteCounts(ctx, models.KindParty, models.AreaFilter{AreaNo: 1})
	require.NoError(t, err)
	require.EqualValues(t, 3, counts[0].Count)
}

func TestPostgresRemapLedgerIDs(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	_, c, _ := seedPostgres(t, s)
	c2 := &models.Candidate{LedgerID: models.LedgerRef(1), Name: "Binod KC", Party: "Blue", Position: "Member", Area: area1}
	require.NoError(t, s.CreateCandidate(ctx, c2))

	require.NoError(t, s.RemapLedgerIDs(ctx, models.KindCandidate, map[uint64]uint64{c.ID: 1, c2.ID: 0}))
	got, err := s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, *got.LedgerID)
	got, err = s.GetCandidate(ctx, c2.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, *got.LedgerID)

	// a collision rolls the whole remap back
	err = s.RemapLedgerIDs(ctx, models.KindCandidate, map[uint64]uint64{c.ID: 0})
	require.ErrorIs(t, err, models.ErrConstraintViolation)
	got, err = s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, *got.LedgerID)

	err = s.RemapLedgerIDs(ctx, models.KindParty, map[uint64]uint64{999: 4})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresWipeKeepsVoters(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	v, c, _ := seedPostgres(t, s)
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

	require.NoError(t, s.CreateCandidate(ctx, &models.Candidate{LedgerID: models.LedgerRef(0), Name: "Asha Rai", Party: "Green", Position: "Member", Area: area1}))
}
