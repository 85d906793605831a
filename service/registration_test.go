package service

import (
	"context"
	"testing"
	"time"

	"ballot-ledger/auth"
	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

func TestRegisterCandidateLedgerDownWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.SetOffline(true)

	c := &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member", Area: testArea}
	res, err := h.svc.Registration.RegisterCandidate(ctx, root, c)
	require.Nil(t, res)
	require.ErrorIs(t, err, models.ErrRegistrationFailed)
	require.ErrorIs(t, err, models.ErrLedgerUnavailable)
	h.chain.SetOffline(false)

	rows, err := h.svc.Store().ListCandidates(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Empty(t, rows)
	n, err := h.chain.CandidateCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, h.svc.Metrics.GetMetrics().Registration.Failures)
}

func TestRegisterCandidateStoreFailureLeavesOneLedgerOrphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.fail(true, false)

	c := &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member", Area: testArea}
	res, err := h.svc.Registration.RegisterCandidate(ctx, root, c)
	require.ErrorIs(t, err, models.ErrDivergence)
	require.Equal(t, models.StageLedgerRegistered, res.Stage)
	require.Zero(t, res.StoreID)
	require.Equal(t, 1, countKind(h.journal(t), models.DivergenceRegistrationOrphan))
	h.store.fail(false, false)

	rep, err := h.svc.Reconciler.Run(ctx, Options{Journal: true})
	require.NoError(t, err)
	require.Equal(t, 1, rep.DivergenceCount())
	require.Equal(t, models.DivergenceLedgerOrphan, rep.Divergences[0].Kind)
	require.Len(t, rep.Candidates.LedgerOrphans, 1)
	require.Equal(t, "Asha Rai", rep.Candidates.LedgerOrphans[0].Name)
	require.Equal(t, 1, countKind(h.journal(t), models.DivergenceLedgerOrphan))
}

func TestRegisterCandidateAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member", Area: testArea}

	_, err := h.svc.Registration.RegisterCandidate(ctx, nil, c)
	require.ErrorIs(t, err, models.ErrForbidden)

	scoped := &auth.Actor{Subject: "officer", Role: auth.RoleAdmin, District: "Lalitpur", AreaNo: 1}
	_, err = h.svc.Registration.RegisterCandidate(ctx, scoped, c)
	require.ErrorIs(t, err, models.ErrForbidden)

	scoped.District = testArea.District
	res, err := h.svc.Registration.RegisterCandidate(ctx, scoped, c)
	require.NoError(t, err)
	require.Equal(t, models.StageComplete, res.Stage)
}

func TestRegisterDuplicateNeverReachesLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.candidate(t, "Asha Rai")
	h.party(t, "Green")

	_, err := h.svc.Registration.RegisterCandidate(ctx, root, &models.Candidate{Name: " Asha Rai ", Party: "Blue", Position: "Member", Area: testArea})
	require.ErrorIs(t, err, models.ErrConstraintViolation)
	_, err = h.svc.Registration.RegisterParty(ctx, root, &models.Party{Name: "Green", Area: testArea})
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	nc, err := h.chain.CandidateCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, nc)
	np, err := h.chain.PartyCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, np)
}

func TestRegisterValidationFirst(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Registration.RegisterCandidate(context.Background(), root, &models.Candidate{Name: "A", Area: testArea})
	require.ErrorIs(t, err, models.ErrValidation)
	n, err := h.chain.CandidateCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestVerifyVoter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	reg := models.VoterRegistration{
		VoterID: "NP-00007", Name: "Maya", DateOfBirth: "1979-09-09",
		District: testArea.District, AreaNo: testArea.AreaNo, Photo: []byte("face-7"),
	}
	v, err := h.svc.Registration.RegisterVoter(ctx, reg)
	require.NoError(t, err)
	require.NotEmpty(t, v.FaceTemplate)

	_, err = h.svc.Registration.RegisterVoter(ctx, reg)
	require.ErrorIs(t, err, models.ErrConstraintViolation)

	in := models.VoterVerification{VoterID: v.VoterID, DateOfBirth: "1979-09-10", Photo: []byte("face-7")}
	_, err = h.svc.Registration.VerifyVoter(ctx, in)
	require.ErrorIs(t, err, models.ErrForbidden)

	in.DateOfBirth = "1979-09-09"
	in.Photo = []byte("someone else")
	_, err = h.svc.Registration.VerifyVoter(ctx, in)
	require.ErrorIs(t, err, models.ErrBiometricMismatch)

	h.bio.SetUnavailable(true)
	in.Photo = []byte("face-7")
	_, err = h.svc.Registration.VerifyVoter(ctx, in)
	require.ErrorIs(t, err, models.ErrBiometricUnavailable)
	h.bio.SetUnavailable(false)

	res, err := h.svc.Registration.VerifyVoter(ctx, in)
	require.NoError(t, err)
	require.True(t, res.LedgerRegistered)
	require.NotNil(t, res.Tx)
	require.True(t, res.Voter.FaceMatched)

	// a second login finds the voter already on the ledger
	res, err = h.svc.Registration.VerifyVoter(ctx, in)
	require.NoError(t, err)
	require.True(t, res.LedgerRegistered)
	require.Nil(t, res.Tx)

	total, err := h.chain.TotalVoters(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	elig, err := h.svc.Registration.CanVote(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, elig.CanVote)
	require.True(t, elig.CanPartyVote)
}

func TestRegisterVoterEnrollFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bio.Reject([]byte("blurry"))
	_, err := h.svc.Registration.RegisterVoter(ctx, models.VoterRegistration{
		VoterID: "NP-00008", Name: "Hari", DateOfBirth: "1970-01-01",
		District: testArea.District, AreaNo: testArea.AreaNo, Photo: []byte("blurry"),
	})
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = h.svc.Store().GetVoterByVoterID(ctx, "NP-00008")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStopDuringRegistrationKeepsLedgerWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.SetLatency(300 * time.Millisecond)

	type outcome struct {
		res *RegistrationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		c := &models.Candidate{Name: "Asha Rai", Party: "Green", Position: "Member", Area: testArea}
		res, err := h.svc.Registration.RegisterCandidate(ctx, root, c)
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool {
		return h.svc.Metrics.GetMetrics().Registration.Count == 1
	}, time.Second, time.Millisecond)
	h.svc.Stop()

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, models.StageComplete, out.res.Stage)
	rows, err := h.svc.Store().ListCandidates(ctx, models.AreaFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Empty(t, h.journal(t))
}
