package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"ballot-ledger/auth"
	"ballot-ledger/models"
	"ballot-ledger/service"

	"github.com/gorilla/mux"
)

type registerVoterRequest struct {
	VoterID     string `json:"voter_id"`
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	District    string `json:"district"`
	AreaNo      int    `json:"area_no"`
	Photo       []byte `json:"photo"`
}

type verifyVoterRequest struct {
	VoterID     string `json:"voter_id"`
	DateOfBirth string `json:"date_of_birth"`
	Photo       []byte `json:"photo"`
}

type candidateRequest struct {
	Name     string `json:"name"`
	Party    string `json:"party"`
	Position string `json:"position"`
	District string `json:"district"`
	AreaNo   int    `json:"area_no"`
	PhotoURL string `json:"photo_url"`
	LogoURL  string `json:"logo_url"`
}

type partyRequest struct {
	Name     string `json:"name"`
	LogoURL  string `json:"logo_url"`
	District string `json:"district"`
	AreaNo   int    `json:"area_no"`
}

type voteRequest struct {
	VoterID     uint64 `json:"voter_id"`
	CandidateID uint64 `json:"candidate_id"`
}

type partyVoteRequest struct {
	VoterID uint64 `json:"voter_id"`
	PartyID uint64 `json:"party_id"`
}

type reconcileRequest struct {
	RepairCounts bool `json:"repair_counts"`
	CheckVoters  bool `json:"check_voters"`
}

type ackRequest struct {
	Decision string             `json:"decision"`
	Remap    *service.RemapPlan `json:"remap,omitempty"`
}

// voterView is a voter as returned to clients. The face template never
// leaves the server.
type voterView struct {
	ID          uint64      `json:"id"`
	VoterID     string      `json:"voter_id"`
	Name        string      `json:"name"`
	DateOfBirth string      `json:"date_of_birth"`
	Area        models.Area `json:"area"`
	FaceMatched bool        `json:"face_matched"`
	HasVoted    bool        `json:"has_voted"`
	CreatedAt   time.Time   `json:"created_at"`
}

func newVoterView(v *models.Voter) *voterView {
	if v == nil {
		return nil
	}
	return &voterView{
		ID:          v.ID,
		VoterID:     v.VoterID,
		Name:        v.Name,
		DateOfBirth: v.DateOfBirth,
		Area:        v.Area,
		FaceMatched: v.FaceMatched,
		HasVoted:    v.HasVoted,
		CreatedAt:   v.CreatedAt,
	}
}

type verificationView struct {
	Voter            *voterView    `json:"voter"`
	LedgerRegistered bool          `json:"ledger_registered"`
	Tx               *models.TxRef `json:"tx,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error(), requestID(r.Context()))
		return false
	}
	return true
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, models.NewValidationError("id", "must be a number")
	}
	return id, nil
}

func areaFilter(r *http.Request) (models.AreaFilter, error) {
	q := r.URL.Query()
	f := models.AreaFilter{District: q.Get("district")}
	if s := q.Get("area_no"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, models.NewValidationError("area_no", "must be a positive number")
		}
		f.AreaNo = n
	}
	return f, nil
}

func (s *Server) handleRegisterVoter(w http.ResponseWriter, r *http.Request) {
	var req registerVoterRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.svc.Registration.RegisterVoter(r.Context(), models.VoterRegistration{
		VoterID:     req.VoterID,
		Name:        req.Name,
		DateOfBirth: req.DateOfBirth,
		District:    req.District,
		AreaNo:      req.AreaNo,
		Photo:       req.Photo,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, newVoterView(v))
}

func (s *Server) handleVerifyVoter(w http.ResponseWriter, r *http.Request) {
	var req verifyVoterRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Registration.VerifyVoter(r.Context(), models.VoterVerification{
		VoterID:     req.VoterID,
		DateOfBirth: req.DateOfBirth,
		Photo:       req.Photo,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, verificationView{
		Voter:            newVoterView(res.Voter),
		LedgerRegistered: res.LedgerRegistered,
		Tx:               res.Tx,
	})
}

func (s *Server) handleCanVote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	e, err := s.svc.Registration.CanVote(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, e)
}

func (s *Server) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	st, err := s.svc.Voting.VoteStatus(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, st)
}

func (s *Server) handleRegisterCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	res, err := s.svc.Registration.RegisterCandidate(r.Context(), actor, &models.Candidate{
		Name:     req.Name,
		Party:    req.Party,
		Position: req.Position,
		Area:     models.Area{District: req.District, AreaNo: req.AreaNo},
		PhotoURL: req.PhotoURL,
		LogoURL:  req.LogoURL,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, res)
}

func (s *Server) handleRegisterParty(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	res, err := s.svc.Registration.RegisterParty(r.Context(), actor, &models.Party{
		Name:    req.Name,
		LogoURL: req.LogoURL,
		Area:    models.Area{District: req.District, AreaNo: req.AreaNo},
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, res)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	f, err := areaFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	list, err := s.svc.Store().ListCandidates(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, list)
}

func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request) {
	f, err := areaFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	list, err := s.svc.Store().ListParties(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, list)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.svc.Voting.CastVote(r.Context(), models.Ballot{VoterID: req.VoterID, TargetID: req.CandidateID})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, v)
}

func (s *Server) handleCastPartyVote(w http.ResponseWriter, r *http.Request) {
	var req partyVoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.svc.Voting.CastPartyVote(r.Context(), models.Ballot{VoterID: req.VoterID, TargetID: req.PartyID})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, v)
}

func (s *Server) handleVerifiedVotes(w http.ResponseWriter, r *http.Request) {
	f, err := areaFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.svc.Reconciler.VerifiedVotes(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleResultsByArea(w http.ResponseWriter, r *http.Request) {
	f, err := areaFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.svc.Reconciler.ResultsByArea(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleLedgerResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reconciler.LedgerResults(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleCommissionReport(w http.ResponseWriter, r *http.Request) {
	f, err := areaFilter(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	if !actor.IsSuperAdmin() {
		// scoped admins only see their own area
		if err := actor.Authorize(models.Area{District: f.District, AreaNo: f.AreaNo}); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	res, err := s.svc.Reconciler.CommissionReport(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	rep, err := s.svc.Reconciler.Run(r.Context(), service.Options{
		RepairCounts: req.RepairCounts,
		CheckVoters:  req.CheckVoters,
		Journal:      true,
	})
	if err != nil {
		if rep != nil && rep.EndpointMismatch != nil {
			WriteSuccess(w, http.StatusConflict, rep)
			return
		}
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, rep)
}

func (s *Server) handleDivergences(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, r, models.NewValidationError("limit", "must be a non-negative number"))
			return
		}
		limit = n
	}
	list, err := s.svc.Reconciler.Divergences(limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, list)
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Reconciler.VerifyMarker(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decode(w, r, &req) {
		return
	}
	decision, err := models.ParseRecoveryDecision(req.Decision)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.svc.Reconciler.Acknowledge(r.Context(), decision, req.Remap)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, s.svc.Metrics.GetMetrics())
}

type healthResponse struct {
	Status string             `json:"status"`
	Gate   service.GateStatus `json:"gate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Gate.Status()
	resp := healthResponse{Status: "ok", Gate: st}
	code := http.StatusOK
	if st.State != service.GateActive {
		resp.Status = "halted"
		code = http.StatusServiceUnavailable
	}
	WriteSuccess(w, code, resp)
}
