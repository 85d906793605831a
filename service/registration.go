package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ballot-ledger/auth"
	"ballot-ledger/biometric"
	"ballot-ledger/blockchain"
	"ballot-ledger/models"
)

// RegistrationResult reports how far a candidate or party registration got.
type RegistrationResult struct {
	Kind     models.EntityKind        `json:"kind"`
	StoreID  uint64                   `json:"store_id"`
	LedgerID uint64                   `json:"ledger_id"`
	Tx       models.TxRef             `json:"tx"`
	Stage    models.RegistrationStage `json:"stage"`
}

// VerificationResult is returned after a successful biometric login.
type VerificationResult struct {
	Voter            *models.Voter `json:"voter"`
	LedgerRegistered bool          `json:"ledger_registered"`
	Tx               *models.TxRef `json:"tx,omitempty"`
}

// Eligibility summarizes whether a voter may vote right now.
type Eligibility struct {
	VoterID          uint64      `json:"voter_id"`
	Area             models.Area `json:"area"`
	FaceMatched      bool        `json:"face_matched"`
	HasVoted         bool        `json:"has_voted"`
	HasPartyVote     bool        `json:"has_party_vote"`
	LedgerRegistered bool        `json:"ledger_registered"`
	CanVote          bool        `json:"can_vote"`
	CanPartyVote     bool        `json:"can_party_vote"`
	Reason           string      `json:"reason,omitempty"`
}

// RegistrationCoordinator onboards voters, candidates and parties. The
// ledger is always written before the store.
type RegistrationCoordinator struct {
	*core
	queue    *RegistrationQueue
	verifier biometric.Verifier
}

func (r *RegistrationCoordinator) RegisterCandidate(ctx context.Context, actor *auth.Actor, c *models.Candidate) (*RegistrationResult, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Party = strings.TrimSpace(c.Party)
	c.Position = strings.TrimSpace(c.Position)
	c.Area.District = strings.TrimSpace(c.Area.District)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := authorize(actor, c.Area); err != nil {
		return nil, err
	}
	if err := r.gate.Check(); err != nil {
		return nil, err
	}
	if err := r.uniqueName(ctx, models.KindCandidate, c.Name, c.Area); err != nil {
		return nil, err
	}

	fields := blockchain.CandidateFields{
		Name:     c.Name,
		Party:    c.Party,
		Position: c.Position,
		District: c.Area.District,
		AreaNo:   c.Area.AreaNo,
		PhotoURL: c.PhotoURL,
		LogoURL:  c.LogoURL,
	}
	reg, err := r.registerOnLedger(ctx, models.KindCandidate, c.Name, func(ctx context.Context) (blockchain.Registration, error) {
		return r.ledger.RegisterCandidate(ctx, fields)
	})
	if err != nil {
		return nil, err
	}

	res := &RegistrationResult{Kind: models.KindCandidate, LedgerID: reg.LedgerID, Tx: reg.Tx, Stage: models.StageLedgerRegistered}
	c.LedgerID = models.LedgerRef(reg.LedgerID)
	// the ledger entity exists now, a cancelled caller must not prevent its store row
	if err := r.store.CreateCandidate(context.WithoutCancel(ctx), c); err != nil {
		return res, r.div.record(&models.Divergence{
			Kind:       models.DivergenceRegistrationOrphan,
			Op:         "register-candidate",
			EntityKind: models.KindCandidate,
			LedgerID:   c.LedgerID,
			Area:       &c.Area,
			Tx:         reg.Tx,
			Detail:     fmt.Sprintf("candidate %q registered on ledger but store write failed: %v", c.Name, err),
		}, err)
	}
	res.StoreID = c.ID
	res.Stage = models.StageComplete
	log.Infof("Candidate %q registered: store=%d ledger=%d tx=%s", c.Name, c.ID, reg.LedgerID, reg.Tx.Hash)
	return res, nil
}

func (r *RegistrationCoordinator) RegisterParty(ctx context.Context, actor *auth.Actor, p *models.Party) (*RegistrationResult, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Area.District = strings.TrimSpace(p.Area.District)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := authorize(actor, p.Area); err != nil {
		return nil, err
	}
	if err := r.gate.Check(); err != nil {
		return nil, err
	}
	if err := r.uniqueName(ctx, models.KindParty, p.Name, p.Area); err != nil {
		return nil, err
	}

	fields := blockchain.PartyFields{
		Name:     p.Name,
		LogoURL:  p.LogoURL,
		District: p.Area.District,
		AreaNo:   p.Area.AreaNo,
	}
	reg, err := r.registerOnLedger(ctx, models.KindParty, p.Name, func(ctx context.Context) (blockchain.Registration, error) {
		return r.ledger.RegisterParty(ctx, fields)
	})
	if err != nil {
		return nil, err
	}

	res := &RegistrationResult{Kind: models.KindParty, LedgerID: reg.LedgerID, Tx: reg.Tx, Stage: models.StageLedgerRegistered}
	p.LedgerID = models.LedgerRef(reg.LedgerID)
	if err := r.store.CreateParty(context.WithoutCancel(ctx), p); err != nil {
		return res, r.div.record(&models.Divergence{
			Kind:       models.DivergenceRegistrationOrphan,
			Op:         "register-party",
			EntityKind: models.KindParty,
			LedgerID:   p.LedgerID,
			Area:       &p.Area,
			Tx:         reg.Tx,
			Detail:     fmt.Sprintf("party %q registered on ledger but store write failed: %v", p.Name, err),
		}, err)
	}
	res.StoreID = p.ID
	res.Stage = models.StageComplete
	log.Infof("Party %q registered: store=%d ledger=%d tx=%s", p.Name, p.ID, reg.LedgerID, reg.Tx.Hash)
	return res, nil
}

func authorize(actor *auth.Actor, area models.Area) error {
	if actor == nil {
		return fmt.Errorf("%w: no authenticated actor", models.ErrForbidden)
	}
	return actor.Authorize(area)
}

// uniqueName refuses an obvious duplicate before the ledger is written,
// which would otherwise leave a ledger entity without a store row.
func (r *RegistrationCoordinator) uniqueName(ctx context.Context, kind models.EntityKind, name string, area models.Area) error {
	filter := models.AreaFilter{District: area.District, AreaNo: area.AreaNo}
	switch kind {
	case models.KindCandidate:
		list, err := r.store.ListCandidates(ctx, filter)
		if err != nil {
			return err
		}
		for _, c := range list {
			if c.Name == name && c.Area == area {
				return &models.ConstraintError{Constraint: "candidates_name_area_key"}
			}
		}
	case models.KindParty:
		list, err := r.store.ListParties(ctx, filter)
		if err != nil {
			return err
		}
		for _, p := range list {
			if p.Name == name && p.Area == area {
				return &models.ConstraintError{Constraint: "parties_name_area_key"}
			}
		}
	}
	return nil
}

func (r *RegistrationCoordinator) registerOnLedger(ctx context.Context, kind models.EntityKind, name string, run func(context.Context) (blockchain.Registration, error)) (blockchain.Registration, error) {
	reg, err := r.queue.Submit(ctx, kind, func(ctx context.Context) (blockchain.Registration, error) {
		tctx, cancel := blockchain.WithTimeout(ctx, r.timeout)
		defer cancel()
		return run(tctx)
	})
	if err != nil {
		r.metrics.RecordLedgerError(err)
		if isUnknownOutcome(err) {
			log.Warnf("%s %q registration outcome unknown, reconcile before retrying: %v", kind, name, err)
		} else {
			log.Errorf("%s %q ledger registration failed: %v", kind, name, err)
		}
		return reg, &models.RegistrationError{Kind: kind, Name: name, Err: err}
	}
	return reg, nil
}

// RegisterVoter enrolls the voter's face and creates the store row. The
// ledger side happens at the first successful verification.
func (r *RegistrationCoordinator) RegisterVoter(ctx context.Context, in models.VoterRegistration) (*models.Voter, error) {
	in.VoterID = strings.TrimSpace(in.VoterID)
	in.Name = strings.TrimSpace(in.Name)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := r.gate.Check(); err != nil {
		return nil, err
	}
	if _, err := r.store.GetVoterByVoterID(ctx, in.VoterID); err == nil {
		return nil, &models.ConstraintError{Constraint: "voters_voter_id_key"}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	tmpl, err := r.verifier.Enroll(ctx, in.Photo)
	if err != nil {
		return nil, err
	}
	v := &models.Voter{
		VoterID:      in.VoterID,
		Name:         in.Name,
		DateOfBirth:  in.DateOfBirth,
		Area:         in.Area(),
		FaceTemplate: tmpl,
	}
	if err := r.store.CreateVoter(ctx, v); err != nil {
		return nil, err
	}
	log.Infof("Voter %s onboarded as %d in %s", v.VoterID, v.ID, v.Area)
	return v, nil
}

// VerifyVoter runs the biometric check and makes sure the voter is known to
// the ledger before any vote is attempted.
func (r *RegistrationCoordinator) VerifyVoter(ctx context.Context, in models.VoterVerification) (*VerificationResult, error) {
	in.VoterID = strings.TrimSpace(in.VoterID)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	v, err := r.store.GetVoterByVoterID(ctx, in.VoterID)
	if err != nil {
		return nil, err
	}
	if v.DateOfBirth != in.DateOfBirth {
		return nil, fmt.Errorf("%w: date of birth does not match", models.ErrForbidden)
	}
	if v.HasVoted {
		return nil, models.ErrAlreadyVoted
	}
	ok, err := r.verifier.Verify(ctx, in.Photo, v.FaceTemplate)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warnf("Face verification failed for voter %d", v.ID)
		return nil, models.ErrBiometricMismatch
	}
	if !v.FaceMatched {
		if err := r.store.SetFaceMatched(ctx, v.ID, true); err != nil {
			return nil, err
		}
		v.FaceMatched = true
	}
	if err := r.gate.Check(); err != nil {
		return nil, err
	}

	res := &VerificationResult{Voter: v}
	tctx, cancel := blockchain.WithTimeout(ctx, r.timeout)
	defer cancel()
	registered, err := r.ledger.IsVoterRegistered(tctx, v.ID)
	if err != nil {
		return nil, err
	}
	if !registered {
		tx, err := r.ledger.RegisterVoter(tctx, v.ID)
		switch {
		case err == nil:
			res.Tx = &tx
			log.Infof("Voter %d registered on ledger tx=%s", v.ID, tx.Hash)
		case isAlreadyRegistered(err):
			// a concurrent login got there first
		default:
			r.metrics.RecordLedgerError(err)
			return nil, err
		}
	}
	res.LedgerRegistered = true
	return res, nil
}

func isAlreadyRegistered(err error) bool {
	var rej *models.RejectedError
	return errors.As(err, &rej) && strings.Contains(strings.ToLower(rej.Message), "already registered")
}

// CanVote reads both sides. Ledger failures surface as unavailable.
func (r *RegistrationCoordinator) CanVote(ctx context.Context, voterID uint64) (*Eligibility, error) {
	v, err := r.store.GetVoter(ctx, voterID)
	if err != nil {
		return nil, err
	}
	e := &Eligibility{
		VoterID:     v.ID,
		Area:        v.Area,
		FaceMatched: v.FaceMatched,
		HasVoted:    v.HasVoted,
	}
	if _, err := r.store.GetIndirectVote(ctx, v.ID, v.Area); err == nil {
		e.HasPartyVote = true
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	tctx, cancel := blockchain.WithTimeout(ctx, r.timeout)
	defer cancel()
	if e.LedgerRegistered, err = r.ledger.IsVoterRegistered(tctx, v.ID); err != nil {
		return nil, err
	}

	switch {
	case !r.gate.IsActive():
		e.Reason = models.ErrEndpointMismatch.Error()
	case !e.FaceMatched:
		e.Reason = models.ErrBiometricRequired.Error()
	case !e.LedgerRegistered:
		e.Reason = models.ErrNotRegisteredOnLedger.Error()
	default:
		e.CanVote = !e.HasVoted
		e.CanPartyVote = !e.HasPartyVote
		if !e.CanVote && !e.CanPartyVote {
			e.Reason = models.ErrAlreadyVoted.Error()
		}
	}
	return e, nil
}
