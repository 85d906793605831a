package models

import (
	"strings"
	"time"
)

// DateLayout is the wire format of a voter's date of birth.
const DateLayout = "2006-01-02"

// Voter is a registered voter. ID is the store-local identity and doubles
// as the voter's key on the ledger.
type Voter struct {
	ID           uint64    `json:"id"`
	VoterID      string    `json:"voter_id"`
	Name         string    `json:"name"`
	DateOfBirth  string    `json:"date_of_birth"`
	Area         Area      `json:"area"`
	FaceTemplate string    `json:"face_template,omitempty"`
	FaceMatched  bool      `json:"face_matched"`
	HasVoted     bool      `json:"has_voted"`
	CreatedAt    time.Time `json:"created_at"`
}

// VoterRegistration is the input for onboarding a voter.
type VoterRegistration struct {
	VoterID     string `json:"voter_id"`
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	District    string `json:"district"`
	AreaNo      int    `json:"area_no"`
	Photo       []byte `json:"-"`
}

func (r VoterRegistration) Area() Area {
	return Area{District: strings.TrimSpace(r.District), AreaNo: r.AreaNo}
}

func (r VoterRegistration) Validate() error {
	if err := checkLength("name", strings.TrimSpace(r.Name), 2, 100); err != nil {
		return err
	}
	if err := checkLength("voter_id", strings.TrimSpace(r.VoterID), 5, 50); err != nil {
		return err
	}
	if _, err := time.Parse(DateLayout, r.DateOfBirth); err != nil {
		return NewValidationError("date_of_birth", "must be formatted as YYYY-MM-DD")
	}
	if len(r.Photo) == 0 {
		return NewValidationError("photo", "is required")
	}
	return r.Area().Validate()
}

// VoterVerification is the input for the login-time biometric check.
type VoterVerification struct {
	VoterID     string `json:"voter_id"`
	DateOfBirth string `json:"date_of_birth"`
	Photo       []byte `json:"-"`
}

func (v VoterVerification) Validate() error {
	if strings.TrimSpace(v.VoterID) == "" {
		return NewValidationError("voter_id", "is required")
	}
	if _, err := time.Parse(DateLayout, v.DateOfBirth); err != nil {
		return NewValidationError("date_of_birth", "must be formatted as YYYY-MM-DD")
	}
	if len(v.Photo) == 0 {
		return NewValidationError("photo", "is required")
	}
	return nil
}
