package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrLedgerUnavailable is returned when the ledger cannot be reached.
	// Retrying the whole operation from scratch is safe.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerRejected is returned when the ledger's own rules refuse an
	// operation. Retrying with the same arguments will fail again.
	ErrLedgerRejected = errors.New("ledger rejected operation")

	// ErrUnknownOutcome is returned when a ledger write timed out and may
	// or may not have committed. Callers must re-check with a status read.
	ErrUnknownOutcome = errors.New("ledger outcome unknown")

	// ErrConstraintViolation is returned by the record store on a
	// uniqueness breach.
	ErrConstraintViolation = errors.New("store constraint violation")

	// ErrDivergence is returned when the ledger and the store disagree.
	ErrDivergence = errors.New("ledger and store diverged")

	// ErrEndpointMismatch is returned while the ledger endpoint differs
	// from the acknowledged one. Registration and voting stay halted.
	ErrEndpointMismatch = errors.New("ledger endpoint changed")

	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrRegistrationFailed   = errors.New("registration failed")
	ErrBiometricRequired    = errors.New("biometric verification required")
	ErrBiometricMismatch    = errors.New("face verification failed")
	ErrBiometricUnavailable = errors.New("biometric service unavailable")

	// user facing vote rejections
	ErrNotRegisteredOnLedger = errors.New("voter is not registered on the ledger")
	ErrAlreadyVoted          = errors.New("voter has already voted")
	ErrCandidateNotOnLedger  = errors.New("candidate is not registered on the ledger")
	ErrPartyNotOnLedger      = errors.New("party is not registered on the ledger")
	ErrBudgetExceeded        = errors.New("execution budget exceeded")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RejectReason classifies a ledger business-rule rejection.
type RejectReason string

const (
	RejectNotRegistered  RejectReason = "not-registered"
	RejectAlreadyVoted   RejectReason = "already-voted"
	RejectNotExists      RejectReason = "not-exists"
	RejectBudgetExceeded RejectReason = "budget-exceeded"
	RejectOther          RejectReason = "other"
)

// RejectedError is a ledger rejection with its classified reason and the
// raw message returned by the ledger.
type RejectedError struct {
	Op      string
	Reason  RejectReason
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s (%s)", e.Op, e.Reason, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrLedgerRejected:
		return true
	case ErrBudgetExceeded:
		return e.Reason == RejectBudgetExceeded
	}
	return false
}

// RejectReasonOf extracts the rejection reason from err, if any.
func RejectReasonOf(err error) (RejectReason, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// ConstraintError names the store constraint that was violated.
type ConstraintError struct {
	Constraint string
}

func (e *ConstraintError) Error() string {
	return "constraint violation: " + e.Constraint
}

func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// DivergenceError carries the journaled divergence record alongside the
// failure that caused it.
type DivergenceError struct {
	Record *Divergence
	Err    error
}

func (e *DivergenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("divergence %s (%s): %s", e.Record.ID, e.Record.Kind, e.Record.Detail)
	}
	return fmt.Sprintf("divergence %s (%s): %v", e.Record.ID, e.Record.Kind, e.Err)
}

func (e *DivergenceError) Unwrap() error {
	return e.Err
}

func (e *DivergenceError) Is(target error) bool {
	return target == ErrDivergence
}

// RegistrationStage is the step a registration reached before it failed.
type RegistrationStage string

const (
	StagePending          RegistrationStage = "pending"
	StageLedgerRegistered RegistrationStage = "ledger-registered"
	StageStoreRegistered  RegistrationStage = "store-registered"
	StageComplete         RegistrationStage = "complete"
	StageFailed           RegistrationStage = "failed"
)

// RegistrationError reports a failed ledger registration. Nothing was
// written to the store.
type RegistrationError struct {
	Kind EntityKind
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s registration %q failed at ledger: %v", e.Kind, e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistrationFailed
}

// EndpointMismatchError describes a ledger endpoint that no longer matches
// the persisted marker. Stored is nil when no marker exists.
type EndpointMismatchError struct {
	Stored  *EndpointIdentity
	Current EndpointIdentity
}

func (e *EndpointMismatchError) Error() string {
	if e.Stored == nil {
		return fmt.Sprintf("ledger endpoint %s has never been acknowledged", e.Current)
	}
	return fmt.Sprintf("ledger endpoint changed from %s to %s", e.Stored, e.Current)
}

func (e *EndpointMismatchError) Is(target error) bool {
	return target == ErrEndpointMismatch
}
