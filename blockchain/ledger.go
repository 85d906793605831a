// Package blockchain defines the typed boundary to the append-only voting
// ledger. Implementations live in the evm and devchain subpackages.
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ballot-ledger/models"

	"github.com/ethereum/go-ethereum/common"
)

// Execution budgets per mutating call.
const (
	GasRegisterVoter     uint64 = 300000
	GasRegisterCandidate uint64 = 3000000
	GasRegisterParty     uint64 = 500000
	GasVote              uint64 = 300000
)

// DefaultTimeout bounds every ledger round trip.
const DefaultTimeout = 30 * time.Second

// CandidateFields is what the ledger stores for a candidate.
type CandidateFields struct {
	Name     string `json:"name"`
	Party    string `json:"party"`
	Position string `json:"position"`
	District string `json:"district"`
	AreaNo   int    `json:"area_no"`
	PhotoURL string `json:"photo_url"`
	LogoURL  string `json:"logo_url"`
}

// CandidateRecord is a candidate as read back from the ledger.
type CandidateRecord struct {
	CandidateFields
	ID        uint64 `json:"id"`
	VoteCount uint64 `json:"vote_count"`
}

// PartyFields is what the ledger stores for a party.
type PartyFields struct {
	Name     string `json:"name"`
	LogoURL  string `json:"logo_url"`
	District string `json:"district"`
	AreaNo   int    `json:"area_no"`
}

// PartyRecord is a party as read back from the ledger.
type PartyRecord struct {
	PartyFields
	ID        uint64 `json:"id"`
	VoteCount uint64 `json:"vote_count"`
}

// Registration is the outcome of a candidate or party registration.
type Registration struct {
	LedgerID uint64
	Tx       models.TxRef
}

// Client is the ledger boundary. Mutating calls block until the write is
// mined or rejected. Failures are classified as models.ErrLedgerUnavailable,
// *models.RejectedError or models.ErrUnknownOutcome.
type Client interface {
	Endpoint(ctx context.Context) (models.EndpointIdentity, error)
	Accounts(ctx context.Context) ([]common.Address, error)

	RegisterVoter(ctx context.Context, voterID uint64) (models.TxRef, error)
	IsVoterRegistered(ctx context.Context, voterID uint64) (bool, error)
	HasVoted(ctx context.Context, voterID uint64) (bool, error)
	HasVotedForParty(ctx context.Context, voterID uint64) (bool, error)

	// RegisterCandidate and RegisterParty return the ledger-assigned id,
	// which equals the entity count before insertion.
	RegisterCandidate(ctx context.Context, c CandidateFields) (Registration, error)
	RegisterParty(ctx context.Context, p PartyFields) (Registration, error)

	CastVote(ctx context.Context, voterID, candidateID uint64, from common.Address) (models.TxRef, error)
	CastPartyVote(ctx context.Context, voterID, partyID uint64, from common.Address) (models.TxRef, error)

	GetCandidate(ctx context.Context, id uint64) (*CandidateRecord, error)
	GetParty(ctx context.Context, id uint64) (*PartyRecord, error)
	CandidateCount(ctx context.Context) (uint64, error)
	PartyCount(ctx context.Context) (uint64, error)
	TotalVoters(ctx context.Context) (uint64, error)
	TotalVotes(ctx context.Context) (uint64, error)
	TotalPartyVotes(ctx context.Context) (uint64, error)

	Close() error
}

// ResolveAccount picks the signing account for a voter. The owner account
// at index 0 is only used when nothing else is available.
func ResolveAccount(accounts []common.Address, voterID uint64) common.Address {
	switch len(accounts) {
	case 0:
		return common.Address{}
	case 1:
		return accounts[0]
	}
	acc := accounts[voterID%uint64(len(accounts))]
	if acc == (common.Address{}) {
		return accounts[1]
	}
	return acc
}

// ClassifyRevert maps a ledger revert message to a typed rejection.
func ClassifyRevert(op, msg string) *models.RejectedError {
	lower := strings.ToLower(msg)
	reason := models.RejectOther
	switch {
	case strings.Contains(lower, "not registered"):
		reason = models.RejectNotRegistered
	case strings.Contains(lower, "already voted"):
		reason = models.RejectAlreadyVoted
	case strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "invalid candidate"),
		strings.Contains(lower, "invalid party"):
		reason = models.RejectNotExists
	case strings.Contains(lower, "out of gas"),
		strings.Contains(lower, "gas required exceeds"),
		strings.Contains(lower, "budget exceeded"):
		reason = models.RejectBudgetExceeded
	}
	return &models.RejectedError{Op: op, Reason: reason, Message: msg}
}

// TransportError classifies a failure that is not a business-rule
// rejection. A timed out write has an unknown outcome; everything else
// means the ledger could not be reached.
func TransportError(op string, err error, mutating bool) error {
	if mutating && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, models.ErrUnknownOutcome, err)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrLedgerUnavailable, err)
}

// WithTimeout applies d to ctx unless ctx already ends sooner.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
