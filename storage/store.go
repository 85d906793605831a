package storage

import (
	"context"

	"ballot-ledger/models"
)

// RecordStore is the relational projection of the ledger. It enforces the
// uniqueness rules on its own and never trusts callers to have checked.
//
// Lookups of missing rows return models.ErrNotFound; uniqueness breaches
// return a *models.ConstraintError.
type RecordStore interface {
	CreateVoter(ctx context.Context, v *models.Voter) error
	GetVoter(ctx context.Context, id uint64) (*models.Voter, error)
	GetVoterByVoterID(ctx context.Context, voterID string) (*models.Voter, error)
	ListVoters(ctx context.Context, f models.AreaFilter) ([]*models.Voter, error)
	SetFaceMatched(ctx context.Context, id uint64, matched bool) error

	// CreateCandidate and CreateParty reject a duplicate (name, district,
	// area) and a ledger id already held by another row.
	CreateCandidate(ctx context.Context, c *models.Candidate) error
	GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error)
	ListCandidates(ctx context.Context, f models.AreaFilter) ([]*models.Candidate, error)
	CreateParty(ctx context.Context, p *models.Party) error
	GetParty(ctx context.Context, id uint64) (*models.Party, error)
	ListParties(ctx context.Context, f models.AreaFilter) ([]*models.Party, error)

	// RemapLedgerIDs replaces ledger ids in one step. It is used when an
	// operator acknowledges a redeployed ledger and when rows without a
	// ledger id are synced. The resulting mapping must stay injective.
	RemapLedgerIDs(ctx context.Context, kind models.EntityKind, mapping map[uint64]uint64) error

	// CommitVote inserts the vote, increments its VoteCount and sets the
	// voter's has_voted flag as one atomic unit.
	CommitVote(ctx context.Context, v *models.Vote) error
	// CommitIndirectVote inserts the party vote and increments its
	// VoteCount as one atomic unit.
	CommitIndirectVote(ctx context.Context, v *models.IndirectVote) error
	GetVoteByVoter(ctx context.Context, voterID uint64) (*models.Vote, error)
	GetIndirectVote(ctx context.Context, voterID uint64, area models.Area) (*models.IndirectVote, error)
	ListVotes(ctx context.Context, f models.AreaFilter) ([]*models.Vote, error)
	ListIndirectVotes(ctx context.Context, f models.AreaFilter) ([]*models.IndirectVote, error)

	// IncrementVoteCount is an atomic increment-or-create.
	IncrementVoteCount(ctx context.Context, key models.CountKey) error
	ListVoteCounts(ctx context.Context, kind models.EntityKind, f models.AreaFilter) ([]*models.VoteCount, error)
	// PutVoteCount overwrites an aggregate with a recomputed value.
	PutVoteCount(ctx context.Context, c *models.VoteCount) error

	// Wipe removes candidates, parties, votes and counts and clears every
	// voter's has_voted flag. Voters themselves are kept.
	Wipe(ctx context.Context) error

	Close() error
}
