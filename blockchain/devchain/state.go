package devchain

import (
	"errors"
	"fmt"

	"ballot-ledger/blockchain"

	"github.com/ethereum/go-ethereum/common"
)

type txKind string

const (
	txDeploy        txKind = "deploy"
	txRegisterVoter txKind = "registerVoter"
	txAddCandidate  txKind = "addCandidate"
	txAddParty      txKind = "addParty"
	txVote          txKind = "vote"
	txVoteForParty  txKind = "voteForParty"
)

type deployment struct {
	Address   common.Address   `json:"address"`
	Owner     common.Address   `json:"owner"`
	Accounts  []common.Address `json:"accounts"`
	NetworkID string           `json:"network_id"`
}

// transaction is the payload carried by one block.
type transaction struct {
	Kind      txKind                      `json:"kind"`
	From      common.Address              `json:"from"`
	VoterID   uint64                      `json:"voter_id,omitempty"`
	TargetID  uint64                      `json:"target_id,omitempty"`
	Candidate *blockchain.CandidateFields `json:"candidate,omitempty"`
	Party     *blockchain.PartyFields     `json:"party,omitempty"`
	Deploy    *deployment                 `json:"deploy,omitempty"`
}

type voterState struct {
	registered bool
	voted      bool
	votedParty bool
}

// contract holds the state of the currently deployed voting contract. It
// is rebuilt from scratch on every deploy transaction.
type contract struct {
	deploy          deployment
	voters          map[uint64]*voterState
	candidates      []blockchain.CandidateRecord
	parties         []blockchain.PartyRecord
	totalVoters     uint64
	totalVotes      uint64
	totalPartyVotes uint64
}

// revertError is a contract rule violation. Its message mirrors the revert
// strings of the deployed contract.
type revertError struct {
	msg string
}

func (e *revertError) Error() string { return e.msg }

func revert(format string, args ...interface{}) error {
	return &revertError{msg: fmt.Sprintf(format, args...)}
}

func isRevert(err error) (*revertError, bool) {
	var r *revertError
	ok := errors.As(err, &r)
	return r, ok
}

func newContract(d deployment) *contract {
	return &contract{
		deploy: d,
		voters: make(map[uint64]*voterState),
	}
}

func (c *contract) voter(id uint64) *voterState {
	v, ok := c.voters[id]
	if !ok {
		v = &voterState{}
		c.voters[id] = v
	}
	return v
}

// check enforces the contract rules for tx without mutating state.
func (c *contract) check(tx *transaction) error {
	switch tx.Kind {
	case txRegisterVoter:
		if tx.From != c.deploy.Owner {
			return revert("Only owner can perform this action")
		}
		if v, ok := c.voters[tx.VoterID]; ok && v.registered {
			return revert("Voter already registered")
		}
	case txAddCandidate:
		if tx.From != c.deploy.Owner {
			return revert("Only owner can perform this action")
		}
		if tx.Candidate == nil {
			return revert("Candidate data missing")
		}
	case txAddParty:
		if tx.From != c.deploy.Owner {
			return revert("Only owner can perform this action")
		}
		if tx.Party == nil {
			return revert("Party data missing")
		}
	case txVote:
		v, ok := c.voters[tx.VoterID]
		if !ok || !v.registered {
			return revert("Voter not registered")
		}
		if v.voted {
			return revert("Voter has already voted")
		}
		if tx.TargetID >= uint64(len(c.candidates)) {
			return revert("Candidate does not exist")
		}
	case txVoteForParty:
		v, ok := c.voters[tx.VoterID]
		if !ok || !v.registered {
			return revert("Voter not registered")
		}
		if v.votedParty {
			return revert("Voter has already voted for party")
		}
		if tx.TargetID >= uint64(len(c.parties)) {
			return revert("Party does not exist")
		}
	case txDeploy:
	default:
		return revert("unknown method %s", tx.Kind)
	}
	return nil
}

// apply mutates state. Callers must have run check first.
func (c *contract) apply(tx *transaction) {
	switch tx.Kind {
	case txRegisterVoter:
		c.voter(tx.VoterID).registered = true
		c.totalVoters++
	case txAddCandidate:
		c.candidates = append(c.candidates, blockchain.CandidateRecord{
			CandidateFields: *tx.Candidate,
			ID:              uint64(len(c.candidates)),
		})
	case txAddParty:
		c.parties = append(c.parties, blockchain.PartyRecord{
			PartyFields: *tx.Party,
			ID:          uint64(len(c.parties)),
		})
	case txVote:
		c.voter(tx.VoterID).voted = true
		c.candidates[tx.TargetID].VoteCount++
		c.totalVotes++
	case txVoteForParty:
		c.voter(tx.VoterID).votedParty = true
		c.parties[tx.TargetID].VoteCount++
		c.totalPartyVotes++
	}
}
