// Package devchain is an in-process append-only ledger that enforces the
// voting contract's rules. Every accepted transaction is sealed into a
// hash-linked block; the chain can be persisted as snapshot files and is
// replayed on open.
package devchain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"
	"ballot-ledger/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultNetworkID = "5777"

type Config struct {
	// Path enables snapshot persistence when set.
	Path      string
	Keep      int
	NetworkID string
	Accounts  int
	// Difficulty is the number of leading zero bytes a block hash needs.
	Difficulty uint8
	// Latency delays every write response after the state change has
	// been applied, so a caller deadline can expire on a committed write.
	Latency time.Duration
}

// Chain implements blockchain.Client.
type Chain struct {
	mu       sync.RWMutex
	cfg      Config
	blocks   []*models.Block
	state    *contract
	deploys  uint64
	files    *storage.ChainFiles
	offline  bool
	latency  time.Duration
	closed   bool
	accounts []common.Address
}

var _ blockchain.Client = (*Chain)(nil)

// New opens a development ledger, replaying a persisted snapshot if one
// exists and deploying a fresh contract otherwise.
func New(cfg Config) (*Chain, error) {
	if cfg.NetworkID == "" {
		cfg.NetworkID = DefaultNetworkID
	}
	if cfg.Accounts < 2 {
		cfg.Accounts = 10
	}
	c := &Chain{cfg: cfg, latency: cfg.Latency}

	if cfg.Path != "" {
		files, err := storage.NewChainFiles(cfg.Path, "devchain", cfg.Keep)
		if err != nil {
			return nil, fmt.Errorf("failed to open chain files: %w", err)
		}
		c.files = files
		blocks, err := files.LoadLatest()
		if err != nil {
			return nil, fmt.Errorf("failed to load chain: %w", err)
		}
		if len(blocks) > 0 {
			if err := c.replay(blocks); err != nil {
				return nil, err
			}
			log.Infof("Devchain restored %d blocks, contract %s", len(blocks), c.state.deploy.Address.Hex())
			return c, nil
		}
	}

	accounts := make([]common.Address, cfg.Accounts)
	for i := range accounts {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account key: %w", err)
		}
		accounts[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.deployLocked(accounts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) replay(blocks []*models.Block) error {
	if err := models.ValidateChain(blocks); err != nil {
		return fmt.Errorf("persisted chain is invalid: %w", err)
	}
	for _, b := range blocks {
		var tx transaction
		if err := json.Unmarshal(b.Data, &tx); err != nil {
			return fmt.Errorf("failed to decode block %d: %w", b.Index, err)
		}
		if err := c.applyLocked(&tx); err != nil {
			return fmt.Errorf("failed to replay block %d: %w", b.Index, err)
		}
	}
	c.blocks = blocks
	return nil
}

// Redeploy deploys a new contract on the same chain. All contract state is
// reset and the endpoint address changes.
func (c *Chain) Redeploy() (models.EndpointIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.deployLocked(c.accounts); err != nil {
		return models.EndpointIdentity{}, err
	}
	log.Warnf("Devchain contract redeployed at %s", c.state.deploy.Address.Hex())
	return c.endpointLocked(), nil
}

func (c *Chain) deployLocked(accounts []common.Address) (*models.Block, error) {
	owner := accounts[0]
	tx := &transaction{
		Kind: txDeploy,
		From: owner,
		Deploy: &deployment{
			Address:   crypto.CreateAddress(owner, c.deploys),
			Owner:     owner,
			Accounts:  accounts,
			NetworkID: c.cfg.NetworkID,
		},
	}
	return c.commitLocked(tx)
}

// SetOffline makes every call fail as if the ledger were unreachable.
func (c *Chain) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

// SetLatency changes the delay applied to write responses.
func (c *Chain) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// Blocks returns a copy of the chain.
func (c *Chain) Blocks() []*models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Chain) applyLocked(tx *transaction) error {
	if tx.Kind == txDeploy {
		if tx.Deploy == nil {
			return fmt.Errorf("deploy transaction without deployment")
		}
		c.state = newContract(*tx.Deploy)
		c.accounts = tx.Deploy.Accounts
		c.deploys++
		return nil
	}
	if c.state == nil {
		return fmt.Errorf("no contract deployed")
	}
	if err := c.state.check(tx); err != nil {
		return err
	}
	c.state.apply(tx)
	return nil
}

// commitLocked applies tx and seals it into a new block.
func (c *Chain) commitLocked(tx *transaction) (*models.Block, error) {
	if err := c.applyLocked(tx); err != nil {
		return nil, err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	var (
		index    uint64
		prevHash []byte
	)
	if n := len(c.blocks); n > 0 {
		index = c.blocks[n-1].Index + 1
		prevHash = c.blocks[n-1].Hash
	}
	block := models.NewBlock(index, data, prevHash, c.cfg.Difficulty)
	c.blocks = append(c.blocks, block)

	if c.files != nil {
		if err := c.files.Save(c.blocks); err != nil {
			log.Errorf("Devchain snapshot failed at block %d: %v", block.Index, err)
		}
	}
	log.Debugf("Devchain block %d: %s", block.Index, tx.Kind)
	return block, nil
}

func (c *Chain) ready(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return blockchain.TransportError(op, err, false)
	}
	if c.closed {
		return blockchain.TransportError(op, fmt.Errorf("ledger closed"), false)
	}
	if c.offline {
		return blockchain.TransportError(op, fmt.Errorf("connection refused"), false)
	}
	return nil
}

// respond waits out the configured latency. A deadline that expires here
// hides the result of a write that has already been applied.
func (c *Chain) respond(ctx context.Context, op string, mutating bool) error {
	c.mu.RLock()
	d := c.latency
	c.mu.RUnlock()
	if !mutating || d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return blockchain.TransportError(op, ctx.Err(), mutating)
	}
}

func (c *Chain) send(ctx context.Context, op string, tx *transaction) (*models.Block, error) {
	c.mu.Lock()
	if err := c.ready(ctx, op); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if tx.From == (common.Address{}) {
		tx.From = c.state.deploy.Owner
	}
	block, err := c.commitLocked(tx)
	c.mu.Unlock()
	if err != nil {
		if r, ok := isRevert(err); ok {
			return nil, blockchain.ClassifyRevert(op, r.msg)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.respond(ctx, op, true); err != nil {
		return nil, err
	}
	return block, nil
}

func txRef(b *models.Block) models.TxRef {
	return models.TxRef{Hash: hexutil.Encode(b.Hash), BlockNumber: b.Index}
}

// read runs fn under the read lock after the usual availability checks.
func (c *Chain) read(ctx context.Context, op string, fn func(*contract) error) error {
	c.mu.RLock()
	if err := c.ready(ctx, op); err != nil {
		c.mu.RUnlock()
		return err
	}
	err := fn(c.state)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.respond(ctx, op, false)
}

func (c *Chain) endpointLocked() models.EndpointIdentity {
	url := "devchain://memory"
	if c.files != nil {
		url = "devchain://" + c.files.Dir()
	}
	return models.EndpointIdentity{
		Address:   c.state.deploy.Address.Hex(),
		NetworkID: c.state.deploy.NetworkID,
		URL:       url,
	}
}

func (c *Chain) Endpoint(ctx context.Context) (models.EndpointIdentity, error) {
	var e models.EndpointIdentity
	err := c.read(ctx, "endpoint", func(*contract) error {
		e = c.endpointLocked()
		return nil
	})
	return e, err
}

func (c *Chain) Accounts(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := c.read(ctx, "accounts", func(*contract) error {
		out = make([]common.Address, len(c.accounts))
		copy(out, c.accounts)
		return nil
	})
	return out, err
}

func (c *Chain) RegisterVoter(ctx context.Context, voterID uint64) (models.TxRef, error) {
	b, err := c.send(ctx, "registerVoter", &transaction{
		Kind:    txRegisterVoter,
		VoterID: voterID,
	})
	if err != nil {
		return models.TxRef{}, err
	}
	return txRef(b), nil
}

func (c *Chain) IsVoterRegistered(ctx context.Context, voterID uint64) (bool, error) {
	var ok bool
	err := c.read(ctx, "registeredVoters", func(s *contract) error {
		v, found := s.voters[voterID]
		ok = found && v.registered
		return nil
	})
	return ok, err
}

func (c *Chain) HasVoted(ctx context.Context, voterID uint64) (bool, error) {
	var ok bool
	err := c.read(ctx, "hasVoterVoted", func(s *contract) error {
		v, found := s.voters[voterID]
		ok = found && v.voted
		return nil
	})
	return ok, err
}

func (c *Chain) HasVotedForParty(ctx context.Context, voterID uint64) (bool, error) {
	var ok bool
	err := c.read(ctx, "hasVoterVotedForParty", func(s *contract) error {
		v, found := s.voters[voterID]
		ok = found && v.votedParty
		return nil
	})
	return ok, err
}

// RegisterCandidate reads the pre-insertion count and sends the write under
// one lock, so the returned id is always the one the contract assigned.
func (c *Chain) RegisterCandidate(ctx context.Context, f blockchain.CandidateFields) (blockchain.Registration, error) {
	c.mu.Lock()
	if err := c.ready(ctx, "addCandidate"); err != nil {
		c.mu.Unlock()
		return blockchain.Registration{}, err
	}
	id := uint64(len(c.state.candidates))
	block, err := c.commitLocked(&transaction{Kind: txAddCandidate, From: c.state.deploy.Owner, Candidate: &f})
	c.mu.Unlock()
	if err != nil {
		if r, ok := isRevert(err); ok {
			return blockchain.Registration{}, blockchain.ClassifyRevert("addCandidate", r.msg)
		}
		return blockchain.Registration{}, err
	}
	if err := c.respond(ctx, "addCandidate", true); err != nil {
		return blockchain.Registration{}, err
	}
	return blockchain.Registration{LedgerID: id, Tx: txRef(block)}, nil
}

func (c *Chain) RegisterParty(ctx context.Context, f blockchain.PartyFields) (blockchain.Registration, error) {
	c.mu.Lock()
	if err := c.ready(ctx, "addParty"); err != nil {
		c.mu.Unlock()
		return blockchain.Registration{}, err
	}
	id := uint64(len(c.state.parties))
	block, err := c.commitLocked(&transaction{Kind: txAddParty, From: c.state.deploy.Owner, Party: &f})
	c.mu.Unlock()
	if err != nil {
		if r, ok := isRevert(err); ok {
			return blockchain.Registration{}, blockchain.ClassifyRevert("addParty", r.msg)
		}
		return blockchain.Registration{}, err
	}
	if err := c.respond(ctx, "addParty", true); err != nil {
		return blockchain.Registration{}, err
	}
	return blockchain.Registration{LedgerID: id, Tx: txRef(block)}, nil
}

func (c *Chain) CastVote(ctx context.Context, voterID, candidateID uint64, from common.Address) (models.TxRef, error) {
	b, err := c.send(ctx, "vote", &transaction{
		Kind:     txVote,
		From:     from,
		VoterID:  voterID,
		TargetID: candidateID,
	})
	if err != nil {
		return models.TxRef{}, err
	}
	return txRef(b), nil
}

func (c *Chain) CastPartyVote(ctx context.Context, voterID, partyID uint64, from common.Address) (models.TxRef, error) {
	b, err := c.send(ctx, "voteForParty", &transaction{
		Kind:     txVoteForParty,
		From:     from,
		VoterID:  voterID,
		TargetID: partyID,
	})
	if err != nil {
		return models.TxRef{}, err
	}
	return txRef(b), nil
}

func (c *Chain) GetCandidate(ctx context.Context, id uint64) (*blockchain.CandidateRecord, error) {
	var rec blockchain.CandidateRecord
	err := c.read(ctx, "getCandidate", func(s *contract) error {
		if id >= uint64(len(s.candidates)) {
			return blockchain.ClassifyRevert("getCandidate", "Candidate does not exist")
		}
		rec = s.candidates[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Chain) GetParty(ctx context.Context, id uint64) (*blockchain.PartyRecord, error) {
	var rec blockchain.PartyRecord
	err := c.read(ctx, "getParty", func(s *contract) error {
		if id >= uint64(len(s.parties)) {
			return blockchain.ClassifyRevert("getParty", "Party does not exist")
		}
		rec = s.parties[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Chain) counter(ctx context.Context, op string, fn func(*contract) uint64) (uint64, error) {
	var n uint64
	err := c.read(ctx, op, func(s *contract) error {
		n = fn(s)
		return nil
	})
	return n, err
}

func (c *Chain) CandidateCount(ctx context.Context) (uint64, error) {
	return c.counter(ctx, "candidateCount", func(s *contract) uint64 { return uint64(len(s.candidates)) })
}

func (c *Chain) PartyCount(ctx context.Context) (uint64, error) {
	return c.counter(ctx, "partyCount", func(s *contract) uint64 { return uint64(len(s.parties)) })
}

func (c *Chain) TotalVoters(ctx context.Context) (uint64, error) {
	return c.counter(ctx, "getTotalVoterCount", func(s *contract) uint64 { return s.totalVoters })
}

func (c *Chain) TotalVotes(ctx context.Context) (uint64, error) {
	return c.counter(ctx, "getTotalVotesCast", func(s *contract) uint64 { return s.totalVotes })
}

func (c *Chain) TotalPartyVotes(ctx context.Context) (uint64, error) {
	return c.counter(ctx, "getTotalPartyVotesCast", func(s *contract) uint64 { return s.totalPartyVotes })
}

func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
