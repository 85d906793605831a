// Package evm talks to the deployed Voting contract over JSON-RPC.
package evm

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"
)

//go:embed voting.abi.json
var votingABI string

type Config struct {
	URL      string
	Contract string
	// Keys are hex private keys. The first one is the contract owner.
	Keys    []string
	Timeout time.Duration
	Gas     GasConfig
}

type GasConfig struct {
	RegisterVoter     uint64
	RegisterCandidate uint64
	RegisterParty     uint64
	Vote              uint64
}

func (g GasConfig) withDefaults() GasConfig {
	if g.RegisterVoter == 0 {
		g.RegisterVoter = blockchain.GasRegisterVoter
	}
	if g.RegisterCandidate == 0 {
		g.RegisterCandidate = blockchain.GasRegisterCandidate
	}
	if g.RegisterParty == 0 {
		g.RegisterParty = blockchain.GasRegisterParty
	}
	if g.Vote == 0 {
		g.Vote = blockchain.GasVote
	}
	return g
}

// conn is the initialized connection state. It is built exactly once.
type conn struct {
	eth       *ethclient.Client
	abi       abi.ABI
	contract  *bind.BoundContract
	address   common.Address
	networkID *big.Int
	accounts  []common.Address
	signers   map[common.Address]*bind.TransactOpts
}

// Client implements blockchain.Client. The connection is created lazily on
// first use; concurrent first callers share one dial.
type Client struct {
	cfg   Config
	keys  []*ecdsa.PrivateKey
	group singleflight.Group

	mu     sync.RWMutex
	conn   *conn
	closed bool

	// serializes pre-count reads with registration writes
	regMu sync.Mutex
}

var _ blockchain.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ledger url is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("at least one signing key is required")
	}
	keys := make([]*ecdsa.PrivateKey, 0, len(cfg.Keys))
	for i, hexKey := range cfg.Keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = blockchain.DefaultTimeout
	}
	cfg.Gas = cfg.Gas.withDefaults()
	return &Client{cfg: cfg, keys: keys}, nil
}

func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.RLock()
	cn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, blockchain.TransportError("connect", errors.New("client closed"), false)
	}
	if cn != nil {
		return cn, nil
	}

	// The shared dial outlives any single caller. Only the client timeout
	// bounds it.
	ch := c.group.DoChan("connect", func() (interface{}, error) {
		cn, err := c.dial(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			cn.eth.Close()
			return nil, errors.New("client closed")
		}
		c.conn = cn
		return cn, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, blockchain.TransportError("connect", res.Err, false)
		}
		return res.Val.(*conn), nil
	case <-ctx.Done():
		return nil, blockchain.TransportError("connect", ctx.Err(), false)
	}
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	ctx, cancel := blockchain.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	networkID, err := eth.NetworkID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to read network id: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(votingABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	address := common.HexToAddress(c.cfg.Contract)
	cn := &conn{
		eth:       eth,
		abi:       parsed,
		contract:  bind.NewBoundContract(address, parsed, eth, eth, eth),
		address:   address,
		networkID: networkID,
		signers:   make(map[common.Address]*bind.TransactOpts),
	}
	for i, key := range c.keys {
		opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("failed to create transactor %d: %w", i, err)
		}
		cn.accounts = append(cn.accounts, opts.From)
		cn.signers[opts.From] = opts
	}

	var out []interface{}
	if err := cn.contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		log.Warnf("Cannot read contract owner: %v", err)
	} else if owner := *abi.ConvertType(out[0], new(common.Address)).(*common.Address); owner != cn.accounts[0] {
		log.Warnf("Signing account %s is not the contract owner %s, owner-only calls will be rejected",
			cn.accounts[0].Hex(), owner.Hex())
	}

	log.Infof("Connected to ledger %s network %s contract %s", c.cfg.URL, networkID, address.Hex())
	return cn, nil
}

// Close tears down the connection. Later calls fail as unavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.eth.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) Endpoint(ctx context.Context) (models.EndpointIdentity, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return models.EndpointIdentity{}, err
	}
	return models.EndpointIdentity{
		Address:   cn.address.Hex(),
		NetworkID: cn.networkID.String(),
		URL:       c.cfg.URL,
	}, nil
}

func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(cn.accounts))
	copy(out, cn.accounts)
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := blockchain.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out []interface{}
	if err := cn.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, blockchain.ClassifyRevert(method, reason)
		}
		return nil, blockchain.TransportError(method, err, false)
	}
	return out, nil
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int).Uint64(), nil
}

func (c *Client) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// transact simulates the call to surface a revert reason, then sends it and
// waits for the receipt. Once the transaction has been broadcast any
// failure to observe the receipt is an unknown outcome.
func (c *Client) transact(ctx context.Context, method string, from common.Address, gas uint64, args ...interface{}) (models.TxRef, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return models.TxRef{}, err
	}
	ctx, cancel := blockchain.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	signer, ok := cn.signers[from]
	if !ok {
		signer = cn.signers[cn.accounts[0]]
	}

	data, err := cn.abi.Pack(method, args...)
	if err != nil {
		return models.TxRef{}, fmt.Errorf("%s: failed to pack arguments: %w", method, err)
	}
	msg := ethereum.CallMsg{From: signer.From, To: &cn.address, Gas: gas, Data: data}
	if _, err := cn.eth.CallContract(ctx, msg, nil); err != nil {
		if reason, ok := revertReason(err); ok {
			return models.TxRef{}, blockchain.ClassifyRevert(method, reason)
		}
		return models.TxRef{}, blockchain.TransportError(method, err, false)
	}

	opts := *signer
	opts.Context = ctx
	opts.GasLimit = gas
	tx, err := cn.contract.Transact(&opts, method, args...)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return models.TxRef{}, blockchain.ClassifyRevert(method, reason)
		}
		return models.TxRef{}, blockchain.TransportError(method, err, true)
	}

	receipt, err := bind.WaitMined(ctx, cn.eth, tx)
	if err != nil {
		return models.TxRef{}, fmt.Errorf("%s: %w: tx %s: %v", method, models.ErrUnknownOutcome, tx.Hash().Hex(), err)
	}
	ref := models.TxRef{Hash: receipt.TxHash.Hex(), BlockNumber: receipt.BlockNumber.Uint64()}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if receipt.GasUsed >= gas {
			return ref, &models.RejectedError{Op: method, Reason: models.RejectBudgetExceeded,
				Message: fmt.Sprintf("used %d of %d gas", receipt.GasUsed, gas)}
		}
		return ref, blockchain.ClassifyRevert(method, "transaction reverted in block "+receipt.BlockNumber.String())
	}
	log.Debugf("%s mined in block %d tx %s gas %d", method, ref.BlockNumber, ref.Hash, receipt.GasUsed)
	return ref, nil
}

// revertReason extracts the revert message from an RPC error.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "revert") || strings.Contains(msg, "out of gas") || strings.Contains(msg, "gas required exceeds") {
		return msg, true
	}
	return "", false
}

func voterArg(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}

func (c *Client) owner(ctx context.Context) (common.Address, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return cn.accounts[0], nil
}

func (c *Client) RegisterVoter(ctx context.Context, voterID uint64) (models.TxRef, error) {
	owner, err := c.owner(ctx)
	if err != nil {
		return models.TxRef{}, err
	}
	return c.transact(ctx, "registerVoter", owner, c.cfg.Gas.RegisterVoter, voterArg(voterID))
}

func (c *Client) IsVoterRegistered(ctx context.Context, voterID uint64) (bool, error) {
	return c.callBool(ctx, "registeredVoters", voterArg(voterID))
}

func (c *Client) HasVoted(ctx context.Context, voterID uint64) (bool, error) {
	return c.callBool(ctx, "hasVoterVoted", voterArg(voterID))
}

func (c *Client) HasVotedForParty(ctx context.Context, voterID uint64) (bool, error) {
	return c.callBool(ctx, "hasVoterVotedForParty", voterArg(voterID))
}

// register runs a registration write between two count reads. When another
// writer slipped in, the assigned id is located by matching fields.
func (c *Client) register(ctx context.Context, kind models.EntityKind, countMethod, method string, gas uint64,
	match func(ctx context.Context, id uint64) (bool, error), args ...interface{}) (blockchain.Registration, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	owner, err := c.owner(ctx)
	if err != nil {
		return blockchain.Registration{}, err
	}
	pre, err := c.callUint(ctx, countMethod)
	if err != nil {
		return blockchain.Registration{}, err
	}
	ref, err := c.transact(ctx, method, owner, gas, args...)
	if err != nil {
		return blockchain.Registration{}, err
	}
	post, err := c.callUint(ctx, countMethod)
	if err != nil {
		return blockchain.Registration{}, fmt.Errorf("%s: %w: cannot confirm assigned id: %v", method, models.ErrUnknownOutcome, err)
	}
	if post == pre+1 {
		return blockchain.Registration{LedgerID: pre, Tx: ref}, nil
	}

	log.Warnf("Concurrent %s registration detected (count %d -> %d), searching for assigned id", kind, pre, post)
	for id := pre; id < post; id++ {
		ok, err := match(ctx, id)
		if err != nil {
			return blockchain.Registration{}, fmt.Errorf("%s: %w: %v", method, models.ErrUnknownOutcome, err)
		}
		if ok {
			return blockchain.Registration{LedgerID: id, Tx: ref}, nil
		}
	}
	return blockchain.Registration{}, fmt.Errorf("%s: %w: assigned id not found in [%d, %d)", method, models.ErrUnknownOutcome, pre, post)
}

func (c *Client) RegisterCandidate(ctx context.Context, f blockchain.CandidateFields) (blockchain.Registration, error) {
	match := func(ctx context.Context, id uint64) (bool, error) {
		rec, err := c.GetCandidate(ctx, id)
		if err != nil {
			return false, err
		}
		return rec.Name == f.Name && rec.Party == f.Party && rec.District == f.District && rec.AreaNo == f.AreaNo, nil
	}
	return c.register(ctx, models.KindCandidate, "candidateCount", "addCandidate", c.cfg.Gas.RegisterCandidate, match,
		f.Name, f.Party, f.Position, f.District, big.NewInt(int64(f.AreaNo)), f.PhotoURL, f.LogoURL)
}

func (c *Client) RegisterParty(ctx context.Context, f blockchain.PartyFields) (blockchain.Registration, error) {
	match := func(ctx context.Context, id uint64) (bool, error) {
		rec, err := c.GetParty(ctx, id)
		if err != nil {
			return false, err
		}
		return rec.Name == f.Name && rec.District == f.District && rec.AreaNo == f.AreaNo, nil
	}
	return c.register(ctx, models.KindParty, "partyCount", "addParty", c.cfg.Gas.RegisterParty, match,
		f.Name, f.LogoURL, f.District, big.NewInt(int64(f.AreaNo)))
}

func (c *Client) CastVote(ctx context.Context, voterID, candidateID uint64, from common.Address) (models.TxRef, error) {
	return c.transact(ctx, "vote", from, c.cfg.Gas.Vote, voterArg(voterID), voterArg(candidateID))
}

func (c *Client) CastPartyVote(ctx context.Context, voterID, partyID uint64, from common.Address) (models.TxRef, error) {
	return c.transact(ctx, "voteForParty", from, c.cfg.Gas.Vote, voterArg(voterID), voterArg(partyID))
}

func (c *Client) GetCandidate(ctx context.Context, id uint64) (*blockchain.CandidateRecord, error) {
	out, err := c.call(ctx, "getCandidate", voterArg(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 8 {
		return nil, fmt.Errorf("getCandidate: unexpected %d return values", len(out))
	}
	return &blockchain.CandidateRecord{
		ID: id,
		CandidateFields: blockchain.CandidateFields{
			Name:     *abi.ConvertType(out[0], new(string)).(*string),
			Party:    *abi.ConvertType(out[1], new(string)).(*string),
			Position: *abi.ConvertType(out[2], new(string)).(*string),
			District: *abi.ConvertType(out[3], new(string)).(*string),
			AreaNo:   int(abi.ConvertType(out[4], new(big.Int)).(*big.Int).Int64()),
			PhotoURL: *abi.ConvertType(out[6], new(string)).(*string),
			LogoURL:  *abi.ConvertType(out[7], new(string)).(*string),
		},
		VoteCount: abi.ConvertType(out[5], new(big.Int)).(*big.Int).Uint64(),
	}, nil
}

func (c *Client) GetParty(ctx context.Context, id uint64) (*blockchain.PartyRecord, error) {
	out, err := c.call(ctx, "getParty", voterArg(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getParty: unexpected %d return values", len(out))
	}
	return &blockchain.PartyRecord{
		ID: id,
		PartyFields: blockchain.PartyFields{
			Name:     *abi.ConvertType(out[0], new(string)).(*string),
			LogoURL:  *abi.ConvertType(out[1], new(string)).(*string),
			District: *abi.ConvertType(out[2], new(string)).(*string),
			AreaNo:   int(abi.ConvertType(out[3], new(big.Int)).(*big.Int).Int64()),
		},
		VoteCount: abi.ConvertType(out[4], new(big.Int)).(*big.Int).Uint64(),
	}, nil
}

func (c *Client) CandidateCount(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "candidateCount")
}

func (c *Client) PartyCount(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "partyCount")
}

func (c *Client) TotalVoters(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "getTotalVoterCount")
}

func (c *Client) TotalVotes(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "getTotalVotesCast")
}

func (c *Client) TotalPartyVotes(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "getTotalPartyVotesCast")
}
