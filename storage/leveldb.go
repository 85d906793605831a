package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ballot-ledger/models"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const bitsPerKey = 10

// LevelStore is the embedded RecordStore. Reads go straight to LevelDB;
// every write runs under one mutex and lands as a single batch, which makes
// check-then-write sequences and count upserts atomic.
type LevelStore struct {
	db  *leveldb.DB
	wmu sync.Mutex
}

var _ RecordStore = (*LevelStore)(nil)

func OpenLevelStore(path string) (*LevelStore, error) {
	opts := &opt.Options{
		Filter: filter.NewBloomFilter(bitsPerKey),
	}
	db, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		log.Warnf("Record store at %s is corrupted, attempting recovery", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open record store %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// NewMemLevelStore returns a LevelStore backed by memory.
func NewMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(lstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) getJSON(k []byte, v interface{}) error {
	data, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *LevelStore) getID(k []byte) (uint64, error) {
	data, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

func putJSON(b *leveldb.Batch, k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Put(k, data)
	return nil
}

// nextID allocates the next sequence number. Callers hold wmu.
func (s *LevelStore) nextID(b *leveldb.Batch, name string) (uint64, error) {
	k := key(prefixSeq, []byte(name))
	cur, err := s.getID(k)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}
	cur++
	b.Put(k, u64(cur))
	return cur, nil
}

func (s *LevelStore) unique(k []byte, constraint string) error {
	ok, err := s.db.Has(k, nil)
	if err != nil {
		return err
	}
	if ok {
		return &models.ConstraintError{Constraint: constraint}
	}
	return nil
}

func (s *LevelStore) write(b *leveldb.Batch) error {
	if err := s.db.Write(b, nil); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

func scan[T any](s *LevelStore, prefix []byte, keep func(*T) bool) ([]*T, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []*T
	for iter.Next() {
		v := new(T)
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", iter.Key(), err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, iter.Error()
}

// Voters

func (s *LevelStore) CreateVoter(ctx context.Context, v *models.Voter) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	idx := key(prefixVoterIdx, []byte(v.VoterID))
	if err := s.unique(idx, "voters_voter_id_key"); err != nil {
		return err
	}
	b := new(leveldb.Batch)
	id, err := s.nextID(b, "voter")
	if err != nil {
		return err
	}
	v.ID = id
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if err := putJSON(b, key(prefixVoter, u64(id)), v); err != nil {
		return err
	}
	b.Put(idx, u64(id))
	return s.write(b)
}

func (s *LevelStore) GetVoter(ctx context.Context, id uint64) (*models.Voter, error) {
	v := new(models.Voter)
	if err := s.getJSON(key(prefixVoter, u64(id)), v); err != nil {
		return nil, fmt.Errorf("voter %d: %w", id, err)
	}
	return v, nil
}

func (s *LevelStore) GetVoterByVoterID(ctx context.Context, voterID string) (*models.Voter, error) {
	id, err := s.getID(key(prefixVoterIdx, []byte(voterID)))
	if err != nil {
		return nil, fmt.Errorf("voter %q: %w", voterID, err)
	}
	return s.GetVoter(ctx, id)
}

func (s *LevelStore) ListVoters(ctx context.Context, f models.AreaFilter) ([]*models.Voter, error) {
	return scan(s, prefixVoter, func(v *models.Voter) bool { return f.Match(v.Area) })
}

func (s *LevelStore) SetFaceMatched(ctx context.Context, id uint64, matched bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	v, err := s.GetVoter(ctx, id)
	if err != nil {
		return err
	}
	v.FaceMatched = matched
	b := new(leveldb.Batch)
	if err := putJSON(b, key(prefixVoter, u64(id)), v); err != nil {
		return err
	}
	return s.write(b)
}

// Candidates and parties

func (s *LevelStore) CreateCandidate(ctx context.Context, c *models.Candidate) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	idx := nameAreaKey(prefixCandidateIdx, c.Name, c.Area)
	if err := s.unique(idx, "candidates_name_area_key"); err != nil {
		return err
	}
	if c.LedgerID != nil {
		if err := s.unique(key(prefixCandidateLdg, u64(*c.LedgerID)), "candidates_ledger_id_key"); err != nil {
			return err
		}
	}
	b := new(leveldb.Batch)
	id, err := s.nextID(b, "candidate")
	if err != nil {
		return err
	}
	c.ID = id
	if c.LedgerID != nil {
		b.Put(key(prefixCandidateLdg, u64(*c.LedgerID)), u64(id))
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := putJSON(b, key(prefixCandidate, u64(id)), c); err != nil {
		return err
	}
	b.Put(idx, u64(id))
	return s.write(b)
}

func (s *LevelStore) GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error) {
	c := new(models.Candidate)
	if err := s.getJSON(key(prefixCandidate, u64(id)), c); err != nil {
		return nil, fmt.Errorf("candidate %d: %w", id, err)
	}
	return c, nil
}

func (s *LevelStore) ListCandidates(ctx context.Context, f models.AreaFilter) ([]*models.Candidate, error) {
	return scan(s, prefixCandidate, func(c *models.Candidate) bool { return f.Match(c.Area) })
}

func (s *LevelStore) CreateParty(ctx context.Context, p *models.Party) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	idx := nameAreaKey(prefixPartyIdx, p.Name, p.Area)
	if err := s.unique(idx, "parties_name_area_key"); err != nil {
		return err
	}
	if p.LedgerID != nil {
		if err := s.unique(key(prefixPartyLdg, u64(*p.LedgerID)), "parties_ledger_id_key"); err != nil {
			return err
		}
	}
	b := new(leveldb.Batch)
	id, err := s.nextID(b, "party")
	if err != nil {
		return err
	}
	p.ID = id
	if p.LedgerID != nil {
		b.Put(key(prefixPartyLdg, u64(*p.LedgerID)), u64(id))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := putJSON(b, key(prefixParty, u64(id)), p); err != nil {
		return err
	}
	b.Put(idx, u64(id))
	return s.write(b)
}

func (s *LevelStore) GetParty(ctx context.Context, id uint64) (*models.Party, error) {
	p := new(models.Party)
	if err := s.getJSON(key(prefixParty, u64(id)), p); err != nil {
		return nil, fmt.Errorf("party %d: %w", id, err)
	}
	return p, nil
}

func (s *LevelStore) ListParties(ctx context.Context, f models.AreaFilter) ([]*models.Party, error) {
	return scan(s, prefixParty, func(p *models.Party) bool { return f.Match(p.Area) })
}

func (s *LevelStore) RemapLedgerIDs(ctx context.Context, kind models.EntityKind, mapping map[uint64]uint64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	rowPrefix, ldgPrefix, constraint := prefixCandidate, prefixCandidateLdg, "candidates_ledger_id_key"
	if kind == models.KindParty {
		rowPrefix, ldgPrefix, constraint = prefixParty, prefixPartyLdg, "parties_ledger_id_key"
	}

	// build the resulting mapping from the current one and check it stays
	// injective before touching anything
	current := make(map[uint64]uint64) // ledger id -> store id
	iter := s.db.NewIterator(util.BytesPrefix(ldgPrefix), nil)
	for iter.Next() {
		ledgerID := binary.BigEndian.Uint64(iter.Key()[len(ldgPrefix):])
		current[ledgerID] = binary.BigEndian.Uint64(iter.Value())
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	next := make(map[uint64]uint64)
	for ledgerID, storeID := range current {
		if _, remapped := mapping[storeID]; !remapped {
			next[ledgerID] = storeID
		}
	}
	for storeID, ledgerID := range mapping {
		if other, taken := next[ledgerID]; taken && other != storeID {
			return &models.ConstraintError{Constraint: constraint}
		}
		next[ledgerID] = storeID
	}

	b := new(leveldb.Batch)
	for ledgerID, storeID := range current {
		if _, remapped := mapping[storeID]; remapped {
			b.Delete(key(ldgPrefix, u64(ledgerID)))
		}
	}
	for storeID, ledgerID := range mapping {
		rowKey := key(rowPrefix, u64(storeID))
		var err error
		if kind == models.KindParty {
			p := new(models.Party)
			if err = s.getJSON(rowKey, p); err == nil {
				p.LedgerID = models.LedgerRef(ledgerID)
				err = putJSON(b, rowKey, p)
			}
		} else {
			c := new(models.Candidate)
			if err = s.getJSON(rowKey, c); err == nil {
				c.LedgerID = models.LedgerRef(ledgerID)
				err = putJSON(b, rowKey, c)
			}
		}
		if err != nil {
			return fmt.Errorf("%s %d: %w", kind, storeID, err)
		}
		b.Put(key(ldgPrefix, u64(ledgerID)), u64(storeID))
	}
	return s.write(b)
}

// Votes

func (s *LevelStore) upsertCount(b *leveldb.Batch, k models.CountKey, now time.Time) error {
	ck := countKey(k)
	vc := new(models.VoteCount)
	err := s.getJSON(ck, vc)
	switch {
	case errors.Is(err, models.ErrNotFound):
		vc = &models.VoteCount{Kind: k.Kind, EntityID: k.EntityID, Area: k.Area}
	case err != nil:
		return err
	}
	vc.Count++
	vc.LastUpdated = now
	return putJSON(b, ck, vc)
}

func (s *LevelStore) CommitVote(ctx context.Context, v *models.Vote) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	voter, err := s.GetVoter(ctx, v.VoterID)
	if err != nil {
		return err
	}
	cand, err := s.GetCandidate(ctx, v.CandidateID)
	if err != nil {
		return err
	}
	if voter.Area != v.Area || cand.Area != v.Area {
		return &models.ConstraintError{Constraint: "votes_area_consistency"}
	}
	if voter.HasVoted {
		return &models.ConstraintError{Constraint: "voters_has_voted"}
	}
	idx := key(prefixVoteIdx, u64(v.VoterID), areaBytes(v.Area))
	if err := s.unique(idx, "votes_voter_area_key"); err != nil {
		return err
	}

	b := new(leveldb.Batch)
	id, err := s.nextID(b, "vote")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	v.ID = id
	if v.CastAt.IsZero() {
		v.CastAt = now
	}
	if err := putJSON(b, key(prefixVote, u64(id)), v); err != nil {
		return err
	}
	b.Put(idx, u64(id))
	if err := s.upsertCount(b, models.CountKey{Kind: models.KindCandidate, EntityID: v.CandidateID, Area: v.Area}, now); err != nil {
		return err
	}
	voter.HasVoted = true
	if err := putJSON(b, key(prefixVoter, u64(voter.ID)), voter); err != nil {
		return err
	}
	return s.write(b)
}

func (s *LevelStore) CommitIndirectVote(ctx context.Context, v *models.IndirectVote) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	voter, err := s.GetVoter(ctx, v.VoterID)
	if err != nil {
		return err
	}
	party, err := s.GetParty(ctx, v.PartyID)
	if err != nil {
		return err
	}
	if voter.Area != v.Area || party.Area != v.Area {
		return &models.ConstraintError{Constraint: "indirect_votes_area_consistency"}
	}
	idx := key(prefixIndirectIdx, u64(v.VoterID), areaBytes(v.Area))
	if err := s.unique(idx, "indirect_votes_voter_area_key"); err != nil {
		return err
	}

	b := new(leveldb.Batch)
	id, err := s.nextID(b, "indirect")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	v.ID = id
	if v.CastAt.IsZero() {
		v.CastAt = now
	}
	if err := putJSON(b, key(prefixIndirect, u64(id)), v); err != nil {
		return err
	}
	b.Put(idx, u64(id))
	if err := s.upsertCount(b, models.CountKey{Kind: models.KindParty, EntityID: v.PartyID, Area: v.Area}, now); err != nil {
		return err
	}
	return s.write(b)
}

func (s *LevelStore) GetVoteByVoter(ctx context.Context, voterID uint64) (*models.Vote, error) {
	iter := s.db.NewIterator(util.BytesPrefix(key(prefixVoteIdx, u64(voterID))), nil)
	defer iter.Release()
	if !iter.Next() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("vote of voter %d: %w", voterID, models.ErrNotFound)
	}
	v := new(models.Vote)
	if err := s.getJSON(key(prefixVote, iter.Value()), v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *LevelStore) GetIndirectVote(ctx context.Context, voterID uint64, area models.Area) (*models.IndirectVote, error) {
	id, err := s.getID(key(prefixIndirectIdx, u64(voterID), areaBytes(area)))
	if err != nil {
		return nil, fmt.Errorf("party vote of voter %d in %s: %w", voterID, area, err)
	}
	v := new(models.IndirectVote)
	if err := s.getJSON(key(prefixIndirect, u64(id)), v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *LevelStore) ListVotes(ctx context.Context, f models.AreaFilter) ([]*models.Vote, error) {
	return scan(s, prefixVote, func(v *models.Vote) bool { return f.Match(v.Area) })
}

func (s *LevelStore) ListIndirectVotes(ctx context.Context, f models.AreaFilter) ([]*models.IndirectVote, error) {
	return scan(s, prefixIndirect, func(v *models.IndirectVote) bool { return f.Match(v.Area) })
}

// Counts

func (s *LevelStore) IncrementVoteCount(ctx context.Context, k models.CountKey) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	b := new(leveldb.Batch)
	if err := s.upsertCount(b, k, time.Now().UTC()); err != nil {
		return err
	}
	return s.write(b)
}

func (s *LevelStore) ListVoteCounts(ctx context.Context, kind models.EntityKind, f models.AreaFilter) ([]*models.VoteCount, error) {
	prefix := key(prefixCount, []byte(kind), []byte{'/'})
	return scan(s, prefix, func(c *models.VoteCount) bool { return f.Match(c.Area) })
}

func (s *LevelStore) PutVoteCount(ctx context.Context, c *models.VoteCount) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now().UTC()
	}
	b := new(leveldb.Batch)
	if err := putJSON(b, countKey(c.Key()), c); err != nil {
		return err
	}
	return s.write(b)
}

func (s *LevelStore) Wipe(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	b := new(leveldb.Batch)
	for _, prefix := range [][]byte{
		prefixCandidate, prefixCandidateIdx, prefixCandidateLdg,
		prefixParty, prefixPartyIdx, prefixPartyLdg,
		prefixVote, prefixVoteIdx, prefixIndirect, prefixIndirectIdx,
		prefixCount,
	} {
		iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for iter.Next() {
			b.Delete(append([]byte{}, iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}
	voters, err := scan[models.Voter](s, prefixVoter, nil)
	if err != nil {
		return err
	}
	for _, v := range voters {
		if !v.HasVoted {
			continue
		}
		v.HasVoted = false
		if err := putJSON(b, key(prefixVoter, u64(v.ID)), v); err != nil {
			return err
		}
	}
	log.Warnf("Wiping record store: %d keys removed or reset", b.Len())
	return s.write(b)
}
