package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ballot-ledger/models"

	"github.com/lib/pq"
)

type PostgresConfig struct {
	// URL is a complete connection string. It takes precedence over the
	// individual fields.
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	// ConnectRetries is how often the initial ping is retried.
	ConnectRetries int
	RetryDelay     time.Duration
}

func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// PostgresStore is the relational RecordStore.
type PostgresStore struct {
	db *sql.DB
}

var _ RecordStore = (*PostgresStore)(nil)

// OpenPostgres connects, waits for the database to come up and applies the
// embedded schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for i := 0; i < retries; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Warnf("Waiting for database (%d/%d): %v", i+1, retries, err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := RunMigrations(db, SchemaMigrations()); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.URL != "" {
		log.Infof("Connected to postgres")
	} else {
		log.Infof("Connected to postgres %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// mapError translates driver errors into the store's error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return &models.ConstraintError{Constraint: pqErr.Constraint}
		case "23503":
			return fmt.Errorf("%w: %s", models.ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

// areaWhere turns a filter into parameterized predicates appended to args.
func areaWhere(f models.AreaFilter, args []interface{}) (string, []interface{}) {
	var conds []string
	if f.District != "" {
		args = append(args, f.District)
		conds = append(conds, fmt.Sprintf("district = $%d", len(args)))
	}
	if f.AreaNo != 0 {
		args = append(args, f.AreaNo)
		conds = append(conds, fmt.Sprintf("area_no = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullLedger(id *uint64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func fromNullLedger(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	return models.LedgerRef(uint64(n.Int64))
}

// Voters

const voterColumns = "id, voter_id, name, date_of_birth, district, area_no, face_template, face_matched, has_voted, created_at"

func scanVoter(r rowScanner) (*models.Voter, error) {
	var (
		v   models.Voter
		dob time.Time
	)
	err := r.Scan(&v.ID, &v.VoterID, &v.Name, &dob, &v.Area.District, &v.Area.AreaNo,
		&v.FaceTemplate, &v.FaceMatched, &v.HasVoted, &v.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	v.DateOfBirth = dob.Format(models.DateLayout)
	return &v, nil
}

func (s *PostgresStore) CreateVoter(ctx context.Context, v *models.Voter) error {
	dob, err := time.Parse(models.DateLayout, v.DateOfBirth)
	if err != nil {
		return models.NewValidationError("date_of_birth", err.Error())
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO voters
		(voter_id, name, date_of_birth, district, area_no, face_template, face_matched, has_voted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE) RETURNING id, created_at`,
		v.VoterID, v.Name, dob, v.Area.District, v.Area.AreaNo, v.FaceTemplate, v.FaceMatched,
	).Scan(&v.ID, &v.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetVoter(ctx context.Context, id uint64) (*models.Voter, error) {
	v, err := scanVoter(s.db.QueryRowContext(ctx, "SELECT "+voterColumns+" FROM voters WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("voter %d: %w", id, err)
	}
	return v, nil
}

func (s *PostgresStore) GetVoterByVoterID(ctx context.Context, voterID string) (*models.Voter, error) {
	v, err := scanVoter(s.db.QueryRowContext(ctx, "SELECT "+voterColumns+" FROM voters WHERE voter_id = $1", voterID))
	if err != nil {
		return nil, fmt.Errorf("voter %q: %w", voterID, err)
	}
	return v, nil
}

func (s *PostgresStore) ListVoters(ctx context.Context, f models.AreaFilter) ([]*models.Voter, error) {
	where, args := areaWhere(f, nil)
	rows, err := s.db.QueryContext(ctx, "SELECT "+voterColumns+" FROM voters"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Voter
	for rows.Next() {
		v, err := scanVoter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetFaceMatched(ctx context.Context, id uint64, matched bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE voters SET face_matched = $2 WHERE id = $1", id, matched)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("voter %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// Candidates and parties

const candidateColumns = "id, ledger_id, name, party, position, district, area_no, photo_url, logo_url, recovered, created_at"

func scanCandidate(r rowScanner) (*models.Candidate, error) {
	var (
		c      models.Candidate
		ledger sql.NullInt64
	)
	err := r.Scan(&c.ID, &ledger, &c.Name, &c.Party, &c.Position, &c.Area.District, &c.Area.AreaNo,
		&c.PhotoURL, &c.LogoURL, &c.Recovered, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	c.LedgerID = fromNullLedger(ledger)
	return &c, nil
}

func (s *PostgresStore) CreateCandidate(ctx context.Context, c *models.Candidate) error {
	err := s.db.QueryRowContext(ctx, `INSERT INTO candidates
		(ledger_id, name, party, position, district, area_no, photo_url, logo_url, recovered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		nullLedger(c.LedgerID), c.Name, c.Party, c.Position, c.Area.District, c.Area.AreaNo,
		c.PhotoURL, c.LogoURL, c.Recovered,
	).Scan(&c.ID, &c.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id uint64) (*models.Candidate, error) {
	c, err := scanCandidate(s.db.QueryRowContext(ctx, "SELECT "+candidateColumns+" FROM candidates WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("candidate %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, f models.AreaFilter) ([]*models.Candidate, error) {
	where, args := areaWhere(f, nil)
	rows, err := s.db.QueryContext(ctx, "SELECT "+candidateColumns+" FROM candidates"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const partyColumns = "id, ledger_id, name, logo_url, district, area_no, recovered, created_at"

func scanParty(r rowScanner) (*models.Party, error) {
	var (
		p      models.Party
		ledger sql.NullInt64
	)
	err := r.Scan(&p.ID, &ledger, &p.Name, &p.LogoURL, &p.Area.District, &p.Area.AreaNo, &p.Recovered, &p.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	p.LedgerID = fromNullLedger(ledger)
	return &p, nil
}

func (s *PostgresStore) CreateParty(ctx context.Context, p *models.Party) error {
	err := s.db.QueryRowContext(ctx, `INSERT INTO parties
		(ledger_id, name, logo_url, district, area_no, recovered)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		nullLedger(p.LedgerID), p.Name, p.LogoURL, p.Area.District, p.Area.AreaNo, p.Recovered,
	).Scan(&p.ID, &p.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetParty(ctx context.Context, id uint64) (*models.Party, error) {
	p, err := scanParty(s.db.QueryRowContext(ctx, "SELECT "+partyColumns+" FROM parties WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("party %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListParties(ctx context.Context, f models.AreaFilter) ([]*models.Party, error) {
	where, args := areaWhere(f, nil)
	rows, err := s.db.QueryContext(ctx, "SELECT "+partyColumns+" FROM parties"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemapLedgerIDs clears the affected ids first so swaps between rows do not
// trip the unique constraint halfway through.
func (s *PostgresStore) RemapLedgerIDs(ctx context.Context, kind models.EntityKind, mapping map[uint64]uint64) error {
	table := "candidates"
	if kind == models.KindParty {
		table = "parties"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids := make([]int64, 0, len(mapping))
		for storeID := range mapping {
			ids = append(ids, int64(storeID))
		}
		if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET ledger_id = NULL WHERE id = ANY($1)", pq.Array(ids)); err != nil {
			return mapError(err)
		}
		for storeID, ledgerID := range mapping {
			res, err := tx.ExecContext(ctx, "UPDATE "+table+" SET ledger_id = $2 WHERE id = $1", storeID, ledgerID)
			if err != nil {
				return mapError(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%s %d: %w", kind, storeID, models.ErrNotFound)
			}
		}
		return nil
	})
}

// Votes

const incrementCount = `INSERT INTO vote_counts (kind, entity_id, district, area_no, count, last_updated)
	VALUES ($1, $2, $3, $4, 1, now())
	ON CONFLICT (kind, entity_id, district, area_no)
	DO UPDATE SET count = vote_counts.count + 1, last_updated = EXCLUDED.last_updated`

func (s *PostgresStore) CommitVote(ctx context.Context, v *models.Vote) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// 1. Flip has_voted, which also locks the voter row
		var voterArea models.Area
		err := tx.QueryRowContext(ctx, `UPDATE voters SET has_voted = TRUE
			WHERE id = $1 AND has_voted = FALSE RETURNING district, area_no`, v.VoterID,
		).Scan(&voterArea.District, &voterArea.AreaNo)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM voters WHERE id = $1)", v.VoterID).Scan(&exists); err != nil {
				return mapError(err)
			}
			if !exists {
				return fmt.Errorf("voter %d: %w", v.VoterID, models.ErrNotFound)
			}
			return &models.ConstraintError{Constraint: "voters_has_voted"}
		}
		if err != nil {
			return mapError(err)
		}

		// 2. Check area consistency against voter and candidate
		var candArea models.Area
		err = tx.QueryRowContext(ctx, "SELECT district, area_no FROM candidates WHERE id = $1", v.CandidateID).
			Scan(&candArea.District, &candArea.AreaNo)
		if err != nil {
			return fmt.Errorf("candidate %d: %w", v.CandidateID, mapError(err))
		}
		if voterArea != v.Area || candArea != v.Area {
			return &models.ConstraintError{Constraint: "votes_area_consistency"}
		}

		// 3. Insert the vote
		err = tx.QueryRowContext(ctx, `INSERT INTO votes
			(voter_id, candidate_id, district, area_no, tx_hash, block_number)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, cast_at`,
			v.VoterID, v.CandidateID, v.Area.District, v.Area.AreaNo, v.Tx.Hash, v.Tx.BlockNumber,
		).Scan(&v.ID, &v.CastAt)
		if err != nil {
			return mapError(err)
		}

		// 4. Increment or create the aggregate
		_, err = tx.ExecContext(ctx, incrementCount, models.KindCandidate, v.CandidateID, v.Area.District, v.Area.AreaNo)
		return mapError(err)
	})
}

func (s *PostgresStore) CommitIndirectVote(ctx context.Context, v *models.IndirectVote) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var voterArea, partyArea models.Area
		err := tx.QueryRowContext(ctx, "SELECT district, area_no FROM voters WHERE id = $1 FOR UPDATE", v.VoterID).
			Scan(&voterArea.District, &voterArea.AreaNo)
		if err != nil {
			return fmt.Errorf("voter %d: %w", v.VoterID, mapError(err))
		}
		err = tx.QueryRowContext(ctx, "SELECT district, area_no FROM parties WHERE id = $1", v.PartyID).
			Scan(&partyArea.District, &partyArea.AreaNo)
		if err != nil {
			return fmt.Errorf("party %d: %w", v.PartyID, mapError(err))
		}
		if voterArea != v.Area || partyArea != v.Area {
			return &models.ConstraintError{Constraint: "indirect_votes_area_consistency"}
		}

		err = tx.QueryRowContext(ctx, `INSERT INTO indirect_votes
			(voter_id, party_id, district, area_no, tx_hash, block_number)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, cast_at`,
			v.VoterID, v.PartyID, v.Area.District, v.Area.AreaNo, v.Tx.Hash, v.Tx.BlockNumber,
		).Scan(&v.ID, &v.CastAt)
		if err != nil {
			return mapError(err)
		}
		_, err = tx.ExecContext(ctx, incrementCount, models.KindParty, v.PartyID, v.Area.District, v.Area.AreaNo)
		return mapError(err)
	})
}

const voteColumns = "id, voter_id, candidate_id, district, area_no, tx_hash, block_number, cast_at"

func scanVote(r rowScanner) (*models.Vote, error) {
	var v models.Vote
	err := r.Scan(&v.ID, &v.VoterID, &v.CandidateID, &v.Area.District, &v.Area.AreaNo, &v.Tx.Hash, &v.Tx.BlockNumber, &v.CastAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &v, nil
}

const indirectColumns = "id, voter_id, party_id, district, area_no, tx_hash, block_number, cast_at"

func scanIndirect(r rowScanner) (*models.IndirectVote, error) {
	var v models.IndirectVote
	err := r.Scan(&v.ID, &v.VoterID, &v.PartyID, &v.Area.District, &v.Area.AreaNo, &v.Tx.Hash, &v.Tx.BlockNumber, &v.CastAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &v, nil
}

func (s *PostgresStore) GetVoteByVoter(ctx context.Context, voterID uint64) (*models.Vote, error) {
	v, err := scanVote(s.db.QueryRowContext(ctx, "SELECT "+voteColumns+" FROM votes WHERE voter_id = $1 ORDER BY id LIMIT 1", voterID))
	if err != nil {
		return nil, fmt.Errorf("vote of voter %d: %w", voterID, err)
	}
	return v, nil
}

func (s *PostgresStore) GetIndirectVote(ctx context.Context, voterID uint64, area models.Area) (*models.IndirectVote, error) {
	v, err := scanIndirect(s.db.QueryRowContext(ctx, "SELECT "+indirectColumns+
		" FROM indirect_votes WHERE voter_id = $1 AND district = $2 AND area_no = $3", voterID, area.District, area.AreaNo))
	if err != nil {
		return nil, fmt.Errorf("party vote of voter %d in %s: %w", voterID, area, err)
	}
	return v, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, f models.AreaFilter) ([]*models.Vote, error) {
	where, args := areaWhere(f, nil)
	rows, err := s.db.QueryContext(ctx, "SELECT "+voteColumns+" FROM votes"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListIndirectVotes(ctx context.Context, f models.AreaFilter) ([]*models.IndirectVote, error) {
	where, args := areaWhere(f, nil)
	rows, err := s.db.QueryContext(ctx, "SELECT "+indirectColumns+" FROM indirect_votes"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.IndirectVote
	for rows.Next() {
		v, err := scanIndirect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts

func (s *PostgresStore) IncrementVoteCount(ctx context.Context, k models.CountKey) error {
	_, err := s.db.ExecContext(ctx, incrementCount, k.Kind, k.EntityID, k.Area.District, k.Area.AreaNo)
	return mapError(err)
}

func (s *PostgresStore) ListVoteCounts(ctx context.Context, kind models.EntityKind, f models.AreaFilter) ([]*models.VoteCount, error) {
	where, args := areaWhere(f, []interface{}{kind})
	if where == "" {
		where = " WHERE kind = $1"
	} else {
		where += " AND kind = $1"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, entity_id, district, area_no, count, last_updated
		FROM vote_counts`+where+" ORDER BY entity_id, district, area_no", args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*models.VoteCount
	for rows.Next() {
		var c models.VoteCount
		if err := rows.Scan(&c.Kind, &c.EntityID, &c.Area.District, &c.Area.AreaNo, &c.Count, &c.LastUpdated); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutVoteCount(ctx context.Context, c *models.VoteCount) error {
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO vote_counts (kind, entity_id, district, area_no, count, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, entity_id, district, area_no)
		DO UPDATE SET count = EXCLUDED.count, last_updated = EXCLUDED.last_updated`,
		c.Kind, c.EntityID, c.Area.District, c.Area.AreaNo, c.Count, c.LastUpdated)
	return mapError(err)
}

func (s *PostgresStore) Wipe(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"TRUNCATE votes, indirect_votes, vote_counts, candidates, parties RESTART IDENTITY"); err != nil {
			return mapError(err)
		}
		res, err := tx.ExecContext(ctx, "UPDATE voters SET has_voted = FALSE WHERE has_voted")
		if err != nil {
			return mapError(err)
		}
		n, _ := res.RowsAffected()
		log.Warnf("Wiped record store, reset %d voters", n)
		return nil
	})
}
