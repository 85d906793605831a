package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"ballot-ledger/models"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMarker      = []byte("marker")
	bucketDivergences = []byte("divergences")
	markerKey         = []byte("endpoint")
)

// AuditDB keeps the state that must survive a store wipe: the acknowledged
// ledger endpoint and the journal of detected divergences.
type AuditDB struct {
	db *bolt.DB
}

func OpenAuditDB(path string) (*AuditDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMarker, bucketDivergences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init audit db: %w", err)
	}
	return &AuditDB{db: db}, nil
}

func (a *AuditDB) Close() error {
	return a.db.Close()
}

// LoadMarker returns nil when no endpoint has been acknowledged yet.
func (a *AuditDB) LoadMarker() (*models.Marker, error) {
	var m *models.Marker
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMarker).Get(markerKey)
		if data == nil {
			return nil
		}
		m = new(models.Marker)
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint marker: %w", err)
	}
	return m, nil
}

func (a *AuditDB) SaveMarker(m *models.Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMarker).Put(markerKey, data)
	})
}

func (a *AuditDB) DeleteMarker() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMarker).Delete(markerKey)
	})
}

// RecordDivergence appends d to the journal.
func (a *AuditDB) RecordDivergence(d *models.Divergence) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDivergences)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(u64(seq), data)
	})
}

// ListDivergences returns up to limit journal entries, newest first. A
// limit of zero returns everything.
func (a *AuditDB) ListDivergences(limit int) ([]*models.Divergence, error) {
	var out []*models.Divergence
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDivergences).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			d := new(models.Divergence)
			if err := json.Unmarshal(v, d); err != nil {
				return err
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
