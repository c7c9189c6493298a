// Package storage is the local durable KV layer backing C7's data-sync
// collections and C8/C6's persisted caches: one bbolt bucket per entity
// kind, JSON-marshaled records, exactly the bucket-per-entity-kind shape
// of pkg/storage/boltdb.go, generalized from a fixed bucket list to
// CreateBucketIfNotExists called on demand per key so new DataSyncHandler
// registrations don't require a storage.go edit.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Store wraps one bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) "<dataDir>/fleetwright.db".
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fleetwright.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Put upserts one JSON-marshaled record keyed by id, in bucket.
func (s *Store) Put(bucket, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", bucket, id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
		}
		return b.Put([]byte(id), data)
	})
}

// PutRaw upserts an already-encoded record, used by the data-sync
// handlers which already hold json.RawMessage bytes.
func (s *Store) PutRaw(bucket, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
		}
		return b.Put([]byte(id), data)
	})
}

// Get decodes the record at bucket/id into out. Returns (false, nil) if
// absent.
func (s *Store) Get(bucket, id string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

// GetRaw returns the raw bytes at bucket/id, or nil if absent.
func (s *Store) GetRaw(bucket, id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// Delete removes bucket/id. No-op if absent.
func (s *Store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// ForEach calls fn with the raw stored bytes of every record in bucket, in
// key order. Used by DataSyncHandler.Collect implementations.
func (s *Store) ForEach(bucket string, fn func(id string, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// IterateChunk reads up to limit records starting at offset (by key
// order); fleetwright-migrate's migrateBucket calls it at offsets 0,
// chunkSize, 2*chunkSize, ...
func (s *Store) IterateChunk(bucket string, offset, limit int) (map[string][]byte, error) {
	out := make(map[string][]byte, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < offset {
				i++
				continue
			}
			if len(out) >= limit {
				break
			}
			out[string(k)] = append([]byte(nil), v...)
			i++
		}
		return nil
	})
	return out, err
}

// Count returns the number of records in bucket.
func (s *Store) Count(bucket string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
