// Package meta persists small coordinator metadata in a key-value store.
//
// Nothing here is required for correctness: every value can be rebuilt
// from configuration and re-ingestion. The coordinator runs unchanged
// against Noop.
package meta

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store closed")
)

// Store is a flat key-value store.
type Store interface {
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	// Backup writes a consistent copy of the store to path.
	Backup(path string) error
	Close() error
}

// Noop stores nothing. Read always returns ErrNotFound.
type Noop struct{}

func (Noop) Read(string) ([]byte, error) { return nil, ErrNotFound }
func (Noop) Write(string, []byte) error  { return nil }
func (Noop) Backup(string) error         { return nil }
func (Noop) Close() error                { return nil }

var bucket = []byte("meta")

// Bolt is a Store backed by a bbolt file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init meta store: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Read(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return out, err
}

func (s *Bolt) Write(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (s *Bolt) Backup(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

func (s *Bolt) Close() error { return s.db.Close() }
