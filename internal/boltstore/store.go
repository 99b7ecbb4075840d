// Package boltstore is the single-file embedded backend. It stores both the
// credit ledger and generation tasks in one BoltDB file so a node can run
// without Postgres or Redis.
package boltstore

import (
	"time"

	bolt "github.com/boltdb/bolt"
)

var (
	bucketAccounts     = []byte("accounts")
	bucketReservations = []byte("reservations")
	bucketGrants       = []byte("grants")
	bucketEntries      = []byte("entries")
	bucketTasks        = []byte("tasks")
)

// Store wraps a BoltDB database. Bolt allows one writer at a time, so every
// read-check-write inside db.Update is atomic without extra locking.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketReservations, bucketGrants, bucketEntries, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
