package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore persists everything in a single bbolt file
type BoltStore struct {
	*kvStore
	db   *bbolt.DB
	path string
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	b := &boltBackend{db: db}
	return &BoltStore{kvStore: newKVStore(b), db: db, path: path}, nil
}

// Path returns the database file location
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltBackend struct {
	db *bbolt.DB
}

func (b *boltBackend) view(fn func(tx txn) error) error {
	return b.db.View(func(tx *bbolt.Tx) error { return fn(boltTxn{tx}) })
}

func (b *boltBackend) update(fn func(tx txn) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error { return fn(boltTxn{tx}) })
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

type boltTxn struct {
	tx *bbolt.Tx
}

func (t boltTxn) bucket(name string) (*bbolt.Bucket, error) {
	bkt := t.tx.Bucket([]byte(name))
	if bkt == nil {
		return nil, fmt.Errorf("bucket %s missing", name)
	}
	return bkt, nil
}

func (t boltTxn) get(bucket string, key []byte) []byte {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return nil
	}
	v := bkt.Get(key)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

func (t boltTxn) put(bucket string, key, value []byte) error {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return bkt.Put(key, value)
}

func (t boltTxn) delete(bucket string, key []byte) error {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return bkt.Delete(key)
}

func (t boltTxn) scan(bucket string, prefix []byte, fn func(k, v []byte) bool) error {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	c := bkt.Cursor()
	k, v := c.First()
	if len(prefix) > 0 {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (t boltTxn) scanReverse(bucket string, fn func(k, v []byte) bool) error {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	c := bkt.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (t boltTxn) nextSequence(bucket string) (uint64, error) {
	bkt, err := t.bucket(bucket)
	if err != nil {
		return 0, err
	}
	return bkt.NextSequence()
}
