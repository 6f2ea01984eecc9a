package storage

import (
	"encoding/binary"

	"github.com/yairfalse/cloudwatcher/types"
)

// Bucket names
const (
	bucketAccounts        = "accounts"
	bucketInstances       = "instances"
	bucketRecommendations = "recommendations"
	bucketSyncLogs        = "sync_logs"
)

var allBuckets = []string{bucketAccounts, bucketInstances, bucketRecommendations, bucketSyncLogs}

// keySep separates the account prefix from the rest of a key
const keySep = "\x00"

// backend is a transactional ordered key-value engine
type backend interface {
	view(fn func(tx txn) error) error
	update(fn func(tx txn) error) error
	close() error
}

// txn operations. Slices passed to scan callbacks are only valid inside
// the callback.
type txn interface {
	get(bucket string, key []byte) []byte
	put(bucket string, key, value []byte) error
	delete(bucket string, key []byte) error
	// scan visits keys with prefix in ascending order until fn returns false
	scan(bucket string, prefix []byte, fn func(k, v []byte) bool) error
	// scanReverse visits every key in descending order until fn returns false
	scanReverse(bucket string, fn func(k, v []byte) bool) error
	nextSequence(bucket string) (uint64, error)
}

func accountPrefix(accountID string) []byte {
	return []byte(accountID + keySep)
}

func instanceKey(accountID string, id types.Identity) []byte {
	return []byte(accountID + keySep + id.Key())
}

func recommendationKey(accountID, id string) []byte {
	return []byte(accountID + keySep + id)
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// deletePrefix removes every key under prefix
func deletePrefix(tx txn, bucket string, prefix []byte) error {
	var keys [][]byte
	err := tx.scan(bucket, prefix, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.delete(bucket, k); err != nil {
			return err
		}
	}
	return nil
}
