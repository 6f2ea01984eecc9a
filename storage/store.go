package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/cloudwatcher/types"
)

// kvStore implements Store over any backend
type kvStore struct {
	b   backend
	now func() time.Time
}

func newKVStore(b backend) *kvStore {
	return &kvStore{b: b, now: time.Now}
}

func (s *kvStore) view(ctx context.Context, op string, fn func(tx txn) error) error {
	if err := ctx.Err(); err != nil {
		return types.NewPersistenceError(op, err)
	}
	return wrapErr(op, s.b.view(fn))
}

func (s *kvStore) update(ctx context.Context, op string, fn func(tx txn) error) error {
	if err := ctx.Err(); err != nil {
		return types.NewPersistenceError(op, err)
	}
	return wrapErr(op, s.b.update(fn))
}

// wrapErr classifies backend failures as persistence errors, leaving
// not-found and already-exists conditions for callers to match.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return types.NewPersistenceError(op, err)
}

// Accounts

// CreateAccount stores a new account; the id must be unused
func (s *kvStore) CreateAccount(ctx context.Context, acct types.Account) error {
	if acct.ID == "" {
		return fmt.Errorf("create account: empty id")
	}
	return s.update(ctx, "create account", func(tx txn) error {
		if tx.get(bucketAccounts, []byte(acct.ID)) != nil {
			return fmt.Errorf("account %s: %w", acct.ID, ErrAlreadyExists)
		}
		return putAccount(tx, acct)
	})
}

// GetAccount loads one account including its credentials blob
func (s *kvStore) GetAccount(ctx context.Context, id string) (types.Account, error) {
	var acct types.Account
	err := s.view(ctx, "get account", func(tx txn) error {
		var err error
		acct, err = getAccount(tx, id)
		return err
	})
	return acct, err
}

// ListAccounts returns all accounts ordered by id
func (s *kvStore) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	err := s.view(ctx, "list accounts", func(tx txn) error {
		var decodeErr error
		scanErr := tx.scan(bucketAccounts, nil, func(_, v []byte) bool {
			acct, err := types.UnmarshalStoredAccount(v)
			if err != nil {
				decodeErr = fmt.Errorf("decode account: %w", err)
				return false
			}
			out = append(out, acct)
			return true
		})
		if scanErr != nil {
			return scanErr
		}
		return decodeErr
	})
	return out, err
}

// UpdateAccount overwrites an existing account
func (s *kvStore) UpdateAccount(ctx context.Context, acct types.Account) error {
	return s.update(ctx, "update account", func(tx txn) error {
		if _, err := getAccount(tx, acct.ID); err != nil {
			return err
		}
		return putAccount(tx, acct)
	})
}

// UpdateAccountStatus applies the non-nil fields of update
func (s *kvStore) UpdateAccountStatus(ctx context.Context, id string, update types.AccountStatusUpdate) error {
	return s.update(ctx, "update account status", func(tx txn) error {
		acct, err := getAccount(tx, id)
		if err != nil {
			return err
		}
		update.Apply(&acct)
		return putAccount(tx, acct)
	})
}

// DeleteAccount removes the account with its instances and recommendations
func (s *kvStore) DeleteAccount(ctx context.Context, id string) error {
	return s.update(ctx, "delete account", func(tx txn) error {
		if _, err := getAccount(tx, id); err != nil {
			return err
		}
		if err := tx.delete(bucketAccounts, []byte(id)); err != nil {
			return err
		}
		if err := deletePrefix(tx, bucketInstances, accountPrefix(id)); err != nil {
			return err
		}
		return deletePrefix(tx, bucketRecommendations, accountPrefix(id))
	})
}

func getAccount(tx txn, id string) (types.Account, error) {
	data := tx.get(bucketAccounts, []byte(id))
	if data == nil {
		return types.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	acct, err := types.UnmarshalStoredAccount(data)
	if err != nil {
		return types.Account{}, fmt.Errorf("decode account %s: %w", id, err)
	}
	return acct, nil
}

func putAccount(tx txn, acct types.Account) error {
	data, err := acct.MarshalStored()
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.ID, err)
	}
	return tx.put(bucketAccounts, []byte(acct.ID), data)
}

// Instances

// GetInstances returns the stored snapshot of one account
func (s *kvStore) GetInstances(ctx context.Context, accountID string) ([]types.Instance, error) {
	return s.ListInstances(ctx, types.InstanceFilter{AccountID: accountID})
}

// ListInstances returns stored instances matching filter, ordered by
// account then identity and paged by filter.Offset and filter.Limit
func (s *kvStore) ListInstances(ctx context.Context, filter types.InstanceFilter) ([]types.Instance, error) {
	var prefix []byte
	if filter.AccountID != "" {
		prefix = accountPrefix(filter.AccountID)
	}

	var out []types.Instance
	err := s.view(ctx, "list instances", func(tx txn) error {
		var decodeErr error
		skip := filter.Offset
		scanErr := tx.scan(bucketInstances, prefix, func(_, v []byte) bool {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				decodeErr = fmt.Errorf("decode instance: %w", err)
				return false
			}
			if !filter.Matches(&inst) {
				return true
			}
			if skip > 0 {
				skip--
				return true
			}
			out = append(out, inst)
			return filter.Limit <= 0 || len(out) < filter.Limit
		})
		if scanErr != nil {
			return scanErr
		}
		return decodeErr
	})
	return out, err
}

// ReplaceInstances makes instances the account's entire snapshot
func (s *kvStore) ReplaceInstances(ctx context.Context, accountID string, instances []types.Instance) error {
	return s.update(ctx, "replace instances", func(tx txn) error {
		if err := deletePrefix(tx, bucketInstances, accountPrefix(accountID)); err != nil {
			return err
		}
		for i := range instances {
			inst := instances[i]
			inst.AccountID = accountID
			if err := putInstance(tx, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertInstances writes instances keyed by (account, identity)
func (s *kvStore) UpsertInstances(ctx context.Context, instances []types.Instance) error {
	return s.update(ctx, "upsert instances", func(tx txn) error {
		for _, inst := range instances {
			if inst.AccountID == "" {
				return fmt.Errorf("instance %s has no account id", inst.Identity().Key())
			}
			if err := putInstance(tx, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteInstancesForAccount removes every stored instance of the account
func (s *kvStore) DeleteInstancesForAccount(ctx context.Context, accountID string) error {
	return s.update(ctx, "delete instances", func(tx txn) error {
		return deletePrefix(tx, bucketInstances, accountPrefix(accountID))
	})
}

func putInstance(tx txn, inst types.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.Identity().Key(), err)
	}
	return tx.put(bucketInstances, instanceKey(inst.AccountID, inst.Identity()), data)
}

// Recommendations

// ReplaceRecommendations swaps the account's recommendation set. A
// regenerated finding keeps its original CreatedAt and any dismissed or
// resolved status.
func (s *kvStore) ReplaceRecommendations(ctx context.Context, accountID string, recs []types.Recommendation) error {
	return s.update(ctx, "replace recommendations", func(tx txn) error {
		existing := make(map[string]types.Recommendation)
		var decodeErr error
		err := tx.scan(bucketRecommendations, accountPrefix(accountID), func(_, v []byte) bool {
			var rec types.Recommendation
			if err := json.Unmarshal(v, &rec); err != nil {
				decodeErr = fmt.Errorf("decode recommendation: %w", err)
				return false
			}
			existing[rec.StatusKey()] = rec
			return true
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			return decodeErr
		}

		if err := deletePrefix(tx, bucketRecommendations, accountPrefix(accountID)); err != nil {
			return err
		}

		for _, rec := range recs {
			rec.AccountID = accountID
			if rec.Status == "" {
				rec.Status = types.RecommendationOpen
			}
			if prev, ok := existing[rec.StatusKey()]; ok {
				if !prev.CreatedAt.IsZero() {
					rec.CreatedAt = prev.CreatedAt
				}
				if prev.Status != types.RecommendationOpen {
					rec.Status = prev.Status
					rec.UpdatedAt = prev.UpdatedAt
				}
			}
			if err := putRecommendation(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecommendations returns recommendations matching filter
func (s *kvStore) ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]types.Recommendation, error) {
	var prefix []byte
	if filter.AccountID != "" {
		prefix = accountPrefix(filter.AccountID)
	}

	var out []types.Recommendation
	err := s.view(ctx, "list recommendations", func(tx txn) error {
		var decodeErr error
		scanErr := tx.scan(bucketRecommendations, prefix, func(_, v []byte) bool {
			var rec types.Recommendation
			if err := json.Unmarshal(v, &rec); err != nil {
				decodeErr = fmt.Errorf("decode recommendation: %w", err)
				return false
			}
			if filter.Matches(&rec) {
				out = append(out, rec)
			}
			return true
		})
		if scanErr != nil {
			return scanErr
		}
		return decodeErr
	})
	return out, err
}

// UpdateRecommendationStatus sets the status of the recommendation with id
func (s *kvStore) UpdateRecommendationStatus(ctx context.Context, id string, status types.RecommendationStatus) (types.Recommendation, error) {
	var updated types.Recommendation
	err := s.update(ctx, "update recommendation", func(tx txn) error {
		var found bool
		var decodeErr error
		err := tx.scan(bucketRecommendations, nil, func(_, v []byte) bool {
			var rec types.Recommendation
			if err := json.Unmarshal(v, &rec); err != nil {
				decodeErr = fmt.Errorf("decode recommendation: %w", err)
				return false
			}
			if rec.ID == id {
				updated = rec
				found = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			return decodeErr
		}
		if !found {
			return fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
		}

		updated.Status = status
		updated.UpdatedAt = s.now().UTC()
		return putRecommendation(tx, updated)
	})
	return updated, err
}

func putRecommendation(tx txn, rec types.Recommendation) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recommendation %s: %w", rec.ID, err)
	}
	return tx.put(bucketRecommendations, recommendationKey(rec.AccountID, rec.ID), data)
}

// Sync logs

// AppendSyncLog inserts entry and returns its assigned sequence
func (s *kvStore) AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) (uint64, error) {
	var seq uint64
	err := s.update(ctx, "append sync log", func(tx txn) error {
		var err error
		seq, err = tx.nextSequence(bucketSyncLogs)
		if err != nil {
			return err
		}
		entry.Sequence = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode sync log: %w", err)
		}
		return tx.put(bucketSyncLogs, sequenceKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListSyncLogs returns up to limit entries, newest first. The limit is
// clamped to [1, MaxLogLimit].
func (s *kvStore) ListSyncLogs(ctx context.Context, limit int) ([]types.SyncLogEntry, error) {
	limit = ClampLimit(limit)

	var out []types.SyncLogEntry
	err := s.view(ctx, "list sync logs", func(tx txn) error {
		var decodeErr error
		scanErr := tx.scanReverse(bucketSyncLogs, func(_, v []byte) bool {
			var entry types.SyncLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				decodeErr = fmt.Errorf("decode sync log: %w", err)
				return false
			}
			out = append(out, entry)
			return len(out) < limit
		})
		if scanErr != nil {
			return scanErr
		}
		return decodeErr
	})
	return out, err
}
