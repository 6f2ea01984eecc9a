// Package storage persists accounts, instance snapshots, recommendations
// and the sync log. BoltStore is the durable implementation; MemoryStore
// keeps everything in copy-on-write btrees.
package storage

import (
	"context"
	"errors"

	"github.com/yairfalse/cloudwatcher/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a duplicate account
	ErrAlreadyExists = errors.New("already exists")
)

// Sync log listing bounds
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 500
)

// ClampLimit bounds a sync log limit to [1, MaxLogLimit]
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLogLimit {
		return MaxLogLimit
	}
	return limit
}

// AccountStore manages registered accounts
type AccountStore interface {
	CreateAccount(ctx context.Context, acct types.Account) error
	GetAccount(ctx context.Context, id string) (types.Account, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	UpdateAccount(ctx context.Context, acct types.Account) error
	UpdateAccountStatus(ctx context.Context, id string, update types.AccountStatusUpdate) error
	// DeleteAccount removes the account with its instances and recommendations
	DeleteAccount(ctx context.Context, id string) error
}

// InstanceStore manages per-account instance snapshots
type InstanceStore interface {
	GetInstances(ctx context.Context, accountID string) ([]types.Instance, error)
	ListInstances(ctx context.Context, filter types.InstanceFilter) ([]types.Instance, error)
	// ReplaceInstances deletes the account's rows and inserts instances in one transaction
	ReplaceInstances(ctx context.Context, accountID string, instances []types.Instance) error
	UpsertInstances(ctx context.Context, instances []types.Instance) error
	DeleteInstancesForAccount(ctx context.Context, accountID string) error
}

// RecommendationStore manages generated recommendations
type RecommendationStore interface {
	// ReplaceRecommendations swaps the account's set, keeping non-open
	// statuses of matching (rule, resource) pairs
	ReplaceRecommendations(ctx context.Context, accountID string, recs []types.Recommendation) error
	ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]types.Recommendation, error)
	UpdateRecommendationStatus(ctx context.Context, id string, status types.RecommendationStatus) (types.Recommendation, error)
}

// SyncLogStore is the append-only run history
type SyncLogStore interface {
	AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) (uint64, error)
	// ListSyncLogs returns the most recent entries first
	ListSyncLogs(ctx context.Context, limit int) ([]types.SyncLogEntry, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete storage interface combining all capabilities
type Store interface {
	AccountStore
	InstanceStore
	RecommendationStore
	SyncLogStore
	Lifecycle
}
