package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/types"
)

// Interface compliance
var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("bolt", func(t *testing.T) {
		s, err := NewBoltStore(filepath.Join(t.TempDir(), "data", "cloudwatcher.db"))
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()
		fn(t, s)
	})
}

func account(id string) types.Account {
	return types.Account{
		ID:          id,
		Name:        "acct " + id,
		Provider:    types.ProviderAWS,
		Credentials: "blob-" + id,
		Status:      types.AccountConnected,
		CreatedAt:   t0,
	}
}

func instance(accountID, id, state string) types.Instance {
	return types.Instance{
		ID:          "s-" + id,
		AccountID:   accountID,
		Provider:    types.ProviderAWS,
		InstanceID:  id,
		Region:      "us-east-1",
		State:       state,
		Tags:        map[string]string{"environment": "dev"},
		FirstSeenAt: t0,
		LastSeenAt:  t0,
		UpdatedAt:   t0,
	}
}

func recommendation(accountID, ruleID, resourceID string) types.Recommendation {
	return types.Recommendation{
		ID:           ruleID + "-" + resourceID,
		AccountID:    accountID,
		Provider:     types.ProviderAWS,
		ResourceType: "instance",
		ResourceID:   resourceID,
		Category:     types.CategoryFinOps,
		Severity:     types.SeverityMedium,
		RuleID:       ruleID,
		Title:        "stopped instance",
		Status:       types.RecommendationOpen,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestAccountLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateAccount(ctx, account("b")))
		require.NoError(t, s.CreateAccount(ctx, account("a")))

		err := s.CreateAccount(ctx, account("a"))
		assert.True(t, errors.Is(err, ErrAlreadyExists))

		got, err := s.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "blob-a", got.Credentials)
		assert.Equal(t, t0, got.CreatedAt)

		list, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)

		now := t0.Add(time.Minute)
		require.NoError(t, s.UpdateAccountStatus(ctx, "a", types.AccountStatusUpdate{
			Status:        types.AccountError,
			Error:         types.StringPtr("auth failed"),
			LastCheckedAt: &now,
		}))
		got, err = s.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, types.AccountError, got.Status)
		assert.Equal(t, "auth failed", got.LastError)
		assert.Equal(t, "blob-a", got.Credentials)

		err = s.UpdateAccountStatus(ctx, "missing", types.AccountStatusUpdate{Status: types.AccountSyncing})
		assert.True(t, errors.Is(err, ErrNotFound))

		got.Name = "renamed"
		require.NoError(t, s.UpdateAccount(ctx, got))
		got, err = s.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
	})
}

func TestDeleteAccountCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, account("a")))
		require.NoError(t, s.ReplaceInstances(ctx, "a", []types.Instance{instance("a", "i-1", types.StateRunning)}))
		require.NoError(t, s.ReplaceRecommendations(ctx, "a", []types.Recommendation{recommendation("a", "FINOPS-001", "i-1")}))

		require.NoError(t, s.DeleteAccount(ctx, "a"))

		_, err := s.GetAccount(ctx, "a")
		assert.True(t, errors.Is(err, ErrNotFound))
		insts, err := s.GetInstances(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, insts)
		recs, err := s.ListRecommendations(ctx, types.RecommendationFilter{})
		require.NoError(t, err)
		assert.Empty(t, recs)

		assert.True(t, errors.Is(s.DeleteAccount(ctx, "a"), ErrNotFound))
	})
}

func TestReplaceInstancesIsScopedToAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.ReplaceInstances(ctx, "a", []types.Instance{
			instance("a", "i-1", types.StateRunning),
			instance("a", "i-2", types.StateRunning),
		}))
		require.NoError(t, s.ReplaceInstances(ctx, "ab", []types.Instance{instance("ab", "i-9", types.StateStopped)}))

		require.NoError(t, s.ReplaceInstances(ctx, "a", []types.Instance{instance("a", "i-3", types.StateStopped)}))

		got, err := s.GetInstances(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "i-3", got[0].InstanceID)

		other, err := s.GetInstances(ctx, "ab")
		require.NoError(t, err)
		assert.Len(t, other, 1)

		stopped, err := s.ListInstances(ctx, types.InstanceFilter{State: types.StateStopped})
		require.NoError(t, err)
		assert.Len(t, stopped, 2)

		require.NoError(t, s.ReplaceInstances(ctx, "a", nil))
		got, err = s.GetInstances(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestUpsertAndDeleteInstances(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertInstances(ctx, []types.Instance{instance("a", "i-1", types.StateRunning)}))

		updated := instance("a", "i-1", types.StateStopped)
		updated.ID = "new-surrogate"
		require.NoError(t, s.UpsertInstances(ctx, []types.Instance{updated, instance("a", "i-2", types.StateRunning)}))

		got, err := s.GetInstances(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, types.StateStopped, got[0].State)
		assert.Equal(t, "new-surrogate", got[0].ID)
		assert.Equal(t, "dev", got[0].Tags["environment"])

		err = s.UpsertInstances(ctx, []types.Instance{instance("", "i-3", types.StateRunning)})
		assert.Equal(t, types.KindPersistence, types.KindOf(err))

		require.NoError(t, s.DeleteInstancesForAccount(ctx, "a"))
		got, err = s.GetInstances(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestReplaceRecommendationsPreservesStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.ReplaceRecommendations(ctx, "a", []types.Recommendation{
			recommendation("a", "FINOPS-001", "i-1"),
			recommendation("a", "SECOPS-001", "i-1"),
			recommendation("a", "FINOPS-002", "i-2"),
		}))

		dismissed, err := s.UpdateRecommendationStatus(ctx, "FINOPS-001-i-1", types.RecommendationDismissed)
		require.NoError(t, err)
		assert.Equal(t, types.RecommendationDismissed, dismissed.Status)

		regenerated := []types.Recommendation{
			recommendation("a", "FINOPS-001", "i-1"),
			recommendation("a", "SECOPS-001", "i-1"),
		}
		regenerated[0].CreatedAt = t0.Add(time.Hour)
		require.NoError(t, s.ReplaceRecommendations(ctx, "a", regenerated))

		recs, err := s.ListRecommendations(ctx, types.RecommendationFilter{AccountID: "a"})
		require.NoError(t, err)
		require.Len(t, recs, 2)

		byRule := map[string]types.Recommendation{}
		for _, r := range recs {
			byRule[r.RuleID] = r
		}
		assert.Equal(t, types.RecommendationDismissed, byRule["FINOPS-001"].Status)
		assert.Equal(t, t0, byRule["FINOPS-001"].CreatedAt)
		assert.Equal(t, types.RecommendationOpen, byRule["SECOPS-001"].Status)

		open, err := s.ListRecommendations(ctx, types.RecommendationFilter{Status: types.RecommendationOpen})
		require.NoError(t, err)
		assert.Len(t, open, 1)

		_, err = s.UpdateRecommendationStatus(ctx, "nope", types.RecommendationResolved)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestSyncLogOrderingAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			seq, err := s.AppendSyncLog(ctx, types.SyncLogEntry{
				ID:        string(rune('a' + i)),
				Source:    types.SourceSchedule,
				StartedAt: t0.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), seq)
		}

		logs, err := s.ListSyncLogs(ctx, 3)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, "e", logs[0].ID)
		assert.Equal(t, uint64(5), logs[0].Sequence)
		assert.Equal(t, "c", logs[2].ID)

		one, err := s.ListSyncLogs(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, one, 1)

		all, err := s.ListSyncLogs(ctx, 10_000)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestCanceledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.ListAccounts(ctx)
		assert.Equal(t, types.KindPersistence, types.KindOf(err))
	})
}

func TestBoltStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cw.db")
	ctx := context.Background()

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, account("a")))
	_, err = s.AppendSyncLog(ctx, types.SyncLogEntry{ID: "first"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "blob-a", got.Credentials)

	seq, err := s.AppendSyncLog(ctx, types.SyncLogEntry{ID: "second"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestMemoryStoreFailedUpdateRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.ReplaceInstances(ctx, "a", []types.Instance{instance("a", "i-1", types.StateRunning)}))

	err := s.UpsertInstances(ctx, []types.Instance{instance("a", "i-2", types.StateRunning), instance("", "i-3", types.StateRunning)})
	require.Error(t, err)

	got, err := s.GetInstances(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 100, ClampLimit(100))
	assert.Equal(t, MaxLogLimit, ClampLimit(501))
}
