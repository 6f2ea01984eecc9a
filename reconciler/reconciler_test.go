package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/types"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func inst(id, region, state string) types.Instance {
	return types.Instance{
		ID:         "surrogate-" + id + "-" + state,
		Provider:   types.ProviderAWS,
		InstanceID: id,
		Region:     region,
		Name:       "name-" + id,
		State:      state,
		Tags:       map[string]string{"env": "dev"},
	}
}

func stored(i types.Instance, firstSeen time.Time) types.Instance {
	i.AccountID = "acct-1"
	i.FirstSeenAt = firstSeen
	i.LastSeenAt = firstSeen
	i.UpdatedAt = firstSeen
	return i
}

func TestReconcileTransitions(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		current  string
		want     bool
	}{
		{"running to stopped", types.StateRunning, types.StateStopped, true},
		{"stopped to running", types.StateStopped, types.StateRunning, true},
		{"unchanged", types.StateRunning, types.StateRunning, false},
		{"pending to running", types.StatePending, types.StateRunning, false},
		{"running to terminated", types.StateRunning, types.StateTerminated, false},
		{"stopped to unknown", types.StateStopped, types.StateUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := []types.Instance{stored(inst("i-1", "us-east-1", tt.previous), t0)}
			cur := []types.Instance{inst("i-1", "us-east-1", tt.current)}

			res := Reconcile("acct-1", prev, cur, t1)

			if !tt.want {
				assert.Empty(t, res.Transitions)
				return
			}
			require.Len(t, res.Transitions, 1)
			tr := res.Transitions[0]
			assert.Equal(t, "aws|i-1|us-east-1", tr.Identity.Key())
			assert.Equal(t, tt.previous, tr.PreviousState)
			assert.Equal(t, tt.current, tr.NewState)
			assert.Equal(t, "acct-1", tr.AccountID)
			assert.Equal(t, "name-i-1", tr.Name)
			assert.Equal(t, t1, tr.DetectedAt)
		})
	}
}

func TestReconcileFirstSeenPreserved(t *testing.T) {
	prev := []types.Instance{stored(inst("i-1", "us-east-1", types.StateRunning), t0)}
	cur := []types.Instance{inst("i-1", "us-east-1", types.StateRunning), inst("i-2", "us-east-1", types.StateRunning)}

	res := Reconcile("acct-1", prev, cur, t1)
	require.Len(t, res.Upserts, 2)

	assert.Equal(t, t0, res.Upserts[0].FirstSeenAt)
	assert.Equal(t, t1, res.Upserts[0].LastSeenAt)
	assert.Equal(t, t1, res.Upserts[0].UpdatedAt)
	assert.Equal(t, t1, res.Upserts[1].FirstSeenAt)
	for _, u := range res.Upserts {
		assert.Equal(t, "acct-1", u.AccountID)
	}
}

func TestReconcileSameIDDifferentRegionIsDistinct(t *testing.T) {
	prev := []types.Instance{stored(inst("i-1", "us-east-1", types.StateRunning), t0)}
	cur := []types.Instance{inst("i-1", "eu-west-1", types.StateStopped)}

	res := Reconcile("acct-1", prev, cur, t1)

	assert.Empty(t, res.Transitions)
	require.Len(t, res.Disappeared, 1)
	assert.Equal(t, "us-east-1", res.Disappeared[0].Region)
	assert.Equal(t, t1, res.Upserts[0].FirstSeenAt)
}

func TestReconcileDuplicatesLastWinsFirstPosition(t *testing.T) {
	cur := []types.Instance{
		inst("i-1", "us-east-1", types.StatePending),
		inst("i-2", "us-east-1", types.StateRunning),
		inst("i-1", "us-east-1", types.StateRunning),
		inst("i-1", "us-east-1", types.StateStopped),
	}

	res := Reconcile("acct-1", nil, cur, t1)

	require.Len(t, res.Upserts, 2)
	assert.Equal(t, "i-1", res.Upserts[0].InstanceID)
	assert.Equal(t, types.StateStopped, res.Upserts[0].State)
	assert.Equal(t, "i-2", res.Upserts[1].InstanceID)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, types.AnomalyDuplicateIdentity, res.Anomalies[0].Kind)
	assert.Equal(t, 3, res.Anomalies[0].Occurrences)
	assert.Equal(t, "aws|i-1|us-east-1", res.Anomalies[0].Identity.Key())
}

func TestReconcileDisappearedSorted(t *testing.T) {
	prev := []types.Instance{
		stored(inst("i-9", "us-east-1", types.StateRunning), t0),
		stored(inst("i-3", "us-east-1", types.StateRunning), t0),
		stored(inst("i-5", "us-east-1", types.StateRunning), t0),
	}
	cur := []types.Instance{inst("i-5", "us-east-1", types.StateRunning)}

	res := Reconcile("acct-1", prev, cur, t1)

	require.Len(t, res.Disappeared, 2)
	assert.Equal(t, "i-3", res.Disappeared[0].InstanceID)
	assert.Equal(t, "i-9", res.Disappeared[1].InstanceID)
}

func TestReconcileEmptySnapshotDisappearsEverything(t *testing.T) {
	prev := []types.Instance{stored(inst("i-1", "us-east-1", types.StateRunning), t0)}

	res := Reconcile("acct-1", prev, nil, t1)

	assert.Empty(t, res.Upserts)
	assert.Empty(t, res.Transitions)
	assert.Len(t, res.Disappeared, 1)
}

func TestReconcileDoesNotMutateInputs(t *testing.T) {
	prev := []types.Instance{stored(inst("i-1", "us-east-1", types.StateRunning), t0)}
	cur := []types.Instance{inst("i-1", "us-east-1", types.StateStopped)}
	curTags := cur[0].Tags

	res := Reconcile("acct-1", prev, cur, t1)
	res.Upserts[0].Tags["env"] = "changed"

	assert.Empty(t, cur[0].AccountID)
	assert.True(t, cur[0].LastSeenAt.IsZero())
	assert.Equal(t, "dev", curTags["env"])
	assert.Equal(t, t0, prev[0].LastSeenAt)
}

func TestReconcileIsIdempotent(t *testing.T) {
	cur := []types.Instance{inst("i-1", "us-east-1", types.StateRunning), inst("i-2", "us-east-1", types.StateStopped)}

	first := Reconcile("acct-1", nil, cur, t0)
	second := Reconcile("acct-1", first.Upserts, cur, t1)

	assert.Empty(t, second.Transitions)
	assert.Empty(t, second.Disappeared)
	for _, u := range second.Upserts {
		assert.Equal(t, t0, u.FirstSeenAt)
	}
}

func TestReconcilePreviousDuplicatesLastWins(t *testing.T) {
	prev := []types.Instance{
		stored(inst("i-1", "us-east-1", types.StateStopped), t0),
		stored(inst("i-1", "us-east-1", types.StateRunning), t0.Add(time.Minute)),
	}
	cur := []types.Instance{inst("i-1", "us-east-1", types.StateStopped)}

	res := Reconcile("acct-1", prev, cur, t1)

	require.Len(t, res.Transitions, 1)
	assert.Equal(t, types.StateRunning, res.Transitions[0].PreviousState)
	assert.Equal(t, t0.Add(time.Minute), res.Upserts[0].FirstSeenAt)
}
