// Package reconciler diffs a fresh provider snapshot against the stored
// one. It performs no I/O.
package reconciler

import (
	"sort"
	"time"

	"github.com/yairfalse/cloudwatcher/types"
)

// Result of reconciling one account
type Result struct {
	// Upserts is the deduplicated current snapshot, stamped and ready to store
	Upserts []types.Instance
	// Transitions are comparable state changes detected
	Transitions []types.Transition
	// Disappeared are previous instances absent from the current snapshot
	Disappeared []types.Instance
	// Anomalies are identities reported more than once in current
	Anomalies []types.Anomaly
}

// Reconcile diffs previous against current at time now. Neither input is
// modified.
func Reconcile(accountID string, previous, current []types.Instance, now time.Time) Result {
	prevByKey := indexByKey(previous)
	deduped, anomalies := dedupe(current)

	result := Result{
		Upserts:   make([]types.Instance, 0, len(deduped)),
		Anomalies: anomalies,
	}

	seen := make(map[string]bool, len(deduped))
	for _, inst := range deduped {
		key := inst.Identity().Key()
		seen[key] = true

		inst.AccountID = accountID
		inst.Tags = copyTags(inst.Tags)
		inst.LastSeenAt = now
		inst.UpdatedAt = now

		prev, existed := prevByKey[key]
		if existed {
			inst.FirstSeenAt = prev.FirstSeenAt
			if t, ok := detectTransition(prev, inst, now); ok {
				result.Transitions = append(result.Transitions, t)
			}
		} else {
			inst.FirstSeenAt = now
		}

		result.Upserts = append(result.Upserts, inst)
	}

	result.Disappeared = disappeared(prevByKey, seen)
	return result
}

func detectTransition(prev, cur types.Instance, now time.Time) (types.Transition, bool) {
	if prev.State == cur.State {
		return types.Transition{}, false
	}
	if !types.IsComparable(prev.State) || !types.IsComparable(cur.State) {
		return types.Transition{}, false
	}
	return types.Transition{
		Identity:      cur.Identity(),
		AccountID:     cur.AccountID,
		Name:          cur.Name,
		PreviousState: prev.State,
		NewState:      cur.State,
		DetectedAt:    now,
	}, true
}

// indexByKey maps previous rows by identity key; a repeated key keeps the last row.
func indexByKey(instances []types.Instance) map[string]types.Instance {
	idx := make(map[string]types.Instance, len(instances))
	for _, inst := range instances {
		idx[inst.Identity().Key()] = inst
	}
	return idx
}

// dedupe keeps the last occurrence of each identity at the position of
// its first occurrence, and reports every repeated identity.
func dedupe(current []types.Instance) ([]types.Instance, []types.Anomaly) {
	position := make(map[string]int, len(current))
	counts := make(map[string]int, len(current))
	out := make([]types.Instance, 0, len(current))
	var order []string

	for _, inst := range current {
		key := inst.Identity().Key()
		counts[key]++
		if pos, ok := position[key]; ok {
			out[pos] = inst
			continue
		}
		position[key] = len(out)
		out = append(out, inst)
		order = append(order, key)
	}

	var anomalies []types.Anomaly
	for _, key := range order {
		if counts[key] < 2 {
			continue
		}
		anomalies = append(anomalies, types.Anomaly{
			Kind:        types.AnomalyDuplicateIdentity,
			Identity:    out[position[key]].Identity(),
			Occurrences: counts[key],
		})
	}
	return out, anomalies
}

func disappeared(prevByKey map[string]types.Instance, seen map[string]bool) []types.Instance {
	keys := make([]string, 0)
	for key := range prevByKey {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	out := make([]types.Instance, 0, len(keys))
	for _, key := range keys {
		out = append(out, prevByKey[key])
	}
	return out
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
