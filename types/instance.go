package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Known instance states after provider normalization
const (
	StateRunning    = "running"
	StateStopped    = "stopped"
	StatePending    = "pending"
	StateTerminated = "terminated"
	StateUnknown    = "unknown"
)

// IsComparable reports whether state is eligible for transition alerts.
// Only running and stopped qualify; everything else is noise.
func IsComparable(state string) bool {
	return state == StateRunning || state == StateStopped
}

// Identity is the natural key of an instance across syncs
type Identity struct {
	Provider   Provider `json:"provider"`
	InstanceID string   `json:"instance_id"`
	Region     string   `json:"region"`
}

// Key renders the identity as provider|instance_id|region
func (i Identity) Key() string {
	return string(i.Provider) + "|" + i.InstanceID + "|" + i.Region
}

// String implements fmt.Stringer
func (i Identity) String() string {
	return i.Key()
}

// Instance is the provider-agnostic compute instance.
// ID is a surrogate regenerated on every fetch; diff on Identity() only.
type Instance struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Provider    Provider          `json:"provider"`
	InstanceID  string            `json:"instance_id"`
	Region      string            `json:"region"`
	Name        string            `json:"name"`
	Size        string            `json:"size"`
	State       string            `json:"state"`
	PublicIP    string            `json:"public_ip,omitempty"`
	PrivateIP   string            `json:"private_ip,omitempty"`
	Tags        map[string]string `json:"tags"`
	Raw         json.RawMessage   `json:"raw,omitempty"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Identity returns the (provider, instance_id, region) triple
func (i *Instance) Identity() Identity {
	return Identity{Provider: i.Provider, InstanceID: i.InstanceID, Region: i.Region}
}

// DisplayName returns the name, falling back to the provider instance id
func (i *Instance) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.InstanceID
}

// Tag returns a tag value or "" when absent
func (i *Instance) Tag(key string) string {
	if i.Tags == nil {
		return ""
	}
	return i.Tags[key]
}

// InstanceFilter for querying stored instances. Name matches a
// case-insensitive substring. Offset and Limit page the matches; Limit 0
// returns all of them.
type InstanceFilter struct {
	AccountID  string   `json:"account_id,omitempty"`
	Provider   Provider `json:"provider,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
	Region     string   `json:"region,omitempty"`
	State      string   `json:"state,omitempty"`
	Name       string   `json:"name,omitempty"`
	Offset     int      `json:"offset,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Matches checks if the instance satisfies every set filter field.
// Offset and Limit are not considered.
func (f InstanceFilter) Matches(i *Instance) bool {
	if f.AccountID != "" && i.AccountID != f.AccountID {
		return false
	}
	if f.Provider != "" && i.Provider != f.Provider {
		return false
	}
	if f.InstanceID != "" && i.InstanceID != f.InstanceID {
		return false
	}
	if f.Region != "" && i.Region != f.Region {
		return false
	}
	if f.State != "" && i.State != f.State {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(i.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}
