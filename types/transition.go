package types

import (
	"fmt"
	"time"
)

// Transition is a comparable-state change of one instance between two snapshots
type Transition struct {
	Identity      Identity  `json:"identity"`
	AccountID     string    `json:"account_id"`
	Name          string    `json:"name,omitempty"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Subject renders the one-line alert subject
func (t Transition) Subject() string {
	return fmt.Sprintf("%s instance %s is %s", t.Identity.Provider, t.Identity.InstanceID, t.NewState)
}

// AnomalyKind categorizes data anomalies found during reconciliation
type AnomalyKind string

const (
	// AnomalyDuplicateIdentity - a provider reported the same identity twice in one snapshot
	AnomalyDuplicateIdentity AnomalyKind = "duplicate_identity"
)

// Anomaly is a reportable, non-fatal data problem
type Anomaly struct {
	Kind        AnomalyKind `json:"kind"`
	Identity    Identity    `json:"identity"`
	Occurrences int         `json:"occurrences"`
}
