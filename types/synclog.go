package types

import "time"

// TriggerSource identifies what started a sync run
type TriggerSource string

const (
	SourceManual   TriggerSource = "manual"
	SourceSchedule TriggerSource = "schedule"
	SourceAPI      TriggerSource = "api"
	SourceCLI      TriggerSource = "cli"
)

// OutcomeStatus is the per-account result of a sync run
type OutcomeStatus string

const (
	OutcomeConnected OutcomeStatus = "connected"
	OutcomeError     OutcomeStatus = "error"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// AccountOutcome is one account's result inside a SyncReport
type AccountOutcome struct {
	AccountID       string        `json:"account_id"`
	Name            string        `json:"name,omitempty"`
	Provider        Provider      `json:"provider"`
	Status          OutcomeStatus `json:"status"`
	Count           int           `json:"count"`
	Transitions     int           `json:"transitions"`
	Disappeared     int           `json:"disappeared"`
	Anomalies       int           `json:"anomalies"`
	Recommendations int           `json:"recommendations"`
	Error           string        `json:"error,omitempty"`
	ErrorKind       ErrorKind     `json:"error_kind,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	DurationMS      int64         `json:"duration_ms"`
}

// SyncReport aggregates a whole orchestration run.
// It covers every account that was attempted.
type SyncReport struct {
	ID             string           `json:"id"`
	Source         TriggerSource    `json:"source"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	Duration       time.Duration    `json:"duration"`
	Accounts       []AccountOutcome `json:"accounts"`
	TotalInstances int              `json:"total_instances"`
	Transitions    []Transition     `json:"transitions,omitempty"`
	Disappeared    int              `json:"disappeared"`
	Anomalies      []Anomaly        `json:"anomalies,omitempty"`
	Succeeded      int              `json:"succeeded"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped"`
	Error          string           `json:"error,omitempty"`
}

// Success reports whether no attempted account failed
func (r *SyncReport) Success() bool {
	return r.Failed == 0 && r.Error == ""
}

// Outcome returns the outcome for an account id
func (r *SyncReport) Outcome(accountID string) (AccountOutcome, bool) {
	for _, o := range r.Accounts {
		if o.AccountID == accountID {
			return o, true
		}
	}
	return AccountOutcome{}, false
}

// SyncLogEntry is the immutable record of one orchestration run
type SyncLogEntry struct {
	Sequence       uint64           `json:"sequence"`
	ID             string           `json:"id"`
	Source         TriggerSource    `json:"source"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	DurationMS     int64            `json:"duration_ms"`
	TotalInstances int              `json:"total_instances"`
	Transitions    int              `json:"transitions"`
	Anomalies      int              `json:"anomalies"`
	Error          string           `json:"error,omitempty"`
	Results        []AccountOutcome `json:"results"`
}

// NewSyncLogEntry builds the log record for a finished report
func NewSyncLogEntry(r *SyncReport) SyncLogEntry {
	results := make([]AccountOutcome, len(r.Accounts))
	copy(results, r.Accounts)
	return SyncLogEntry{
		ID:             r.ID,
		Source:         r.Source,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		DurationMS:     r.Duration.Milliseconds(),
		TotalInstances: r.TotalInstances,
		Transitions:    len(r.Transitions),
		Anomalies:      len(r.Anomalies),
		Error:          r.Error,
		Results:        results,
	}
}
