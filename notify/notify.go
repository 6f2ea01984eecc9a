// Package notify delivers instance state change alerts
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
)

// Notifier delivers transition alerts
type Notifier interface {
	Notify(ctx context.Context, transitions []types.Transition) error
}

// Summary describes a finished scheduled run
type Summary struct {
	AccountsSynced  int `json:"accounts_synced"`
	Recommendations int `json:"recommendations_generated"`
	HighSeverity    int `json:"high_severity_recommendations"`
}

// SummaryNotifier is implemented by channels that accept run summaries
type SummaryNotifier interface {
	NotifySummary(ctx context.Context, s Summary) error
}

// Alert is the rendered form of one transition
type Alert struct {
	Subject string
	Fields  []Field
}

// Field is a labelled alert value
type Field struct {
	Name  string
	Value string
}

// NewAlert renders a transition
func NewAlert(t types.Transition) Alert {
	name := t.Name
	if name == "" {
		name = t.Identity.InstanceID
	}
	return Alert{
		Subject: "CloudWatcher: " + t.Subject(),
		Fields: []Field{
			{"Provider", orUnknown(string(t.Identity.Provider))},
			{"Name", orUnknown(name)},
			{"Instance ID", orUnknown(t.Identity.InstanceID)},
			{"Region", orUnknown(t.Identity.Region)},
			{"Previous state", t.PreviousState},
			{"Current state", t.NewState},
			{"Timestamp", t.DetectedAt.UTC().Format(time.RFC3339)},
		},
	}
}

// Body renders the alert as plain text
func (a Alert) Body() string {
	var b strings.Builder
	b.WriteString("Instance state change detected\n\n")
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	return b.String()
}

// Text is the alert subject followed by the body
func (a Alert) Text() string {
	return a.Subject + "\n" + a.Body()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (s Summary) text() string {
	return fmt.Sprintf("CloudWatcher scheduled sync completed.\nAccounts synced: %d\nRecommendations generated: %d\nHigh severity recommendations: %d",
		s.AccountsSynced, s.Recommendations, s.HighSeverity)
}

func (s Summary) fields() []Field {
	return []Field{
		{"Accounts Synced", fmt.Sprint(s.AccountsSynced)},
		{"Recommendations Generated", fmt.Sprint(s.Recommendations)},
		{"High Severity Recommendations", fmt.Sprint(s.HighSeverity)},
	}
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger *telemetry.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *telemetry.Logger) *LogNotifier {
	if logger == nil {
		logger = telemetry.NewLogger("notify")
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, transitions []types.Transition) error {
	for _, t := range transitions {
		n.logger.WithContext(ctx).Warn().
			Str("account_id", t.AccountID).
			Str("provider", string(t.Identity.Provider)).
			Str("instance_id", t.Identity.InstanceID).
			Str("region", t.Identity.Region).
			Str("name", t.Name).
			Str("previous_state", t.PreviousState).
			Str("new_state", t.NewState).
			Time("detected_at", t.DetectedAt).
			Msg(t.Subject())
	}
	return nil
}

// NotifySummary implements SummaryNotifier
func (n *LogNotifier) NotifySummary(ctx context.Context, s Summary) error {
	n.logger.WithContext(ctx).Info().
		Int("accounts_synced", s.AccountsSynced).
		Int("recommendations", s.Recommendations).
		Int("high_severity", s.HighSeverity).
		Msg("scheduled sync summary")
	return nil
}

// Multi fans out to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, transitions []types.Transition) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, transitions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifySummary forwards to members that accept summaries
func (m Multi) NotifySummary(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range m {
		sn, ok := n.(SummaryNotifier)
		if !ok {
			continue
		}
		if err := sn.NotifySummary(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch delivers transitions, logging and discarding any failure.
// It never panics.
func Dispatch(ctx context.Context, n Notifier, transitions []types.Transition, logger *telemetry.Logger) {
	if n == nil || len(transitions) == 0 {
		return
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(ctx).Error().
				Interface("panic", r).
				Msg("notifier panicked")
		}
	}()

	if err := n.Notify(ctx, transitions); err != nil {
		logger.WithContext(ctx).Error().
			Err(err).
			Int("transitions", len(transitions)).
			Msg("failed to deliver notifications")
	}
}

// DispatchSummary delivers a run summary when n supports it
func DispatchSummary(ctx context.Context, n Notifier, s Summary, logger *telemetry.Logger) {
	sn, ok := n.(SummaryNotifier)
	if !ok {
		return
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(ctx).Error().
				Interface("panic", r).
				Msg("summary notifier panicked")
		}
	}()

	if err := sn.NotifySummary(ctx, s); err != nil {
		logger.WithContext(ctx).Error().
			Err(err).
			Msg("failed to deliver summary")
	}
}
