package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yairfalse/cloudwatcher/notify"
	"github.com/yairfalse/cloudwatcher/rules"
	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/vault"
	"github.com/yairfalse/cloudwatcher/wal"
)

// Defaults
const (
	DefaultConcurrency      = 4
	DefaultConnectorTimeout = 20 * time.Second
	DefaultNotifyTimeout    = 30 * time.Second
)

// ErrNoRules is returned by Regenerate when no rule engine is configured
var ErrNoRules = errors.New("rule engine is not configured")

// Audit receives journal events. *wal.WAL satisfies it.
type Audit interface {
	Append(entryType wal.EntryType, subject string, data interface{}) error
	AppendError(entryType wal.EntryType, subject string, data interface{}, err error) error
}

// Metrics records run and account counters
type Metrics interface {
	RecordRun(ctx context.Context, source types.TriggerSource, success bool, duration time.Duration)
	RecordAccount(ctx context.Context, outcome types.AccountOutcome)
	RecordTransitions(ctx context.Context, transitions []types.Transition)
	RecordAnomalies(ctx context.Context, count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRun(context.Context, types.TriggerSource, bool, time.Duration) {}
func (nopMetrics) RecordAccount(context.Context, types.AccountOutcome)                 {}
func (nopMetrics) RecordTransitions(context.Context, []types.Transition)               {}
func (nopMetrics) RecordAnomalies(context.Context, int)                                {}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithConcurrency bounds how many accounts sync at once
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

// WithConnectorTimeout bounds each ListInstances call
func WithConnectorTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.connectorTimeout = d
		}
	}
}

// WithNotifyTimeout bounds detached notification delivery
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}

// WithVault sets the credential codec
func WithVault(v vault.Codec) Option {
	return func(o *Orchestrator) { o.vault = v }
}

// WithRules enables recommendation generation
func WithRules(r rules.Generator) Option {
	return func(o *Orchestrator) { o.rules = r }
}

// WithNotifier enables transition alerts
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithAudit journals run events
func WithAudit(a Audit) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger overrides the orchestrator logger
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLocks shares a lock table between orchestrators
func WithLocks(l *Locks) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// Locks is a per-account try-lock table
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock table
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryLock acquires id without blocking
func (l *Locks) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Unlock releases id
func (l *Locks) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}

// Held reports whether id is locked
func (l *Locks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}
