// Package scheduler runs periodic jobs. A job never overlaps itself: a
// tick or manual trigger that arrives while the job is running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/wal"
)

// Default sync job
const (
	SyncJobID   = "scheduled_sync"
	SyncJobName = "Scheduled Inventory Sync"
)

var (
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when triggering a job that is in flight
	ErrJobRunning = errors.New("job already running")
	// ErrStopped is returned when triggering after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// Trigger sources recorded in the audit journal
const (
	TriggerTick   = "schedule"
	TriggerManual = "manual"
)

// Job is a periodic unit of work
type Job struct {
	ID       string
	Name     string
	Interval time.Duration
	// RunOnStart fires the job once as soon as the scheduler starts
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobInfo is a point-in-time view of a job
type JobInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	NextRun   *time.Time    `json:"next_run,omitempty"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	Skipped   int64         `json:"skipped"`
}

// Journal receives job trigger events. *wal.WAL satisfies it.
type Journal interface {
	Append(entryType wal.EntryType, subject string, data interface{}) error
}

type job struct {
	Job
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr string
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:        j.ID,
		Name:      j.Name,
		Interval:  j.Interval,
		LastError: j.lastErr,
		Running:   j.running.Load(),
		Runs:      j.runs.Load(),
		Skipped:   j.skipped.Load(),
	}
	if !j.nextRun.IsZero() {
		t := j.nextRun
		info.NextRun = &t
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		info.LastRun = &t
	}
	return info
}

// Scheduler owns a set of jobs and their ticker loops
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	loops   sync.WaitGroup
	runs    sync.WaitGroup

	journal Journal
	logger  *telemetry.Logger
	now     func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJournal records every job execution
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithLogger overrides the scheduler logger
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for NextRun and LastRun
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a stopped scheduler
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		logger: telemetry.NewLogger("scheduler"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs added after Start begin ticking immediately.
func (s *Scheduler) Add(j Job) error {
	switch {
	case j.ID == "":
		return fmt.Errorf("job id is required")
	case j.Interval <= 0:
		return fmt.Errorf("job %s: interval must be positive", j.ID)
	case j.Run == nil:
		return fmt.Errorf("job %s: run function is required", j.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already registered", j.ID)
	}
	entry := &job{Job: j}
	s.jobs[j.ID] = entry
	if s.started {
		s.startLoop(entry)
	}
	return nil
}

// Start launches one ticker loop per job. The loops stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	// runs triggered before Start keep the original context
	baseCancel := s.cancel
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = func() {
		cancel()
		baseCancel()
	}

	for _, j := range s.jobs {
		s.startLoop(j)
	}
	s.logger.WithContext(ctx).Info().
		Int("jobs", len(s.jobs)).
		Msg("scheduler started")
}

// Stop cancels the loops and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.loops.Wait()
	s.runs.Wait()
	s.logger.WithContext(context.Background()).Info().Msg("scheduler stopped")
}

// startLoop must be called with s.mu held
func (s *Scheduler) startLoop(j *job) {
	ctx := s.ctx
	j.mu.Lock()
	j.nextRun = s.now().Add(j.Interval)
	j.mu.Unlock()

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		if j.RunOnStart {
			_ = s.launch(ctx, j, TriggerTick)
		}

		ticker := time.NewTicker(j.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.mu.Lock()
				j.nextRun = s.now().Add(j.Interval)
				j.mu.Unlock()
				_ = s.launch(ctx, j, TriggerTick)
			}
		}
	}()
}

// Jobs lists the registered jobs ordered by id
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.info())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Job returns a single job's info
func (s *Scheduler) Job(id string) (JobInfo, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

// Trigger runs a job now in the background
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	if err := s.launch(ctx, j, TriggerManual); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

// launch starts j unless it is already running
func (s *Scheduler) launch(ctx context.Context, j *job, trigger string) error {
	s.mu.Lock()
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if !j.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		j.skipped.Add(1)
		s.logger.WithContext(ctx).Info().
			Str("job_id", j.ID).
			Str("trigger", trigger).
			Msg("job still running, skipping")
		return ErrJobRunning
	}
	// Add under s.mu so Stop cannot start waiting in between
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		defer j.running.Store(false)
		s.execute(ctx, j, trigger)
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *job, trigger string) {
	started := s.now()
	j.runs.Add(1)
	if s.journal != nil {
		if err := s.journal.Append(wal.EntryJobTriggered, j.ID, map[string]string{"trigger": trigger, "name": j.Name}); err != nil {
			s.logger.WithContext(ctx).Warn().Err(err).Str("job_id", j.ID).Msg("failed to journal job trigger")
		}
	}

	err := runSafely(context.WithValue(ctx, triggerKey{}, trigger), j.Run)

	j.mu.Lock()
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	event := s.logger.WithContext(ctx).Info()
	if err != nil {
		event = s.logger.WithContext(ctx).Error().Err(err)
	}
	event.
		Str("job_id", j.ID).
		Str("trigger", trigger).
		Dur("duration", s.now().Sub(started)).
		Msg("job finished")
}

type triggerKey struct{}

// TriggerFrom returns what started the job owning ctx: TriggerTick or
// TriggerManual. It is empty outside a job run.
func TriggerFrom(ctx context.Context) string {
	t, _ := ctx.Value(triggerKey{}).(string)
	return t
}

func runSafely(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx)
}
