package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/wal"
)

func newTestScheduler(opts ...Option) *Scheduler {
	return New(append([]Option{WithLogger(telemetry.Nop())}, opts...)...)
}

type memJournal struct {
	mu       sync.Mutex
	subjects []string
}

func (m *memJournal) Append(entryType wal.EntryType, subject string, _ interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entryType == wal.EntryJobTriggered {
		m.subjects = append(m.subjects, subject)
	}
	return nil
}

func (m *memJournal) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects)
}

func TestAdd_Validation(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(Job{ID: "a", Run: noop}))
	assert.Error(t, s.Add(Job{ID: "a", Interval: time.Second}))
	require.NoError(t, s.Add(Job{ID: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(Job{ID: "a", Interval: time.Second, Run: noop}))
}

func TestStart_RunsOnInterval(t *testing.T) {
	var calls atomic.Int32
	journal := &memJournal{}
	s := newTestScheduler(WithJournal(journal))
	require.NoError(t, s.Add(Job{
		ID:       SyncJobID,
		Name:     SyncJobName,
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	info, ok := s.Job(SyncJobID)
	require.True(t, ok)
	assert.Equal(t, SyncJobName, info.Name)
	assert.Equal(t, int64(stopped), info.Runs)
	assert.NotNil(t, info.LastRun)
	assert.NotNil(t, info.NextRun)
	assert.False(t, info.Running)
	assert.Equal(t, int(stopped), journal.count())
}

func TestStart_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := newTestScheduler()
	require.NoError(t, s.Add(Job{
		ID:         "boot",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestTicksCoalesceWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := newTestScheduler()
	require.NoError(t, s.Add(Job{
		ID:       "slow",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			calls.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		info, _ := s.Job("slow")
		return info.Skipped >= 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	close(release)
	s.Stop()
}

func TestTrigger(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	s := newTestScheduler()
	require.NoError(t, s.Add(Job{
		ID:       SyncJobID,
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			started <- TriggerFrom(ctx)
			<-release
			return errors.New("provider outage")
		},
	}))

	err := s.Trigger("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.Trigger(SyncJobID))
	assert.Equal(t, TriggerManual, <-started)

	err = s.Trigger(SyncJobID)
	assert.ErrorIs(t, err, ErrJobRunning)

	info, _ := s.Job(SyncJobID)
	assert.True(t, info.Running)
	assert.Equal(t, int64(1), info.Skipped)

	close(release)
	assert.Eventually(t, func() bool {
		info, _ := s.Job(SyncJobID)
		return !info.Running
	}, 2*time.Second, 5*time.Millisecond)

	info, _ = s.Job(SyncJobID)
	assert.Equal(t, "provider outage", info.LastError)
	assert.Equal(t, int64(1), info.Runs)
	s.Stop()
}

func TestPanickingJobIsRecorded(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.Add(Job{
		ID:       "bad",
		Interval: time.Hour,
		Run:      func(context.Context) error { panic("nil pointer") },
	}))

	require.NoError(t, s.Trigger("bad"))
	assert.Eventually(t, func() bool {
		info, _ := s.Job("bad")
		return info.LastError != "" && !info.Running
	}, 2*time.Second, 5*time.Millisecond)

	info, _ := s.Job("bad")
	assert.Contains(t, info.LastError, "nil pointer")
	s.Stop()
}

func TestJobs_SortedByID(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add(Job{ID: "b", Interval: time.Minute, Run: noop}))
	require.NoError(t, s.Add(Job{ID: "a", Interval: 2 * time.Minute, Run: noop}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, 2*time.Minute, jobs[0].Interval)
	assert.Nil(t, jobs[0].NextRun)
	assert.Equal(t, "b", jobs[1].ID)
}

func TestStop_CancelsRunningJob(t *testing.T) {
	cancelled := make(chan struct{})
	s := newTestScheduler()
	require.NoError(t, s.Add(Job{
		ID:         "long",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		info, _ := s.Job("long")
		return info.Running
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	select {
	case <-cancelled:
	default:
		t.Fatal("running job was not cancelled")
	}
	assert.ErrorIs(t, s.Trigger("long"), ErrStopped)
}

func TestTriggerRacingStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		var ran atomic.Int32
		s := newTestScheduler()
		require.NoError(t, s.Add(Job{
			ID:       "sync",
			Interval: time.Hour,
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
		s.Start(context.Background())

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for k := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[k] = s.Trigger("sync")
			}()
		}
		s.Stop()
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			if err == nil {
				accepted++
				continue
			}
			assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrJobRunning), err)
		}
		// every accepted trigger finished before Stop returned
		assert.Equal(t, int32(accepted), ran.Load())
		assert.ErrorIs(t, s.Trigger("sync"), ErrStopped)
	}
}
