package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
)

func transition(id, from, to string) types.Transition {
	return types.Transition{
		Identity:      types.Identity{Provider: types.ProviderAWS, InstanceID: id, Region: "us-east-1"},
		AccountID:     "acct-1",
		Name:          "web-" + id,
		PreviousState: from,
		NewState:      to,
		DetectedAt:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		c.mu.Lock()
		c.bodies = append(c.bodies, decoded)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestNewAlert(t *testing.T) {
	alert := NewAlert(transition("i-1", types.StateRunning, types.StateStopped))
	assert.Equal(t, "CloudWatcher: aws instance i-1 is stopped", alert.Subject)

	body := alert.Body()
	assert.True(t, strings.HasPrefix(body, "Instance state change detected\n\n"))
	assert.Contains(t, body, "Provider: aws\n")
	assert.Contains(t, body, "Name: web-i-1\n")
	assert.Contains(t, body, "Previous state: running\n")
	assert.Contains(t, body, "Current state: stopped\n")
	assert.Contains(t, body, "Timestamp: 2024-03-01T08:00:00Z\n")
}

func TestNewAlert_FallsBackToInstanceID(t *testing.T) {
	tr := transition("i-2", types.StateStopped, types.StateRunning)
	tr.Name = ""
	tr.Identity.Region = ""
	body := NewAlert(tr).Body()
	assert.Contains(t, body, "Name: i-2\n")
	assert.Contains(t, body, "Region: unknown\n")
}

func TestWebhook_SlackPayload(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	n := NewSlack(srv.URL)
	err := n.Notify(context.Background(), []types.Transition{
		transition("i-1", types.StateRunning, types.StateStopped),
		transition("i-2", types.StateStopped, types.StateRunning),
	})
	require.NoError(t, err)
	require.Len(t, c.bodies, 2)

	first := c.bodies[0]
	assert.Equal(t, "CloudWatcher: aws instance i-1 is stopped", first["text"])
	attachments := first["attachments"].([]any)
	fields := attachments[0].(map[string]any)["fields"].([]any)
	provider := fields[0].(map[string]any)
	assert.Equal(t, "Provider", provider["title"])
	assert.Equal(t, "aws", provider["value"])
	assert.Equal(t, true, provider["short"])
}

func TestWebhook_TeamsPayload(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	n := NewTeams(srv.URL)
	require.NoError(t, n.Notify(context.Background(), []types.Transition{transition("i-1", types.StateRunning, types.StateStopped)}))
	require.Len(t, c.bodies, 1)

	sections := c.bodies[0]["sections"].([]any)
	facts := sections[0].(map[string]any)["facts"].([]any)
	assert.Len(t, facts, 7)
	assert.Equal(t, "Current state", facts[5].(map[string]any)["name"])
	assert.Equal(t, "stopped", facts[5].(map[string]any)["value"])
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewSlack(srv.URL, WithRetry(3, time.Millisecond))
	err := n.Notify(context.Background(), []types.Transition{transition("i-1", types.StateRunning, types.StateStopped)})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "invalid_payload", statusErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTeams(srv.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, n.Notify(context.Background(), []types.Transition{transition("i-1", types.StateRunning, types.StateStopped)}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewSlack(srv.URL, WithRetry(2, time.Millisecond))
	err := n.Notify(context.Background(), []types.Transition{transition("i-1", types.StateRunning, types.StateStopped)})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhook_Summary(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	require.NoError(t, NewSlack(srv.URL).NotifySummary(context.Background(), Summary{AccountsSynced: 2, Recommendations: 5, HighSeverity: 1}))
	require.Len(t, c.bodies, 1)
	assert.Contains(t, c.bodies[0]["text"], "High severity recommendations: 1")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(telemetry.NewLoggerWithWriter("notify", &buf))
	require.NoError(t, n.Notify(context.Background(), []types.Transition{transition("i-1", types.StateRunning, types.StateStopped)}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "aws instance i-1 is stopped", line["message"])
	assert.Equal(t, "running", line["previous_state"])
	assert.Equal(t, "acct-1", line["account_id"])
}

type stubNotifier struct {
	err   error
	calls int
	panic bool
}

func (s *stubNotifier) Notify(context.Context, []types.Transition) error {
	s.calls++
	if s.panic {
		panic("boom")
	}
	return s.err
}

func TestMulti_JoinsErrors(t *testing.T) {
	errA := errors.New("slack down")
	errB := errors.New("teams down")
	a, b, ok := &stubNotifier{err: errA}, &stubNotifier{err: errB}, &stubNotifier{}

	err := Multi{a, nil, ok, b}.Notify(context.Background(), []types.Transition{transition("i-1", "running", "stopped")})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, b.calls)
}

func TestMulti_SummaryOnlyReachesCapableMembers(t *testing.T) {
	var buf bytes.Buffer
	logN := NewLogNotifier(telemetry.NewLoggerWithWriter("notify", &buf))
	err := Multi{&stubNotifier{}, logN}.NotifySummary(context.Background(), Summary{HighSeverity: 2})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "scheduled sync summary")
}

func TestDispatch(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter("notify", &buf)
	ts := []types.Transition{transition("i-1", "running", "stopped")}

	failing := &stubNotifier{err: errors.New("unreachable")}
	Dispatch(context.Background(), failing, ts, logger)
	assert.Equal(t, 1, failing.calls)
	assert.Contains(t, buf.String(), "failed to deliver notifications")

	buf.Reset()
	assert.NotPanics(t, func() {
		Dispatch(context.Background(), &stubNotifier{panic: true}, ts, logger)
	})
	assert.Contains(t, buf.String(), "notifier panicked")

	skipped := &stubNotifier{}
	Dispatch(context.Background(), skipped, nil, logger)
	Dispatch(context.Background(), nil, ts, logger)
	assert.Zero(t, skipped.calls)
}
