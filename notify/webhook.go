package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/cloudwatcher/types"
)

// Channel is the webhook payload dialect
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelTeams Channel = "teams"
)

// DefaultTimeout bounds each webhook POST
const DefaultTimeout = 10 * time.Second

// WebhookNotifier posts alerts to a Slack or Teams incoming webhook
type WebhookNotifier struct {
	channel    Channel
	url        string
	client     *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// WebhookOption configures a WebhookNotifier
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// WithRetry sets the attempt count and the first retry delay for
// retryable responses (429 and 5xx)
func WithRetry(maxTries uint, initial time.Duration) WebhookOption {
	if maxTries == 0 {
		maxTries = 1
	}
	return func(w *WebhookNotifier) {
		w.maxTries = maxTries
		w.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			return b
		}
	}
}

// NewWebhook creates a notifier for the given channel
func NewWebhook(channel Channel, url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		channel:    channel,
		url:        url,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxTries:   3,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewSlack creates a Slack incoming webhook notifier
func NewSlack(url string, opts ...WebhookOption) *WebhookNotifier {
	return NewWebhook(ChannelSlack, url, opts...)
}

// NewTeams creates a Microsoft Teams incoming webhook notifier
func NewTeams(url string, opts ...WebhookOption) *WebhookNotifier {
	return NewWebhook(ChannelTeams, url, opts...)
}

// Channel returns the payload dialect
func (w *WebhookNotifier) Channel() Channel {
	return w.channel
}

// Notify posts one message per transition
func (w *WebhookNotifier) Notify(ctx context.Context, transitions []types.Transition) error {
	var errs []error
	for _, t := range transitions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		alert := NewAlert(t)
		if err := w.post(ctx, w.payload(alert.Subject, alert.Fields)); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", w.channel, t.Identity, err))
		}
	}
	return errors.Join(errs...)
}

// NotifySummary implements SummaryNotifier
func (w *WebhookNotifier) NotifySummary(ctx context.Context, s Summary) error {
	if err := w.post(ctx, w.payload(s.text(), s.fields())); err != nil {
		return fmt.Errorf("%s summary: %w", w.channel, err)
	}
	return nil
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type teamsPayload struct {
	Text     string         `json:"text"`
	Sections []teamsSection `json:"sections,omitempty"`
}

type teamsSection struct {
	Facts []teamsFact `json:"facts"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (w *WebhookNotifier) payload(text string, fields []Field) any {
	if w.channel == ChannelTeams {
		facts := make([]teamsFact, 0, len(fields))
		for _, f := range fields {
			facts = append(facts, teamsFact{Name: f.Name, Value: f.Value})
		}
		return teamsPayload{Text: text, Sections: []teamsSection{{Facts: facts}}}
	}

	sf := make([]slackField, 0, len(fields))
	for _, f := range fields {
		sf = append(sf, slackField{Title: f.Name, Value: f.Value, Short: true})
	}
	return slackPayload{Text: text, Attachments: []slackAttachment{{Fields: sf}}}
}

// StatusError is a webhook response with status >= 400
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

func (w *WebhookNotifier) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.send(ctx, body)
	}, backoff.WithBackOff(w.newBackOff()), backoff.WithMaxTries(w.maxTries))
	return err
}

func (w *WebhookNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}
