package telemetry

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cloudwatcher/types"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

func setOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a logger for a component, writing to the sink
// configured by Setup
func NewLogger(service string) *Logger {
	return NewLoggerWithWriter(service, currentOutput())
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSyncStarted records the start of a sync run
func (l *Logger) LogSyncStarted(ctx context.Context, runID string, source types.TriggerSource, accounts int) {
	l.WithContext(ctx).Info().
		Str("run_id", runID).
		Str("source", string(source)).
		Int("accounts", accounts).
		Msg("sync started")
}

// LogSyncCompleted records the end of a sync run
func (l *Logger) LogSyncCompleted(ctx context.Context, report *types.SyncReport) {
	event := l.WithContext(ctx).Info()
	if report.Failed > 0 || report.Error != "" {
		event = l.WithContext(ctx).Warn()
	}
	event.
		Str("run_id", report.ID).
		Str("source", string(report.Source)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("count", report.TotalInstances).
		Int("transitions", len(report.Transitions)).
		Dur("duration", report.Duration).
		Msg("sync completed")
}

// LogAccountOutcome records the result of one account sync
func (l *Logger) LogAccountOutcome(ctx context.Context, o types.AccountOutcome) {
	logger := l.WithContext(ctx)
	switch o.Status {
	case types.OutcomeError:
		logger.Error().
			Str("account_id", o.AccountID).
			Str("provider", string(o.Provider)).
			Str("kind", string(o.ErrorKind)).
			Str("error", o.Error).
			Dur("duration", time.Duration(o.DurationMS)*time.Millisecond).
			Msg("account sync failed")
	case types.OutcomeSkipped:
		logger.Info().
			Str("account_id", o.AccountID).
			Str("provider", string(o.Provider)).
			Str("reason", o.Error).
			Msg("account sync skipped")
	default:
		logger.Info().
			Str("account_id", o.AccountID).
			Str("provider", string(o.Provider)).
			Int("count", o.Count).
			Int("transitions", o.Transitions).
			Int("disappeared", o.Disappeared).
			Int("anomalies", o.Anomalies).
			Dur("duration", time.Duration(o.DurationMS)*time.Millisecond).
			Msg("account synced")
	}
}

// LogStorageError records a failed persistence call
func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
