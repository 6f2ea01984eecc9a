// Package daemon assembles the sync engine from configuration and runs
// the HTTP API and scheduler until interrupted.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/yairfalse/cloudwatcher/internal/accounts"
	"github.com/yairfalse/cloudwatcher/internal/api"
	"github.com/yairfalse/cloudwatcher/internal/config"
	"github.com/yairfalse/cloudwatcher/internal/scheduler"
	"github.com/yairfalse/cloudwatcher/notify"
	"github.com/yairfalse/cloudwatcher/orchestrator"
	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/providers/all"
	"github.com/yairfalse/cloudwatcher/rules"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/vault"
	"github.com/yairfalse/cloudwatcher/wal"
)

const shutdownTimeout = 10 * time.Second

// Option configures a Daemon
type Option func(*Daemon)

// WithRegistry replaces the default connector registry
func WithRegistry(r *providers.Registry) Option {
	return func(d *Daemon) { d.registry = r }
}

// WithLogger overrides the daemon logger
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithVersion sets the version reported by /health and telemetry
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// Daemon owns every long-lived component
type Daemon struct {
	cfg      *config.Config
	version  string
	logger   *telemetry.Logger
	registry *providers.Registry

	store     storage.Store
	codec     vault.Codec
	journal   *wal.WAL
	telemetry *telemetry.Provider
	metrics   *SyncMetrics

	orchestrator *orchestrator.Orchestrator
	accounts     *accounts.Service
	scheduler    *scheduler.Scheduler
	api          *api.Server

	mu   sync.Mutex
	addr string
}

// New builds every component described by cfg
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		version: "dev",
		logger:  telemetry.NewLogger("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = all.Default()
	}

	if err := d.init(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init(ctx context.Context) error {
	var err error
	if d.store, err = openStore(d.cfg.Storage); err != nil {
		return err
	}
	if d.codec, err = d.openVault(ctx); err != nil {
		return err
	}
	if err := d.openJournal(ctx); err != nil {
		return err
	}
	if err := d.setupTelemetry(ctx); err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithConcurrency(d.cfg.Sync.Concurrency),
		orchestrator.WithConnectorTimeout(d.cfg.Sync.ConnectorTimeout),
		orchestrator.WithVault(d.codec),
		orchestrator.WithNotifier(d.notifier()),
		orchestrator.WithLogger(telemetry.NewLogger("orchestrator")),
	}
	if d.cfg.Rules.Enabled {
		ruleOpts := []rules.Option{}
		if d.cfg.Rules.PolicyDir != "" {
			ruleOpts = append(ruleOpts, rules.WithPolicyDir(d.cfg.Rules.PolicyDir))
		}
		engine, err := rules.New(ctx, ruleOpts...)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithRules(engine))
	}
	if d.journal != nil {
		orchOpts = append(orchOpts, orchestrator.WithAudit(d.journal))
	}
	if d.metrics != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(d.metrics))
	}
	d.orchestrator = orchestrator.New(d.store, d.registry, orchOpts...)

	acctOpts := []accounts.Option{}
	if d.journal != nil {
		acctOpts = append(acctOpts, accounts.WithJournal(d.journal))
	}
	d.accounts = accounts.NewService(d.store, d.registry, d.codec, acctOpts...)

	if d.cfg.Sync.Enabled {
		if err := d.setupScheduler(); err != nil {
			return err
		}
	}

	apiCfg := api.Config{
		Store:    d.store,
		Syncer:   d.orchestrator,
		Accounts: d.accounts,
		Logger:   telemetry.NewLogger("api"),
		Version:  d.version,
	}
	if d.cfg.Rules.Enabled {
		apiCfg.Recommender = d.orchestrator
	}
	if d.scheduler != nil {
		apiCfg.Scheduler = d.scheduler
	}
	if d.journal != nil {
		apiCfg.Journal = d.journal
		apiCfg.Audit = d.journal
	}
	if d.telemetry != nil {
		apiCfg.Metrics = d.telemetry.MetricsHandler()
	}
	d.api = api.New(apiCfg)
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverBolt, "":
		store, err := storage.NewBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", cfg.Path, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func (d *Daemon) openVault(ctx context.Context) (vault.Codec, error) {
	if d.cfg.Vault.Key == "" {
		d.logger.WithContext(ctx).Warn().
			Str("env", config.EnvEncryptionKey).
			Msg("no encryption key configured, credentials are stored unencrypted")
		return vault.Plaintext{}, nil
	}
	v, err := vault.NewFromString(d.cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	return v, nil
}

func (d *Daemon) openJournal(ctx context.Context) error {
	if d.cfg.Audit.Dir == "" {
		return nil
	}
	walCfg := wal.Config{
		MaxFileSize:   int64(d.cfg.Audit.MaxFileSizeMB) * 1024 * 1024,
		RetentionDays: d.cfg.Audit.RetentionDays,
	}

	stats, err := wal.Cleanup(d.cfg.Audit.Dir, walCfg)
	if err != nil {
		d.logger.WithContext(ctx).Warn().Err(err).Msg("audit cleanup failed")
	} else if stats.FilesRemoved > 0 {
		d.logger.WithContext(ctx).Info().
			Int("files_removed", stats.FilesRemoved).
			Int64("bytes_freed", stats.BytesFreed).
			Msg("removed expired audit files")
	}

	d.journal, err = wal.OpenWithConfig(d.cfg.Audit.Dir, walCfg)
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	return nil
}

func (d *Daemon) setupTelemetry(ctx context.Context) error {
	otelCfg := d.cfg.OTEL
	if !otelCfg.Metrics.Enabled && !otelCfg.Traces.Enabled {
		return nil
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    otelCfg.ServiceName,
		ServiceVersion: d.version,
		Environment:    otelCfg.Environment,
		Endpoint:       otelCfg.Endpoint,
		Insecure:       otelCfg.Insecure,
		SampleRate:     otelCfg.Traces.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	d.telemetry = tp

	if otelCfg.Metrics.Enabled {
		if d.metrics, err = NewSyncMetrics(tp.Meter()); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}
	return nil
}

// notifier fans transitions out to every configured channel
func (d *Daemon) notifier() notify.Notifier {
	var m notify.Multi
	if d.cfg.Notify.LogTransitions {
		m = append(m, notify.NewLogNotifier(telemetry.NewLogger("notify")))
	}
	retry := notify.WithRetry(d.cfg.Notify.RetryAttempts, time.Second)
	if url := d.cfg.Notify.SlackWebhook; url != "" {
		m = append(m, notify.NewSlack(url, retry))
	}
	if url := d.cfg.Notify.TeamsWebhook; url != "" {
		m = append(m, notify.NewTeams(url, retry))
	}
	return m
}

func (d *Daemon) setupScheduler() error {
	schedOpts := []scheduler.Option{scheduler.WithLogger(telemetry.NewLogger("scheduler"))}
	if d.journal != nil {
		schedOpts = append(schedOpts, scheduler.WithJournal(d.journal))
	}
	d.scheduler = scheduler.New(schedOpts...)

	return d.scheduler.Add(scheduler.Job{
		ID:         scheduler.SyncJobID,
		Name:       scheduler.SyncJobName,
		Interval:   d.cfg.Sync.Interval,
		RunOnStart: d.cfg.Sync.RunOnStart,
		Run:        d.scheduledSync,
	})
}

func (d *Daemon) scheduledSync(ctx context.Context) error {
	source := types.SourceSchedule
	if scheduler.TriggerFrom(ctx) == scheduler.TriggerManual {
		source = types.SourceManual
	}
	report, err := d.orchestrator.Run(ctx, source)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", report.Failed, len(report.Accounts))
	}
	return nil
}

// Start serves the API and runs the scheduler until ctx is cancelled,
// SIGINT or SIGTERM arrives, or a component fails.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr().String()
	d.mu.Unlock()

	var g run.Group

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	srv := &http.Server{
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Add(func() error {
		d.logger.WithContext(ctx).Info().Str("addr", d.Addr()).Msg("api listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.logger.WithContext(ctx).Warn().Err(err).Msg("api shutdown")
		}
	})

	if d.scheduler != nil {
		schedCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.scheduler.Start(schedCtx)
			<-schedCtx.Done()
			return nil
		}, func(error) {
			cancel()
			d.scheduler.Stop()
		})
	}

	d.logger.WithContext(ctx).Info().
		Str("version", d.version).
		Bool("scheduler", d.scheduler != nil).
		Dur("interval", d.cfg.Sync.Interval).
		Msg("cloudwatcher started")

	err = g.Run()
	d.orchestrator.Wait()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		d.logger.WithContext(ctx).Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr is the bound API address once Start is listening
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Orchestrator returns the shared sync orchestrator
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// Accounts returns the account service
func (d *Daemon) Accounts() *accounts.Service {
	return d.accounts
}

// Store returns the open store
func (d *Daemon) Store() storage.Store {
	return d.store
}

// Scheduler returns the scheduler, or nil when syncs are not scheduled
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Close releases the store, journal and telemetry providers
func (d *Daemon) Close() error {
	var errs []error
	if d.orchestrator != nil {
		d.orchestrator.Wait()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
