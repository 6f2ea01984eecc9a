// Package config handles TOML configuration for CloudWatcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/yairfalse/cloudwatcher/telemetry"
)

// Environment overrides
const (
	EnvEncryptionKey = "CLOUDWATCHER_ENCRYPTION_KEY"
	EnvListen        = "CLOUDWATCHER_LISTEN"
	EnvStoragePath   = "CLOUDWATCHER_STORAGE_PATH"
	EnvLogLevel      = "CLOUDWATCHER_LOG_LEVEL"
	EnvSlackWebhook  = "SLACK_WEBHOOK_URL"
	EnvTeamsWebhook  = "TEAMS_WEBHOOK_URL"
	EnvSyncInterval  = "SYNC_INTERVAL_MINUTES"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Storage drivers
const (
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Notify  NotifyConfig  `toml:"notify"`
	Vault   VaultConfig   `toml:"vault"`
	Rules   RulesConfig   `toml:"rules"`
	Audit   AuditConfig   `toml:"audit"`
	OTEL    OTELConfig    `toml:"otel"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// SyncConfig holds orchestrator and scheduler settings.
type SyncConfig struct {
	Enabled             bool   `toml:"enabled"`
	RunOnStart          bool   `toml:"run_on_start"`
	IntervalStr         string `toml:"interval"`
	Interval            time.Duration
	Concurrency         int    `toml:"concurrency"`
	ConnectorTimeoutStr string `toml:"connector_timeout"`
	ConnectorTimeout    time.Duration
}

// NotifyConfig holds alert channel settings.
type NotifyConfig struct {
	SlackWebhook   string `toml:"slack_webhook"`
	TeamsWebhook   string `toml:"teams_webhook"`
	LogTransitions bool   `toml:"log_transitions"`
	RetryAttempts  uint   `toml:"retry_attempts"`
}

// VaultConfig holds the credential encryption key.
type VaultConfig struct {
	Key string `toml:"key"`
}

// RulesConfig holds recommendation engine settings.
type RulesConfig struct {
	Enabled   bool   `toml:"enabled"`
	PolicyDir string `toml:"policy_dir"`
}

// AuditConfig holds audit journal settings.
type AuditConfig struct {
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
	MaxFileSizeMB int    `toml:"max_file_size_mb"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Environment string        `toml:"environment"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Telemetry converts to the telemetry package's LogConfig
func (l LogConfig) Telemetry() telemetry.LogConfig {
	return telemetry.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Default returns a usable configuration without any file.
func Default() *Config {
	cfg := &Config{
		Sync: SyncConfig{
			Enabled: true,
		},
		Notify: NotifyConfig{
			LogTransitions: true,
		},
		Rules: RulesConfig{
			Enabled: true,
		},
		OTEL: OTELConfig{
			Traces:  TracesConfig{Enabled: true, SampleRate: 1.0},
			Metrics: MetricsConfig{Enabled: true},
		},
	}
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		panic(err) // defaults always parse
	}
	return cfg
}

// Load reads a TOML config file over the defaults, then applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":5050"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBolt
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "cloudwatcher.db"
	}
	if cfg.Sync.IntervalStr == "" {
		cfg.Sync.IntervalStr = "60m"
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = 4
	}
	if cfg.Sync.ConnectorTimeoutStr == "" {
		cfg.Sync.ConnectorTimeoutStr = "20s"
	}
	if cfg.Notify.RetryAttempts == 0 {
		cfg.Notify.RetryAttempts = 3
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "audit"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 30
	}
	if cfg.Audit.MaxFileSizeMB == 0 {
		cfg.Audit.MaxFileSizeMB = 64
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "cloudwatcher"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyEnv(cfg *Config) error {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvEncryptionKey, &cfg.Vault.Key)
	set(EnvListen, &cfg.Server.Listen)
	set(EnvStoragePath, &cfg.Storage.Path)
	set(EnvLogLevel, &cfg.Log.Level)
	set(EnvSlackWebhook, &cfg.Notify.SlackWebhook)
	set(EnvTeamsWebhook, &cfg.Notify.TeamsWebhook)
	set(EnvOTLPEndpoint, &cfg.OTEL.Endpoint)

	if v, ok := os.LookupEnv(EnvSyncInterval); ok && strings.TrimSpace(v) != "" {
		minutes, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || minutes <= 0 {
			return fmt.Errorf("%s must be a positive integer (got %q)", EnvSyncInterval, v)
		}
		cfg.Sync.IntervalStr = fmt.Sprintf("%dm", minutes)
	}
	return nil
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Sync.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", cfg.Sync.IntervalStr, err)
	}
	cfg.Sync.Interval = d

	d, err = time.ParseDuration(cfg.Sync.ConnectorTimeoutStr)
	if err != nil {
		return fmt.Errorf("parse connector_timeout %q: %w", cfg.Sync.ConnectorTimeoutStr, err)
	}
	cfg.Sync.ConnectorTimeout = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Driver != DriverBolt && c.Storage.Driver != DriverMemory {
		errs = append(errs, fmt.Errorf("storage: driver must be %q or %q (got %q)", DriverBolt, DriverMemory, c.Storage.Driver))
	}
	if c.Sync.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("sync: interval must be at least 1m (got %s)", c.Sync.Interval))
	}
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 64 {
		errs = append(errs, fmt.Errorf("sync: concurrency must be between 1 and 64 (got %d)", c.Sync.Concurrency))
	}
	if c.Sync.ConnectorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync: connector_timeout must be positive"))
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("audit: retention_days must not be negative"))
	}
	if c.Audit.MaxFileSizeMB < 0 {
		errs = append(errs, fmt.Errorf("audit: max_file_size_mb must not be negative"))
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format))
	}
	return errors.Join(errs...)
}
