package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects level, encoding and sinks for every component logger
type LogConfig struct {
	Level      string
	Format     string // json or console
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup installs the global level and output. Loggers created after it
// returns write to the configured sinks. The returned closer releases
// the rotating file, if any.
func Setup(cfg LogConfig) (io.Closer, error) {
	return setupWith(cfg, os.Stdout)
}

func setupWith(cfg LogConfig, stdout io.Writer) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = stdout
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
	case "console", "text":
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.File == "" {
		setOutput(console)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    withDefault(cfg.MaxSizeMB, 100),
		MaxBackups: withDefault(cfg.MaxBackups, 7),
		MaxAge:     withDefault(cfg.MaxAgeDays, 7),
		Compress:   cfg.Compress,
	}
	setOutput(zerolog.MultiLevelWriter(console, rotator))
	return rotator, nil
}

// ParseLevel maps a level name to zerolog, defaulting to info
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func withDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
