package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cloudwatcher/internal/config"
	"github.com/yairfalse/cloudwatcher/internal/daemon"
	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/providers/all"
	"github.com/yairfalse/cloudwatcher/telemetry"
)

var version = "0.1.0"

// newRegistry builds the connector registry; tests swap it for fakes
var newRegistry = func() *providers.Registry { return all.Default() }

// app carries state shared by subcommands after the root pre-run
type app struct {
	configPath string
	envFiles   []string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "cloudwatcher",
		Short: "Multi-cloud instance inventory sync",
		Long: `CloudWatcher - multi-cloud instance inventory

CloudWatcher keeps an inventory of compute instances across AWS, Azure,
GCP and DigitalOcean accounts, detects running/stopped transitions
between syncs and raises recommendations and alerts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	root.SetVersionTemplate(`CloudWatcher {{.Version}}
`)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("CLOUDWATCHER_CONFIG"), "Path to TOML config file")
	flags.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before the config")

	root.AddCommand(
		newServeCmd(a),
		newSyncCmd(a),
		newLogsCmd(a),
		newAccountsCmd(a),
		newKeygenCmd(),
		newAuditCmd(a),
	)
	return root
}

func (a *app) load() error {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	closer, err := telemetry.Setup(cfg.Log.Telemetry())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logCloser = closer
	return nil
}

// open assembles the engine for one-shot commands. Telemetry export is
// left to serve.
func (a *app) open(ctx context.Context) (*daemon.Daemon, error) {
	cfg := *a.cfg
	cfg.OTEL.Metrics.Enabled = false
	cfg.OTEL.Traces.Enabled = false
	cfg.Sync.Enabled = false
	return daemon.New(ctx, &cfg,
		daemon.WithRegistry(newRegistry()),
		daemon.WithVersion(version),
	)
}
