package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cloudwatcher/internal/daemon"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and the sync scheduler",
		Long: `Run CloudWatcher as a service.

Serves the HTTP API and /metrics, and syncs every enabled account on the
configured interval. Stops gracefully on SIGINT/SIGTERM.`,
		Example: `  cloudwatcher serve
  cloudwatcher serve --listen :8080
  cloudwatcher serve -c /etc/cloudwatcher/config.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if listen != "" {
				cfg.Server.Listen = listen
			}

			d, err := daemon.New(cmd.Context(), cfg,
				daemon.WithRegistry(newRegistry()),
				daemon.WithVersion(version),
			)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			defer func() { _ = d.Close() }()

			if err := d.Start(cmd.Context()); err != nil {
				return fmt.Errorf("daemon error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides config)")
	return cmd
}
