package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/types"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account-id]",
		Short: "Sync all enabled accounts, or one account, once",
		Long: `Fetch instances from every enabled account (or only the given one),
reconcile them against the stored snapshot and print the run report.

Exits non-zero when any account failed.`,
		Example: `  cloudwatcher sync
  cloudwatcher sync 5b7c1f0e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			var report *types.SyncReport
			if len(args) == 1 {
				report, err = d.Orchestrator().RunAccount(ctx, types.SourceCLI, args[0])
			} else {
				report, err = d.Orchestrator().Run(ctx, types.SourceCLI)
			}
			if report != nil {
				if encErr := writeJSON(cmd.OutOrStdout(), report); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("sync finished with %d failed account(s)", report.Failed)
			}
			return nil
		},
	}
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			logs, err := d.Store().ListSyncLogs(ctx, storage.ClampLimit(limit))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), logs)
			}
			return printLogs(cmd.OutOrStdout(), logs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (max 500)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printLogs(out io.Writer, logs []types.SyncLogEntry) error {
	if len(logs) == 0 {
		_, err := fmt.Fprintln(out, "No sync runs recorded")
		return err
	}

	table := newTable(out, "ID", "SOURCE", "STARTED", "DURATION", "ACCOUNTS", "INSTANCES", "TRANSITIONS", "ERROR")
	for _, l := range logs {
		table.Append([]string{
			l.ID,
			string(l.Source),
			l.StartedAt.Format(time.RFC3339),
			(time.Duration(l.DurationMS) * time.Millisecond).String(),
			strconv.Itoa(len(l.Results)),
			strconv.Itoa(l.TotalInstances),
			strconv.Itoa(l.Transitions),
			l.Error,
		})
	}
	table.Render()
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable renders borderless, left-aligned columns
func newTable(out io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}
