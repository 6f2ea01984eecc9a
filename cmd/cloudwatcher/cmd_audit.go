package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cloudwatcher/internal/config"
	"github.com/yairfalse/cloudwatcher/vault"
	"github.com/yairfalse/cloudwatcher/wal"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new credential encryption key",
		Long: fmt.Sprintf(`Print a random 256-bit key for credential encryption.

Store it in %s or [vault] key. Accounts encrypted with one key cannot
be read with another.`, config.EnvEncryptionKey),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		since      time.Duration
		entryTypes []string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit journal entries as JSON lines",
		Example: `  cloudwatcher audit --since 24h
  cloudwatcher audit --type instance.transition --type sync.completed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := a.cfg.Audit.Dir
			if dir == "" {
				return errors.New("audit journal is disabled: set [audit] dir")
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			wanted := make(map[wal.EntryType]bool, len(entryTypes))
			for _, t := range entryTypes {
				wanted[wal.EntryType(t)] = true
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			return wal.Replay(dir, from, func(e *wal.Entry) error {
				if len(wanted) > 0 && !wanted[e.Type] {
					return nil
				}
				return enc.Encode(e)
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 24h)")
	cmd.Flags().StringArrayVar(&entryTypes, "type", nil, "Only entries of this type, repeatable")
	return cmd
}
