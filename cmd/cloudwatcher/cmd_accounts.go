package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cloudwatcher/internal/accounts"
	"github.com/yairfalse/cloudwatcher/internal/config"
	"github.com/yairfalse/cloudwatcher/types"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage cloud accounts",
	}
	cmd.AddCommand(
		newAccountsListCmd(a),
		newAccountsAddCmd(a),
		newAccountsImportCmd(a),
		newAccountsToggleCmd(a, "disable", true),
		newAccountsToggleCmd(a, "enable", false),
		newAccountsRemoveCmd(a),
	)
	return cmd
}

func newAccountsListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			list, err := d.Accounts().List(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return printAccounts(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printAccounts(out io.Writer, list []types.Account) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No accounts registered")
		return err
	}

	table := newTable(out, "ID", "NAME", "PROVIDER", "STATUS", "INSTANCES", "LAST SYNC", "LAST ERROR")
	for _, acct := range list {
		lastSync := "-"
		if acct.LastSyncAt != nil {
			lastSync = acct.LastSyncAt.Format("2006-01-02 15:04:05")
		}
		table.Append([]string{
			acct.ID, acct.Name, acct.Provider.DisplayName(), string(acct.Status),
			strconv.Itoa(acct.InstanceCount), lastSync, acct.LastError,
		})
	}
	table.Render()
	return nil
}

func newAccountsAddCmd(a *app) *cobra.Command {
	var (
		req   accounts.CreateRequest
		creds []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		Long: `Register a cloud account. Credentials are validated against the
provider's required fields and encrypted before they are stored.

Required credentials:
  aws    access_key_id, secret_access_key, region
  azure  tenant_id, client_id, client_secret, subscription_id
  gcp    project_id, service_account_json
  do     token`,
		Example: `  cloudwatcher accounts add --provider do --name droplets --cred token=$DO_TOKEN
  cloudwatcher accounts add --provider aws --cred access_key_id=AKIA... \
      --cred secret_access_key=... --cred region=us-east-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseCreds(creds)
			if err != nil {
				return err
			}
			req.Credentials = parsed

			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			acct, err := d.Accounts().Create(ctx, req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created account %s (%s, %s)\n", acct.ID, acct.Name, acct.Provider)
			return err
		},
	}

	cmd.Flags().StringVar(&req.Provider, "provider", "", "Cloud provider (aws, azure, gcp, do)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name (default <provider>-account)")
	cmd.Flags().StringArrayVar(&creds, "cred", nil, "Credential as key=value, repeatable")
	cmd.Flags().BoolVar(&req.Disabled, "disabled", false, "Register the account disabled")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

// parseCreds turns key=value pairs into a credential map
func parseCreds(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid credential %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func newAccountsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register accounts from a YAML seed file",
		Long: `Register every account listed in a YAML seed file. Accounts whose
provider and name already exist are left untouched. ${VAR} references in
credential values are expanded from the environment.`,
		Example: `  cloudwatcher accounts import accounts.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := config.LoadSeed(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			res, err := d.Accounts().Import(ctx, seeds)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d account(s), %d already registered\n",
				len(res.Created), len(res.Existing))
			return err
		},
	}
}

func newAccountsToggleCmd(a *app, verb string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " syncing for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			acct, err := d.Accounts().SetDisabled(ctx, args[0], disabled)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Account %s is %s\n", acct.ID, acct.Status)
			return err
		},
	}
}

func newAccountsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Delete an account with its instances and recommendations",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			if err := d.Accounts().Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted account %s\n", args[0])
			return err
		},
	}
}
