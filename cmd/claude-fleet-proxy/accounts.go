package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/config"
	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/probe"
)

func newAccountsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the fleet account registry",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "claude-fleet-proxy.yaml", "path to config file")

	cmd.AddCommand(
		newAccountsListCmd(&configPath),
		newAccountsAddCmd(&configPath),
		newAccountsRemoveCmd(&configPath),
		newAccountsRefreshCmd(&configPath),
	)
	return cmd
}

func openRegistry(configPath string) (*accounts.Registry, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	prober := &probe.Prober{WebBaseURL: defaultWebBaseURL, APIBaseURL: defaultAPIBaseURL, Timeout: 30 * time.Second}
	prober.Conversations = &drivers.WebDriver{BaseURL: defaultWebBaseURL, Timeout: 30 * time.Second}
	reg, err := accounts.New(cfg.AccountsPath, prober)
	if err != nil {
		return nil, nil, err
	}
	return reg, cfg, nil
}

func newAccountsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List fleet accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := openRegistry(*configPath)
			if err != nil {
				return err
			}
			accs := reg.List()
			if len(accs) == 0 {
				fmt.Println("no accounts registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIER\tSTATUS\tOAUTH\tWEB\tSESSIONS\tLAST USED")
			for _, a := range accs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
					a.ID, a.Tier, a.Status, a.CanOAuth, a.CanWeb, formatCount(a.SessionCount), formatTimestamp(a.LastUsed))
			}
			return w.Flush()
		},
	}
}

func newAccountsAddCmd(configPath *string) *cobra.Command {
	var (
		id, tier, cookie, refreshToken string
		canOAuth, canWeb               bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new fleet account",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := openRegistry(*configPath)
			if err != nil {
				return err
			}
			acc := &models.Account{
				ID:       id,
				Tier:     models.AccountTier(tier),
				CanOAuth: canOAuth,
				CanWeb:   canWeb,
				Status:   models.AccountValid,
				Creds: models.Credentials{
					Cookie:       cookie,
					OAuthRefresh: refreshToken,
				},
			}
			if err := reg.Add(acc); err != nil {
				return err
			}
			fmt.Printf("account %s added.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "account identifier (required)")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierFree), "account tier: free, pro, or max")
	cmd.Flags().StringVar(&cookie, "cookie", "", "session cookie for the web path")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().BoolVar(&canOAuth, "can-oauth", false, "enable the OAuth path for this account")
	cmd.Flags().BoolVar(&canWeb, "can-web", false, "enable the web path for this account")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newAccountsRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a fleet account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := openRegistry(*configPath)
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("account %s removed.\n", args[0])
			return nil
		},
	}
}

func newAccountsRefreshCmd(configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "refresh [id]",
		Short: "Re-probe one or all accounts' health",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := openRegistry(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()

			if all {
				ids := make([]string, 0)
				for _, a := range reg.List() {
					ids = append(ids, a.ID)
				}
				errs := reg.BatchRefresh(ctx, ids, 5)
				for id, err := range errs {
					if err != nil {
						fmt.Printf("%s: error: %v\n", id, err)
					}
				}
				fmt.Printf("refreshed %d accounts.\n", len(ids))
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("specify an account id or pass --all")
			}
			status, err := reg.Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "refresh every account")
	return cmd
}
