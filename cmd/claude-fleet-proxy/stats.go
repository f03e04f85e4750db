package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/claude-fleet/proxy/pkg/audit"
	"github.com/claude-fleet/proxy/pkg/config"
	"github.com/claude-fleet/proxy/pkg/healthlog"
	"github.com/claude-fleet/proxy/pkg/models"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		model      string
		health     bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request and fleet-health statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if health {
				return printHealthStats(cfg.HealthLogPath)
			}
			return printAuditStats(cfg.Audit, model)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "claude-fleet-proxy.yaml", "path to config file")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().BoolVar(&health, "health", false, "show fleet health events instead of request stats")
	return cmd
}

func printAuditStats(cfg models.AuditConfig, model string) error {
	if !cfg.Enabled {
		fmt.Println("auditing is disabled; no request statistics available.")
		return nil
	}

	logger, err := audit.New(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := context.Background()

	if model != "" {
		entries, err := logger.Query(ctx, models.AuditQueryOpts{Model: model, Limit: 50})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no requests found for model.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST ID\tACCOUNT\tDRIVER\tSTATUS\tINPUT\tOUTPUT\tLATENCY (ms)\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
				e.RequestID, e.AccountID, e.Driver, e.StatusCode, formatCount(e.InputTokens), formatCount(e.OutputTokens),
				e.LatencyMs, formatTimestamp(e.CreatedAt))
		}
		return w.Flush()
	}

	stats, err := logger.Stats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("no usage data found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tDAY\tREQUESTS")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Model, s.Day, formatCount(s.Count))
	}
	return w.Flush()
}

func printHealthStats(path string) error {
	hlog, err := healthlog.Open(path)
	if err != nil {
		return err
	}
	defer hlog.Close()

	stats, err := hlog.Stats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("no health events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tENTITY\tCOUNT")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Kind, s.EntityID, formatCount(int(s.Count)))
	}
	return w.Flush()
}
