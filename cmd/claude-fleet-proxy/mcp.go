package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claude-fleet/proxy/pkg/audit"
	"github.com/claude-fleet/proxy/pkg/healthlog"
	"github.com/claude-fleet/proxy/pkg/mcp"
	"github.com/claude-fleet/proxy/pkg/proxypool"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start claude-fleet-proxy as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, cfg, err := openRegistry(configPath)
			if err != nil {
				return err
			}

			var pool *proxypool.Pool
			if data, rerr := os.ReadFile(cfg.ProxyListPath); rerr == nil {
				parsed, perr := proxypool.ParseProxyList(string(data))
				if perr != nil {
					return perr
				}
				pool, err = proxypool.New(cfg.Proxy, parsed)
			} else {
				pool, err = proxypool.New(cfg.Proxy, nil)
			}
			if err != nil {
				return err
			}
			defer pool.Close()

			auditLog, err := audit.New(cfg.Audit)
			if err != nil {
				return err
			}
			if auditLog != nil {
				defer auditLog.Close()
			}

			hlog, err := healthlog.Open(cfg.HealthLogPath)
			if err != nil {
				return err
			}
			defer hlog.Close()

			srv := mcp.New(registry, pool, auditLog, hlog, version)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "claude-fleet-proxy.yaml", "path to config file")
	return cmd
}
