package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/claude-fleet/proxy/pkg/config"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/proxypool"
)

func newProxiesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the proxy pool",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "claude-fleet-proxy.yaml", "path to config file")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show proxy pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var proxyList []models.Proxy
			if data, err := os.ReadFile(cfg.ProxyListPath); err == nil {
				proxyList, err = proxypool.ParseProxyList(string(data))
				if err != nil {
					return err
				}
			} else if !os.IsNotExist(err) {
				return err
			}

			pool, err := proxypool.New(cfg.Proxy, proxyList)
			if err != nil {
				return err
			}
			defer pool.Close()

			status := pool.Status()
			fmt.Printf("Mode:      %s\n", status.Mode)
			fmt.Printf("Strategy:  %s\n", status.Strategy)
			fmt.Printf("Total:     %d\n", status.Total)
			fmt.Printf("Available: %d\n", status.Available)
			if status.CurrentRef != "" {
				fmt.Printf("Current:   %s\n", status.CurrentRef)
			}
			return nil
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}
