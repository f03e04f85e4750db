package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "claude-fleet-proxy",
		Short:   "Anthropic Messages API reverse proxy backed by a fleet of Claude.ai accounts",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newAccountsCmd(),
		newProxiesCmd(),
		newStatsCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
