package main

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:   "syncengine",
		Short: "Integration sync engine for the parts marketplace",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(workerCmd(&configPath))
	root.AddCommand(syncCmd(&configPath))
	root.AddCommand(feedCmd(&configPath))
	root.AddCommand(versionCmd())

	return root.ExecuteContext(ctx)
}
