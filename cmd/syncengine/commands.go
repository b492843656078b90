package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/partsmarket/syncengine/internal/config"
	"github.com/partsmarket/syncengine/internal/engine"
	"github.com/partsmarket/syncengine/internal/feed"
	"github.com/partsmarket/syncengine/internal/model"
)

func loadEngine(cmd *cobra.Command, configPath string) (*engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return engine.New(cmd.Context(), &cfg)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane and the cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RunServe(cmd.Context())
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the durable sync request queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, *configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RunWorker(cmd.Context())
		},
	}
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <integration-id>",
		Short: "Run one sync to completion and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, *configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			out, err := e.Orch.Sync(cmd.Context(), args[0], "manual")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func feedCmd(configPath *string) *cobra.Command {
	feedRoot := &cobra.Command{
		Use:   "feed",
		Short: "Feed diagnostics",
	}

	var feedFile string
	testCmd := &cobra.Command{
		Use:   "test [integration-id]",
		Short: "Check feed connectivity without syncing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var integ model.Integration
			var timeout time.Duration

			switch {
			case feedFile != "":
				// A file-backed test never touches the stores; nothing is
				// persisted.
				decoded, err := decodeFeedFile(feedFile)
				if err != nil {
					return err
				}
				integ = decoded
				timeout = config.Default().Sync.FeedTimeout
			case len(args) == 1:
				e, err := loadEngine(cmd, *configPath)
				if err != nil {
					return err
				}
				defer e.Close()

				stored, err := e.Repo.Integrations.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if stored == nil {
					return fmt.Errorf("integration %s not found", args[0])
				}
				integ = *stored
				timeout = e.Cfg.Sync.FeedTimeout
			default:
				return errors.New("an integration id or --config file is required")
			}

			client, err := feed.New(integ, timeout)
			if err != nil {
				return err
			}
			result, err := client.Test(cmd.Context())
			if err != nil {
				log.Error().Err(err).Msg("feed test failed")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	testCmd.Flags().StringVar(&feedFile, "config", "",
		"feed definition file (yaml or json) to test without persisting")
	feedRoot.AddCommand(testCmd)
	return feedRoot
}

// decodeFeedFile reads an integration definition in YAML or JSON. The
// document goes through a JSON round trip so the model's json tags apply to
// both formats.
func decodeFeedFile(path string) (model.Integration, error) {
	var integ model.Integration
	raw, err := os.ReadFile(path)
	if err != nil {
		return integ, fmt.Errorf("failed to read feed definition: %w", err)
	}
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return integ, fmt.Errorf("failed to parse feed definition: %w", err)
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return integ, fmt.Errorf("failed to normalize feed definition: %w", err)
	}
	if err := json.Unmarshal(buf, &integ); err != nil {
		return integ, fmt.Errorf("invalid feed definition: %w", err)
	}
	return integ, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncengine %s (%s)\n", version, commit)
		},
	}
}
