package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/client"
	"github.com/openfroyo/crashrelay/pkg/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	buildVersion = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crashrelay",
		Short: "crashrelay - durable crash and telemetry delivery",
		Long: `crashrelay buffers telemetry items and crash reports on disk and delivers
them to a collector over HTTP.

Features:
  - Durable FIFO queue (file, SQLite or memory storage)
  - Exponential backoff honoring Retry-After
  - Per-item partial success handling
  - Context enrichment via Starlark scripts
  - Item filtering via Rego policies
  - Local reference collector for development`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (yaml, json or cue)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override telemetry.log_level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newTrackCommand())
	rootCmd.AddCommand(newFlushCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newSinkCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newAgentCommand())

	return rootCmd
}

// loadConfig reads --config, or the defaults plus environment when no file
// is given, and applies --log-level.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		config.ApplyEnv(cfg)
	}

	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withClient opens a client, runs fn and closes the client. Close makes the
// final flush.
func withClient(ctx context.Context, fn func(c *client.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := client.NewFromConfig(ctx, cfg, client.Dependencies{})
	if err != nil {
		return err
	}

	runErr := fn(c)
	if err := c.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
