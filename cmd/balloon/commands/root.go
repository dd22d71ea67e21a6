// Package commands implements the CLI commands for balloon server management.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "balloon",
	Short: "Balloon - cloud storage backend",
	Long: `Balloon is a file storage and synchronization backend. It serves a
per-user virtual filesystem of collections and files with sharing,
version history, quotas and a cursor-based delta feed, over
content-addressed deduplicating blob storage.

Use "balloon [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rootCmd.PrintErrf("Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/balloon/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(userCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads the configuration honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
