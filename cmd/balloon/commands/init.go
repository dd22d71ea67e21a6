package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/balloonfs/balloon/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Write a configuration file populated with defaults.

By default the file is created at $XDG_CONFIG_HOME/balloon/config.yaml.
Use --config to specify a custom path and --force to overwrite an
existing file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Create a user with: balloon user add <id> <username>")
	fmt.Println("  3. Start the server with: balloon serve")
	return nil
}
