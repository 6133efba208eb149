package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gattflow/internal/config"
)

const appName = "gattflow"

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   appName,
		Short: "Schedule GATT operations against BLE peripherals",
		Long: `gattflow runs the operation scheduling engine against a radio adapter.

It queues connects, reads, writes and scans per device, times them out
from observed latencies, retries failures and reconnects dropped links.
Events can be streamed over WebSocket and stored in a local history.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: ~/.config/gattflow/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(flags), newHistoryCmd(flags), newInitCmd(), newVersionCmd())
	return root
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. The returned note
// says where the config came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, "config loaded from " + path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, "config loaded from " + defaultPath, nil
	}

	return config.Default(), "no config file found, using defaults", nil
}

// resolveConfig applies flag overrides and validates.
func resolveConfig(flags *rootFlags) (*config.Config, string, error) {
	cfg, note, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, "", fmt.Errorf("config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}
	return cfg, note, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
