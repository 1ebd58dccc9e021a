// Package cmd provides the CLI commands for quota-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/quotagate/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "quota-gate",
	Short: "quota-gate - endpoint registry and per-tier rate limiter",
	Long: `quota-gate decides whether an actor may call an endpoint.

It keeps a registry of endpoints (path pattern, verb, visibility), applies
per-tier quotas over a sliding or fixed window, and answers admission
checks over HTTP for a reverse proxy (auth_request / forward-auth).

Quick start:
  1. Create a config file: quota-gate.yaml
  2. Run: quota-gate start

Configuration:
  Config is loaded from quota-gate.yaml in the current directory,
  $HOME/.quota-gate/, or /etc/quota-gate/.

  Environment variables can override config values with the QUOTA_GATE_ prefix.
  Example: QUOTA_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the admission server
  stop        Stop the running server
  check       Evaluate one request offline against the configured registry
  endpoints   Export or import endpoint definitions
  reset       Reset to clean state (remove state.json)
  hash-key    Generate an argon2id hash for the admin API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quota-gate.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: state.path from config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// resolveStatePath picks the state file: CLI flag, then QUOTA_GATE_STATE_PATH,
// then the configured state.path.
func resolveStatePath(cfg *config.Config) string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if p := os.Getenv("QUOTA_GATE_STATE_PATH"); p != "" {
		return p
	}
	if cfg != nil && cfg.State.Path != "" {
		return cfg.State.Path
	}
	return "./state.json"
}
