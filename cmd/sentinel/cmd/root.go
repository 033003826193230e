// Package cmd provides the CLI commands for the Sentinel Compliance Agent.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentinelSCA/sentinel/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel Compliance Agent - policy gateway for autonomous agents",
	Long: `Sentinel is a compliance gateway that sits between autonomous agents
and the systems they operate. Every command an agent wants to run is
analyzed against policy, reputation, and rate limits before a signed
verdict is returned, and every verdict lands on a tamper-evident audit
chain.

A separate control pipeline turns service health incidents into vetted,
budgeted remediation actions: probe detects, manager triages and
proposes, approver vets, executor runs, reaper requeues what stalls.

Configuration:
  Config is loaded from sentinel.yaml in the current directory,
  $HOME/.sentinel/, or /etc/sentinel/.

  Environment variables override config values with the SENTINEL_ prefix.
  Example: SENTINEL_SERVER_HTTP_ADDR=:9090

Commands:
  serve         Start the gateway (optionally with embedded workers)
  probe         Run the health prober
  manager       Run the incident triage and proposal worker
  approver      Run the action vetting worker
  executor      Run the action execution worker
  reaper        Run the stale-action requeue worker
  hash-key      Hash an API key for the config file
  keygen        Generate an ed25519 agent keypair
  print-config  Render the effective configuration
  version       Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentinel.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfigAndLogger loads the validated config and builds the process
// logger from its log level.
func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}
	return cfg, logger, nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
