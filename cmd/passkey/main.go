package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/layer-3/passkey/internal/config"
	"github.com/layer-3/passkey/internal/obs"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "passkey",
	Short: "Passkey credential-to-account binding service",
	Long: `passkey runs the WebAuthn registration, login, recovery and rescue
ceremonies for wallet accounts, and manages the schema behind them.

Configuration is read from PASSKEY_* environment variables and an optional
YAML file given with --config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(recoveryCmd)
}

// loadConfig reads configuration and builds the process logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := obs.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
