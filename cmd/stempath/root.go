package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/config"
	"github.com/antigravity-dev/stempath/internal/registry"
)

// Exit codes are stable: 0 success, 1 fatal, 2 partial failure with results.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var (
	configPath string
	devLogs    bool
)

var rootCmd = &cobra.Command{
	Use:           "stempath",
	Short:         "Adaptive STEM pathway engine",
	Long:          "stempath builds learner states from LMS activity, trains a tabular Q-policy on simulated trajectories, and serves explained recommendations.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(configureLogger("info", devLogs))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "stempath.toml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "use text log format (default is JSON)")
}

// configureLogger mirrors the service convention: JSON to stderr in
// production, text with --dev; stdout stays machine-readable.
func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadConfig loads the TOML config and re-levels the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(configureLogger(cfg.General.LogLevel, devLogs))
	return cfg, nil
}

// loadRegistries opens the run context from the configured artifact paths.
func loadRegistries(cfg *config.Config) (*registry.Context, error) {
	if cfg.Registry.CSRPath == "" || cfg.Registry.CPRPath == "" {
		return nil, fmt.Errorf("registry.csr and registry.cpr must be configured")
	}
	return registry.NewContext(cfg.Registry.CSRPath, cfg.Registry.CPRPath)
}

// printJSON writes a machine-readable payload to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fatal logs the error and exits with the fatal code.
func fatal(err error) {
	slog.Error(err.Error())
	os.Exit(exitFatal)
}
