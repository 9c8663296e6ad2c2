// Command epochsim simulates a replicated message broker feeding a two-stage
// tandem pipeline over a lossy link.
//
// Usage:
//
//	epochsim run   [--config config.yaml] [--replications N] [--archive runs.db] [--metrics-addr :9090]
//	epochsim check [--config config.yaml]
//	epochsim runs list|show|delete <run-id> --archive runs.db
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochsim/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "epochsim",
	Short: "Discrete-event simulation of a replicated broker and a tandem pipeline",
	Long: `epochsim simulates messages published into a replicated, SQS-like broker,
served by a pool of broker threads, sent over a lossy link with retransmission,
and served again by a pool of receiver threads. It reports per-stage queueing,
network time, end-to-end latency and the Stage-2 load amplification λ/(1−p).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "epochsim: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

// loadConfig reads configPath. Validation is left to the caller.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg. Logs go to stderr so that
// stdout carries only results.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
