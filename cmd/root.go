// Package cmd implements the maxd command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maxagent/maxd/internal/config"
)

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maxd",
		Short: "maxd is a personal agent daemon with chat transports, skills, and an approval gate",
		Run: func(cmd *cobra.Command, args []string) {
			// Bare invocation starts the daemon, like most single-binary services.
			runDaemon()
		},
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(chatCmd())
	cmd.AddCommand(initCmd())
	cmd.AddCommand(sessionsCmd())
	cmd.AddCommand(memoryCmd())
	cmd.AddCommand(skillsCmd())
	cmd.AddCommand(jobsCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(doctorCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config file to use: the --config flag if
// given, otherwise the first existing file on the default search path.
func resolveConfigPath() string {
	path, err := config.FindConfig(configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return path
}

// mustLoadConfig loads and validates the config or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging configures the process-wide slog handler from config.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
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
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
