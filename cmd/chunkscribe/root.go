package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"chunkscribe/internal/config"
)

// commandContext lazily loads the environment configuration shared by all
// subcommands.
type commandContext struct {
	logLevel *string
	cfg      *config.Config
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	if c.cfg != nil {
		return *c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if c.logLevel != nil && *c.logLevel != "" {
		cfg.LogLevel = *c.logLevel
	}
	c.cfg = &cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var logLevelFlag string
	ctx := &commandContext{logLevel: &logLevelFlag}

	rootCmd := &cobra.Command{
		Use:           "chunkscribe",
		Short:         "Transcribe long media files into a single SRT subtitle file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newProbeCommand(ctx))

	return rootCmd
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel}))
}
