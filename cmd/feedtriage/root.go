package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"FeedTriage/internal/app"
	"FeedTriage/internal/config"
	"FeedTriage/internal/logging"
)

type commandContext struct {
	configPath string
	logLevel   string
}

func (c *commandContext) load() (config.Config, *slog.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	// stdout carries command output, so logs go to stderr
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

// withApp builds the application for one command and closes it afterwards.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.Application, *slog.Logger) error) error {
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Warn("close application", "error", cerr)
		}
	}()
	return fn(application, logger)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "feedtriage",
		Short:         "Collect, triage and de-duplicate feed items per topic",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (defaults to $FEEDTRIAGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newClearCommand(ctx))
	rootCmd.AddCommand(newLedgerCommand(ctx))
	rootCmd.AddCommand(newRelinkCommand(ctx))

	return rootCmd
}
