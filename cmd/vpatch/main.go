// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mbeema/vpatch/pkg/agent"
	"github.com/mbeema/vpatch/pkg/config"
	"github.com/mbeema/vpatch/pkg/discovery"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// shutdownTimeout bounds Stop once the run is over.
const shutdownTimeout = 30 * time.Second

type options struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vpatch: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "vpatch",
		Short:         "Launch a program and patch its text through a translation dictionary",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPatch(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to VPatch.json or vpatch.yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCommand(), newCheckCommand(opts), newFindCommand(opts))
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vpatch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the hook signature table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), path, cfg)
			return nil
		},
	}
}

func newFindCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "find NAME...",
		Short: "List running processes matching the given executable names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(levelOr(opts.logLevel, "warn"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			found, err := discovery.NewFinder(logger).Find(cmd.Context(), args...)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tNAME\tEXE")
			for _, c := range found {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", c.PID, c.Name, c.Exe)
			}
			return tw.Flush()
		},
	}
}

func loadConfig(opts *options) (string, *config.Config, error) {
	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return path, cfg, nil
}

func printConfig(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "config:       %s\n", path)
	fmt.Fprintf(w, "target:       %s\n", cfg.TargetExe)
	if cfg.TargetExe2 != "" {
		fmt.Fprintf(w, "target 2:     %s\n", cfg.TargetExe2)
	}
	fmt.Fprintf(w, "dictionary:   %s\n", cfg.TranslationFile)
	fmt.Fprintf(w, "engine:       %s\n", cfg.Hook.Engine)
	fmt.Fprintf(w, "inject delay: %s\n", cfg.InjectDelay())
	fmt.Fprintf(w, "signatures:   %d\n", len(cfg.EmbedHook))

	if len(cfg.EmbedHook) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCODE\tADDR\tCTX\tCTX2")
	for _, s := range cfg.EmbedHook {
		fmt.Fprintf(tw, "%s\t%#x\t%#x\t%#x\n", s.Code, s.Addr, s.Ctx, s.Ctx2)
	}
	tw.Flush()
}

func runPatch(ctx context.Context, opts *options) error {
	path, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("run_id", uuid.NewString()))
	logger.Info("starting vpatch",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", path),
	)

	agent.Version = version
	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	watcher := config.NewWatcher(path, func(newCfg *config.Config) {
		if err := a.Reload(newCfg); err != nil {
			logger.Error("failed to apply reloaded config", zap.Error(err))
		}
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
		watcher = nil
	}

	runErr := a.Run(ctx)
	if runErr == nil {
		if err := a.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("wait interrupted", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	if watcher != nil {
		watcher.Stop()
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- a.Stop() }()

	select {
	case err := <-shutdownDone:
		if err != nil {
			logger.Error("failed to write dictionary", zap.Error(err))
		}
	case <-time.After(shutdownTimeout):
		logger.Error("shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("vpatch finished")
	return nil
}

func levelOr(level, fallback string) string {
	if level == "" {
		return fallback
	}
	return level
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
