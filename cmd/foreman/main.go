// Package main provides the foreman binary entry point.
// Foreman is a chat-driven orchestrator that plans task lists into
// dependency waves and runs them through a bounded agent pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanworks/foreman/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "foreman"
)

// exitError carries a process exit code through the cobra error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// errConfig marks failures that should exit with code 2.
func errConfig(err error) error { return &exitError{code: 2, err: err} }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(1)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Chat-driven task execution orchestrator",
		Long: `Foreman turns a backlog of tasks into parallel execution plans and
runs them through a bounded pool of worker agents, reporting progress
and taking commands over Telegram.

It provides:
- File-impact prediction and conflict-aware wave planning
- Grouping suggestions for related backlog tasks
- Failure classification with retry, skip and escalation
- A command and approval loop over chat`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(ctx context.Context, configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return errConfig(fmt.Errorf("load config: %w", err))
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	if configPath != "" {
		if err := app.WatchConfig(signalCtx, configPath); err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		}
	}

	logger.Info("Foreman ready",
		"version", Version,
		"project", cfg.Project.ID,
		"chat_mode", cfg.Chat.Mode)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Stop()
	logger.Info("Foreman shutdown complete")
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		loader := config.NewLoader(logger)
		loader.ApplyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}
