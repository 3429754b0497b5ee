package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/app"
	"github.com/antoniostano/ironclaw/internal/config"
	"github.com/antoniostano/ironclaw/internal/logging"
	"github.com/antoniostano/ironclaw/internal/policy"
)

const defaultTUILog = "ironclaw.log"

type flags struct {
	configPath string
	mode       string
	logLevel   string
	dev        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", policy.Redact(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "ironclaw",
		Short:         "Always-on local assistant with Telegram, terminal and HTTP front-ends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (default "+config.DefaultPath+" when present)")
	root.PersistentFlags().StringVar(&f.mode, "mode", "", "telegram|tui|both|headless (overrides IRONCLAW_MODE)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	root.Flags().BoolVar(&f.dev, "dev", false, "human-readable development logging")

	root.AddCommand(checkCmd(&f))
	return root
}

func checkCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: mode=%s backend=%s model=%s store=%s\n",
				cfg.Mode, cfg.Backend.Mode, cfg.Backend.Model, policy.RedactURL(cfg.Store.DatabaseURL))
			if cfg.Scheduler.RedisURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "redis lock: %s\n", policy.RedactURL(cfg.Scheduler.RedisURL))
			}
			return nil
		},
	}
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if m := strings.ToLower(strings.TrimSpace(f.mode)); m != "" {
		cfg.Mode = m
	}
	if l := strings.TrimSpace(f.logLevel); l != "" {
		cfg.Log.Level = l
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func run(parent context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logCfg := logging.Config{Level: cfg.Log.Level, File: cfg.Log.File, Development: f.dev}
	if cfg.UsesTerminal() {
		// The terminal UI owns stdout and stderr.
		logCfg.Quiet = true
		if logCfg.File == "" {
			logCfg.File = defaultTUILog
		}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.String("error", policy.Redact(err.Error())))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	return a.Run(ctx)
}
