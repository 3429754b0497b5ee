package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/command"
	"github.com/antoniostano/ironclaw/internal/config"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/httpapi"
	"github.com/antoniostano/ironclaw/internal/notify"
	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/scheduler"
	"github.com/antoniostano/ironclaw/internal/session"
	"github.com/antoniostano/ironclaw/internal/store"
	"github.com/antoniostano/ironclaw/internal/telegram"
	"github.com/antoniostano/ironclaw/internal/workspace"
)

// App holds every wired component. Build creates it; Run drives it.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     store.Store
	Sessions  *session.Manager
	Backend   backend.Backend
	Workspace *workspace.Workspace
	Metrics   *observability.Metrics
	Engine    *engine.Engine
	Hub       *notify.Hub
	Commands  *command.Router
	Scheduler *scheduler.Loop
	API       *httpapi.Server
	Telegram  *telegram.Bot

	locker *scheduler.RedisLocker
}

// Build wires the application for cfg.Mode. Partially built resources are
// released when a later step fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Metrics = observability.NewMetrics(cfg.MetricsNamespace)

	a.Store, err = store.NewStore(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	logger.Info("store ready", zap.String("mode", a.Store.Mode()))

	a.Sessions = session.NewManager(a.Store, cfg.Store.MaxHistory)

	a.Backend, err = backend.NewBackend(backend.Config{
		Mode:          cfg.Backend.Mode,
		Host:          cfg.Backend.Host,
		Model:         cfg.Backend.Model,
		APIKey:        cfg.Backend.APIKey,
		ContextLength: cfg.Backend.ContextLength,
		Temperature:   cfg.Backend.Temperature,
		Timeout:       cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("backend init failed: %w", err)
	}

	a.Workspace, err = workspace.New(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("workspace init failed: %w", err)
	}

	a.Engine, err = engine.New(engine.Config{
		SystemPrompt: cfg.SystemPrompt,
		KeepAlive:    cfg.Backend.KeepAlive,
		Location:     cfg.Location,
	}, engine.Deps{
		Store:     a.Store,
		Sessions:  a.Sessions,
		Backend:   a.Backend,
		Workspace: a.Workspace,
		Metrics:   a.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a.Hub = notify.NewHub(logger.Named("notify"))
	a.Commands = command.NewRouter(a.Engine, a.Workspace)

	deps := scheduler.Deps{
		Store:     a.Store,
		Handler:   a.Engine,
		Deliverer: a.Hub,
		Metrics:   a.Metrics,
		Logger:    logger,
	}
	if url := strings.TrimSpace(cfg.Scheduler.RedisURL); url != "" {
		a.locker, err = scheduler.NewRedisLocker(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("redis lock init failed: %w", err)
		}
		deps.Locker = a.locker
	}
	a.Scheduler = scheduler.New(scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		FireTimeout:  cfg.Scheduler.FireTimeout,
		Location:     cfg.Location,
	}, deps)

	a.API = httpapi.New(httpapi.Config{
		AllowAnyOrigin: cfg.HTTP.AllowAnyOrigin,
		HistoryLimit:   cfg.Store.MaxHistory,
	}, a.Engine, a.Hub, a.Metrics, logger)

	if cfg.Mode == config.ModeTelegram || cfg.Mode == config.ModeBoth {
		a.Telegram, err = telegram.Connect(cfg.Telegram.Token, telegram.Config{
			AllowedUsers: cfg.Telegram.AllowedUsers,
		}, a.Engine, a.Commands, logger)
		if err != nil {
			return nil, err
		}
		a.Hub.Register(telegram.Source, a.Telegram)
	}

	logger.Info("ironclaw built",
		zap.String("mode", cfg.Mode),
		zap.String("backend", a.Backend.Name()),
		zap.String("model", cfg.Backend.Model),
		zap.String("workspace", a.Workspace.Path()),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("redis_lock", a.locker != nil),
	)
	return a, nil
}

// Close releases external resources (DB, Redis).
func (a *App) Close() error {
	var errs []error
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

