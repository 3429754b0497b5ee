package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/tui"
)

// Run starts the HTTP server, the scheduler and the front-ends for the
// configured mode, and blocks until ctx is cancelled, the terminal UI exits
// or a component fails. It returns after every component has stopped.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	if a.Config.Backend.WarmUp {
		g.Go(func() error {
			backend.WarmUp(runCtx, a.Backend, a.Config.Backend.KeepAlive, a.Logger.Named("backend"))
			return nil
		})
	}

	if addr := strings.TrimSpace(a.Config.HTTP.BindAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.API.Router()}
		g.Go(func() error {
			a.Logger.Info("http server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn("graceful shutdown failed", zap.Error(err))
				_ = srv.Close()
			}
			return nil
		})
	}

	if a.Config.Scheduler.Enabled {
		g.Go(func() error { return a.Scheduler.Run(runCtx) })
	} else {
		a.Logger.Info("scheduler disabled")
	}

	if a.Telegram != nil {
		g.Go(func() error { return a.Telegram.Run(runCtx) })
	}

	if a.Config.UsesTerminal() {
		g.Go(func() error {
			// Leaving the terminal UI shuts the whole process down.
			defer stop()
			return tui.Run(runCtx, tui.Config{
				UserID:    a.Config.TUI.UserID,
				AltScreen: true,
			}, a.Engine, a.Commands, a.Hub, a.Logger)
		})
	}

	err := g.Wait()
	a.Logger.Info("shutdown complete")
	return err
}
