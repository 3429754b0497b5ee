// Package scheduler fires due jobs by re-injecting their prompt as a turn.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/cron"
	"github.com/antoniostano/ironclaw/internal/engine"
	"github.com/antoniostano/ironclaw/internal/notify"
	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/store"
)

const Source = "scheduler"

// TurnHandler is the entry point shared with the front-ends.
type TurnHandler interface {
	HandleTurn(ctx context.Context, userID, text string) (engine.Reply, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) int
}

type Config struct {
	PollInterval time.Duration
	FireTimeout  time.Duration
	LockTTL      time.Duration
	Location     *time.Location
}

type Deps struct {
	Store     store.Store
	Handler   TurnHandler
	Deliverer Deliverer
	Locker    Locker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Loop struct {
	store     store.Store
	handler   TurnHandler
	deliverer Deliverer
	locker    Locker
	metrics   *observability.Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[int64]struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.FireTimeout + time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Loop{
		store:     deps.Store,
		handler:   deps.Handler,
		deliverer: deps.Deliverer,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("scheduler"),
		cfg:       cfg,
		now:       time.Now,
		inFlight:  make(map[int64]struct{}),
	}
}

// Run polls until ctx is done, then waits for in-flight fires.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("scheduler started", zap.Duration("poll_interval", l.cfg.PollInterval))
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	defer l.Wait()

	for {
		if _, err := l.Poll(ctx, l.now()); err != nil && ctx.Err() == nil {
			l.logger.Warn("scheduler poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll evaluates every active job once against now and starts a fire for
// each due job that is not already running. It returns the number of fires
// started; use Wait to block until they finish.
func (l *Loop) Poll(ctx context.Context, now time.Time) (int, error) {
	jobs, err := l.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	started := 0
	for _, job := range jobs {
		if job.NextFireAt.After(now) {
			continue
		}
		if !l.claim(job.ID) {
			continue
		}
		started++
		l.wg.Add(1)
		go func(job store.Job) {
			defer l.wg.Done()
			defer l.unclaim(job.ID)
			l.fire(ctx, job, now)
		}(job)
	}
	return started, nil
}

// Wait blocks until every fire started by Poll has finished.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) claim(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

func (l *Loop) unclaim(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
}

func (l *Loop) fire(parent context.Context, job store.Job, now time.Time) {
	started := time.Now()
	log := l.logger.With(zap.Int64("job_id", job.ID), zap.String("user_id", job.UserID))

	from := now
	if job.NextFireAt.After(from) {
		from = job.NextFireAt
	}
	next, err := cron.ComputeNext(job.CronExpr, from.In(l.cfg.Location))
	if err != nil {
		if _, derr := l.store.DeactivateJob(parent, job.ID); derr != nil {
			log.Error("deactivate job with bad cron failed", zap.Error(derr))
		}
		log.Error("job deactivated: cannot compute next fire time", zap.String("cron", job.CronExpr), zap.Error(err))
		l.metrics.ObserveSchedulerFire("invalid_cron", time.Since(started))
		return
	}

	ctx, cancel := context.WithTimeout(parent, l.cfg.FireTimeout)
	defer cancel()

	if l.locker != nil {
		key := fmt.Sprintf("ironclaw:job:%d:%d", job.ID, job.NextFireAt.Unix())
		release, ok, err := l.locker.Acquire(ctx, key, l.cfg.LockTTL)
		switch {
		case err != nil:
			log.Warn("job lock unavailable, firing anyway", zap.Error(err))
		case !ok:
			log.Debug("job fired by another process")
			l.metrics.ObserveSchedulerFire("locked", time.Since(started))
			return
		default:
			defer release()
		}
	}

	reply, err := l.handler.HandleTurn(engine.WithSource(ctx, Source), job.UserID, job.Prompt)
	if err != nil && parent.Err() != nil {
		// Shutting down: leave NextFireAt alone so the job fires after restart.
		log.Info("job fire interrupted by shutdown", zap.Error(err))
		l.metrics.ObserveSchedulerFire("interrupted", time.Since(started))
		return
	}

	outcome := "ok"
	text := fmt.Sprintf("⏰ %s\n\n%s", job.Task, reply.Render())
	if err != nil {
		outcome = "turn_failed"
		if errors.Is(err, engine.ErrBackendUnavailable) {
			outcome = "backend_error"
		}
		text = fmt.Sprintf("⚠️ Scheduled job #%d (%s) failed: %v", job.ID, job.Task, err)
		log.Warn("scheduled turn failed", zap.Error(err))
	}

	if l.deliverer != nil {
		delivered := l.deliverer.Deliver(ctx, notify.Message{
			UserID: job.UserID,
			Kind:   notify.KindScheduled,
			Text:   text,
			JobID:  job.ID,
		})
		if delivered == 0 {
			l.metrics.ObserveNotification("undelivered")
			log.Info("no front-end connected for scheduled reply")
		} else {
			l.metrics.ObserveNotification("delivered")
		}
	}

	// The turn is already recorded, so commit the advance even during shutdown.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer markCancel()
	if err := l.store.MarkJobFired(markCtx, job.ID, now.UTC(), next.UTC()); err != nil {
		log.Error("mark job fired failed; job will fire again", zap.Error(err))
		l.metrics.ObserveSchedulerFire("store_error", time.Since(started))
		return
	}
	l.metrics.ObserveSchedulerFire(outcome, time.Since(started))
	log.Info("job fired", zap.String("outcome", outcome), zap.Time("next_fire_at", next.UTC()))
}
