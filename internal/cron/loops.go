// Package cron runs the engine's periodic control loops: the scheduled-task
// promoter and the stale-assignee reaper. Each loop ticks on its own timer
// and respects the shutdown context; store errors are logged and retried on
// the next tick, never fatal.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ogotel "github.com/stefanodecillis/opengate/internal/otel"
	"github.com/stefanodecillis/opengate/internal/persistence"
)

// Config holds the loop dependencies.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *ogotel.Metrics

	// Interval is the tick cadence for both loops; defaults to 1 minute.
	Interval time.Duration

	// ReaperGrace delays the first stale check after startup so agents can
	// heartbeat after a restart before anything is released. Defaults to
	// 5 minutes.
	ReaperGrace time.Duration

	// StaleTimeoutMinutes is the fallback timeout for agents without one.
	StaleTimeoutMinutes int64
}

// Loops hosts the background control loops.
type Loops struct {
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Loops {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ReaperGrace < 0 {
		cfg.ReaperGrace = 0
	} else if cfg.ReaperGrace == 0 {
		cfg.ReaperGrace = 5 * time.Minute
	}
	if cfg.StaleTimeoutMinutes <= 0 {
		cfg.StaleTimeoutMinutes = persistence.DefaultStaleTimeoutMinutes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loops{cfg: cfg}
}

// Start launches both loops in background goroutines.
func (l *Loops) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)
	go l.runPromoter(ctx)
	go l.runReaper(ctx)
	l.cfg.Logger.Info("control loops started", "interval", l.cfg.Interval, "reaper_grace", l.cfg.ReaperGrace)
}

// Stop cancels the loops and waits for them to exit.
func (l *Loops) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.cfg.Logger.Info("control loops stopped")
}

func (l *Loops) runPromoter(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.PromoteTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.PromoteTick(ctx)
		}
	}
}

// PromoteTick runs one promoter pass: due backlog tasks with met
// dependencies move to todo.
func (l *Loops) PromoteTick(ctx context.Context) {
	count, err := l.cfg.Store.PromoteScheduledTasks(ctx)
	if err != nil {
		l.cfg.Logger.Error("scheduled promoter tick failed", "error", err)
		return
	}
	if count > 0 {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.TasksPromoted.Add(ctx, int64(count))
		}
		l.cfg.Logger.Info("promoted scheduled tasks", "count", count)
	}
}

func (l *Loops) runReaper(ctx context.Context) {
	defer l.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(l.cfg.ReaperGrace):
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.ReapTick(ctx)
		}
	}
}

// ReapTick runs one stale-release pass.
func (l *Loops) ReapTick(ctx context.Context) {
	released, err := l.cfg.Store.ReleaseStaleTasks(ctx, l.cfg.StaleTimeoutMinutes)
	if err != nil {
		l.cfg.Logger.Error("stale reaper tick failed", "error", err)
		return
	}
	for _, task := range released {
		l.cfg.Logger.Info("auto-released stale task", "task_id", task.ID, "title", task.Title)
	}
	if len(released) > 0 && l.cfg.Metrics != nil {
		l.cfg.Metrics.TasksReleasedStale.Add(ctx, int64(len(released)))
	}
}
