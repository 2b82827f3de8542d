package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// QueueMaintainer is the part of the store the sweeper needs.
type QueueMaintainer interface {
	RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error)
	PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically returns abandoned running tasks to the queue and
// deletes finished tasks past their retention.
type Sweeper struct {
	store      QueueMaintainer
	schedule   string
	staleAfter time.Duration
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron
}

// NewSweeper creates a Sweeper that runs on the given cron schedule
// (standard five-field syntax or descriptors such as "@every 10m").
func NewSweeper(store QueueMaintainer, schedule string, staleAfter, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		schedule:   schedule,
		staleAfter: staleAfter,
		retention:  retention,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger returns a copy of the sweeper that logs to l.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	c := *s
	c.logger = l
	return &c
}

// Start registers the sweep and starts the scheduler. Sweeps run with ctx
// and never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("queue sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("queue sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("queue sweeper stopped")
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	requeued, err := s.store.RequeueStaleTasks(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return err
	}
	purged, err := s.store.PurgeFinishedTasks(ctx, now.Add(-s.retention))
	if err != nil {
		return err
	}

	if requeued > 0 {
		s.logger.Warn("requeued stale tasks", "count", requeued)
	}
	s.logger.Debug("queue sweep done", "requeued", requeued, "purged", purged)
	return nil
}
