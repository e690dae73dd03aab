package app

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"quiz-attempt-service/internal/logger"
)

// Reaper periodically finalizes open attempts whose deadline has passed, so
// abandoned attempts close without waiting for another request to touch them.
type Reaper struct {
	service     *AttemptService
	interval    time.Duration
	concurrency int
	log         *logger.Logger
}

func NewReaper(service *AttemptService, interval time.Duration, concurrency int, log *logger.Logger) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reaper{
		service:     service,
		interval:    interval,
		concurrency: concurrency,
		log:         logger.OrNop(log).With("component", "Reaper"),
	}
}

// Run sweeps on every tick until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started", "interval", r.interval.String(), "concurrency", r.concurrency)
	for {
		if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("sweep incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce finalizes every overdue open attempt and returns how many it
// closed. Individual failures do not stop the sweep; the first one is returned.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	open, err := r.service.OpenAttempts(ctx)
	if err != nil {
		return 0, err
	}

	var reaped atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, a := range open {
		a := a
		g.Go(func() error {
			won, err := r.service.Expire(ctx, a)
			if err != nil {
				r.log.Warn("expire failed", "attempt_id", a.ID, "error", err)
				return err
			}
			if won {
				reaped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	if n := reaped.Load(); n > 0 {
		r.log.Info("sweep finalized attempts", "count", n, "open", len(open))
	}
	return int(reaped.Load()), err
}
