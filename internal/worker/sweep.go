package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the slice of the meter the sweep worker needs.
type Sweeper interface {
	SweepStale(ctx context.Context, timeout time.Duration) (int, error)
}

// SweepWorker periodically reverses usage events that were recorded but never
// committed or reversed, refunding their credit holds.
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewSweepWorker(sweeper Sweeper, interval, timeout time.Duration, log *slog.Logger) *SweepWorker {
	return &SweepWorker{sweeper: sweeper, interval: interval, timeout: timeout, log: log}
}

// Start runs the sweep loop until ctx is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("sweep worker is running", "interval", w.interval, "timeout", w.timeout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.sweeper.SweepStale(ctx, w.timeout)
			if err != nil {
				w.log.Error("sweep pass failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("reversed stale usage", "count", n)
			}
		}
	}
}

func (w *SweepWorker) Stop(ctx context.Context) error {
	return nil
}
