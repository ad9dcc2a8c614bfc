package meter

import (
	"context"
	"time"
)

// sweepBatch bounds how many stale events one pass reverses.
const sweepBatch = 100

// SweepStale reverses pending usage events older than the timeout, returning
// how many were reversed. Run periodically; a crashed request's debit is
// restored here instead of leaking.
func (m *Meter) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := m.now().Add(-timeout)
	stale, err := m.store.ListStalePending(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	reversed := 0
	for _, ev := range stale {
		if err := m.Reverse(ctx, ev.CorrelationID); err != nil {
			m.log.Error("sweep reverse failed",
				"account_id", ev.AccountID, "correlation_id", ev.CorrelationID, "error", err)
			continue
		}
		reversed++
		m.log.Info("swept stale pending usage",
			"account_id", ev.AccountID, "correlation_id", ev.CorrelationID,
			"feature", ev.Feature, "cost", ev.Cost)
	}
	return reversed, nil
}
