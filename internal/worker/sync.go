// Package worker hosts the background processes of the credit engine: the
// ledger sync worker that replays published entries into Postgres, and the
// sweep worker that reverses stale pending usage.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tallyo/internal/ledger"
	"tallyo/internal/model"
	"tallyo/internal/repository"
)

// LedgerSyncWorker replays ledger entries from the bus into the durable
// store. QueueSubscribe matters here: with several engine replicas running,
// exactly one worker receives each entry. ApplyEntry is idempotent on the
// entry's idempotency key, so redelivery is harmless.
type LedgerSyncWorker struct {
	store repository.Store
	nc    *nats.Conn
	log   *slog.Logger
	sub   *nats.Subscription
}

func NewLedgerSyncWorker(store repository.Store, nc *nats.Conn, log *slog.Logger) *LedgerSyncWorker {
	return &LedgerSyncWorker{store: store, nc: nc, log: log}
}

// Start subscribes and blocks until ctx is cancelled.
func (w *LedgerSyncWorker) Start(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(ledger.SubjectEntries, "ledger_sync", func(m *nats.Msg) {
		var entry model.LedgerEntry
		if err := json.Unmarshal(m.Data, &entry); err != nil {
			w.log.Error("ledger sync: bad entry payload", "error", err)
			return
		}
		if err := w.store.ApplyEntry(ctx, entry); err != nil {
			// The entry stays in Redis truth; a later resync or the
			// publish fallback path will land it.
			w.log.Error("ledger sync: apply failed",
				"error", err,
				"account_id", entry.AccountID,
				"idempotency_key", entry.IdempotencyKey)
			return
		}
		w.log.Debug("ledger entry applied",
			"account_id", entry.AccountID,
			"kind", entry.Kind,
			"idempotency_key", entry.IdempotencyKey)
	})
	if err != nil {
		return err
	}
	w.sub = sub

	w.log.Info("ledger sync worker is running")
	<-ctx.Done()
	return w.sub.Drain()
}

func (w *LedgerSyncWorker) Stop(ctx context.Context) error {
	if w.sub != nil {
		return w.sub.Unsubscribe()
	}
	return nil
}
