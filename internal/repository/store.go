package repository

import (
	"context"
	"errors"
	"time"

	"tallyo/internal/model"
)

var (
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned by conditional writes when the record changed
	// since it was read. Callers re-derive their work and retry.
	ErrConflict = errors.New("repository: write conflict")
)

// MessageBus publishes ledger entries and dead letters. Implemented by the
// NATS transport; tests use an in-process fake.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// Store is the durable source of truth: balance records keyed by account id,
// append-only usage events keyed by correlation id, webhook dedup rows, dead
// letters and the external-customer map.
type Store interface {
	// GetBalance returns ErrNotFound for accounts without a record; callers
	// that need lazy initialisation go through CreateBalance.
	GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error)
	// CreateBalance inserts the record if absent and reports whether it was
	// created. An existing record is left untouched.
	CreateBalance(ctx context.Context, bal *model.AccountBalance) (bool, error)
	// UpdateSubscription writes status and external ref only if the record's
	// UpdatedAt still equals expected, returning ErrConflict otherwise.
	UpdateSubscription(ctx context.Context, accountID string, status model.SubscriptionStatus, ref model.ExternalRef, expected, now time.Time) error
	// ApplyEntry replays one ledger entry onto the durable balance. Applying
	// the same idempotency key twice is a no-op.
	ApplyEntry(ctx context.Context, entry model.LedgerEntry) error

	// InsertUsageEvent appends a usage event, reporting false without error
	// when the correlation id already exists.
	InsertUsageEvent(ctx context.Context, ev *model.UsageEvent) (bool, error)
	GetUsageEvent(ctx context.Context, correlationID string) (*model.UsageEvent, error)
	// FinalizeUsageEvent transitions pending -> outcome, reporting false when
	// the event was already finalized. ErrNotFound for unknown ids.
	FinalizeUsageEvent(ctx context.Context, correlationID string, outcome model.Outcome, now time.Time) (bool, error)
	// ReopenUsageEvent reverts a reversed event back to pending so an
	// incomplete refund can be retried, reporting false when the event is not
	// currently reversed.
	ReopenUsageEvent(ctx context.Context, correlationID string) (bool, error)
	// ListStalePending returns pending events created before the cutoff,
	// oldest first, for the sweeper.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.UsageEvent, error)

	// MarkEventSeen records an external event id, reporting false when it was
	// already seen. This is the at-most-once gate for webhook delivery.
	MarkEventSeen(ctx context.Context, externalEventID, eventType string, now time.Time) (bool, error)
	InsertDeadLetter(ctx context.Context, dl *model.DeadLetter) error

	// ResolveExternalCustomer maps a payment-processor customer id to a local
	// account id, ErrNotFound when no mapping exists.
	ResolveExternalCustomer(ctx context.Context, customerID string) (string, error)
	SaveExternalRef(ctx context.Context, accountID string, ref model.ExternalRef, now time.Time) error
}
