package model

import "time"

// SubscriptionState is the authoritative subscription view for one account,
// normalized from a payment-processor webhook or supplied directly by an
// administrative resync command. The external system is always the source of
// truth for tier and status; the local record is never authoritative.
//
// Tier may be empty when the triggering event does not carry plan information
// (invoice events); the reconciler then keeps the current tier.
type SubscriptionState struct {
	Tier        Tier               `json:"tier,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	ExternalRef ExternalRef        `json:"external_ref"`
	// CycleStart marks the beginning of a new billing period. When set and
	// later than the record's cycle anchor, usage is replenished even if the
	// tier did not change (renewal).
	CycleStart *time.Time `json:"cycle_start,omitempty"`
}

// FieldChange records one field's old and new value in a reconciliation report.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ReconciliationReport lists exactly what a reconcile pass changed. It is
// ephemeral: logged and returned to the operator, never persisted.
type ReconciliationReport struct {
	AccountID     string                 `json:"account_id"`
	FieldsChanged map[string]FieldChange `json:"fields_changed"`
	Success       bool                   `json:"success"`
	Errors        []string               `json:"errors,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// LedgerEntryKind discriminates balance mutations on the event stream.
type LedgerEntryKind string

const (
	EntryDebit  LedgerEntryKind = "debit"
	EntryRefund LedgerEntryKind = "refund"
	EntryGrant  LedgerEntryKind = "grant"
	EntryReset  LedgerEntryKind = "reset"
)

// LedgerEntry is the event published after every applied balance mutation.
// A queue-subscribed worker replays entries into Postgres idempotently, keyed
// by IdempotencyKey.
type LedgerEntry struct {
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      string          `json:"account_id"`
	Kind           LedgerEntryKind `json:"kind"`
	Amount         int64           `json:"amount"`
	Tier           Tier            `json:"tier,omitempty"`
	CycleAnchor    time.Time       `json:"cycle_anchor,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeadLetter records an inbound subscription event that could not be applied
// after bounded retries, kept for manual inspection and replay.
type DeadLetter struct {
	ExternalEventID string    `json:"external_event_id"`
	EventType       string    `json:"event_type"`
	AccountID       string    `json:"account_id,omitempty"`
	Reason          string    `json:"reason"`
	Payload         []byte    `json:"payload"`
	CreatedAt       time.Time `json:"created_at"`
}
