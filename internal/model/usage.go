package model

import (
	"fmt"
	"time"
)

// Feature identifies a metered feature. Costs live in the catalog; the cost
// recorded on a usage event is a snapshot taken at debit time.
type Feature string

const (
	FeatureAIChat       Feature = "ai_chat"
	FeatureStatsPull    Feature = "stats_pull"
	FeatureReplayUpload Feature = "replay_upload"
	FeatureOsirionPull  Feature = "osirion_pull"
)

func ParseFeature(s string) (Feature, error) {
	switch Feature(s) {
	case FeatureAIChat, FeatureStatsPull, FeatureReplayUpload, FeatureOsirionPull:
		return Feature(s), nil
	default:
		return "", fmt.Errorf("unknown feature %q", s)
	}
}

// Outcome is the lifecycle state of a usage event. Pending events that are
// never finalized are swept and reversed after a timeout.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCommitted Outcome = "committed"
	OutcomeReversed  Outcome = "reversed"
)

// UsageEvent is an append-only audit record of one feature use. Immutable once
// written except for the pending -> committed/reversed outcome transition,
// which happens at most once per correlation id.
type UsageEvent struct {
	CorrelationID string            `json:"correlation_id"`
	AccountID     string            `json:"account_id"`
	Feature       Feature           `json:"feature"`
	Cost          int64             `json:"cost"`
	Outcome       Outcome           `json:"outcome"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	FinalizedAt   *time.Time        `json:"finalized_at,omitempty"`
}

// UsageRequest is a feature invocation handed in by a route handler.
// CorrelationID is optional; the meter generates one when absent.
type UsageRequest struct {
	AccountID     string            `json:"account_id"`
	Feature       string            `json:"feature"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// UsageReceipt is returned to the caller after a successful debit. The caller
// must finalize with Commit or Reverse using the correlation id.
type UsageReceipt struct {
	CorrelationID    string `json:"correlation_id"`
	Cost             int64  `json:"cost"`
	CreditsUsed      int64  `json:"credits_used"`
	CreditsRemaining int64  `json:"credits_remaining"`
	AlreadyRecorded  bool   `json:"already_recorded,omitempty"`
}
