// Package meter wraps a feature invocation in the admission / debit /
// finalize lifecycle. Credits are debited optimistically before the feature's
// expensive work so concurrent requests cannot free-ride, and every debit is
// tied to a pending usage event that must be committed or reversed. Pending
// events left behind by crashed requests are swept and reversed after a
// timeout, so credits are never permanently lost to an incomplete operation.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tallyo/internal/catalog"
	"tallyo/internal/ledger"
	"tallyo/internal/model"
	"tallyo/internal/repository"
)

var (
	// ErrFeatureDisabled means the account's tier does not include the
	// feature. User-facing, recoverable by upgrade.
	ErrFeatureDisabled = errors.New("meter: feature not available on this tier")
	// ErrUnknownCorrelation means finalize was called for a correlation id
	// that was never recorded. Integration error, logged loudly.
	ErrUnknownCorrelation = errors.New("meter: unknown correlation id")
	// ErrUnknownFeature means the request named a feature outside the closed
	// enum.
	ErrUnknownFeature = errors.New("meter: unknown feature")
)

// Ledger is the slice of the credit ledger the meter uses.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error)
	Debit(ctx context.Context, accountID string, amount int64, key string) (*ledger.DebitResult, error)
	Credit(ctx context.Context, accountID string, amount int64, reason ledger.CreditReason, key string) (*ledger.DebitResult, error)
}

// Meter records feature usage against the credit ledger.
type Meter struct {
	ledger  Ledger
	store   repository.Store
	catalog *catalog.Catalog
	log     *slog.Logger
	now     func() time.Time
}

func New(lg Ledger, store repository.Store, cat *catalog.Catalog, log *slog.Logger) *Meter {
	return &Meter{
		ledger:  lg,
		store:   store,
		catalog: cat,
		log:     log,
		now:     time.Now,
	}
}

// CanAfford is the advisory admission check: it reads the current balance
// without mutating anything, so the answer can be stale by the time the debit
// runs. The debit itself is the authority.
func (m *Meter) CanAfford(ctx context.Context, accountID string, feature model.Feature) (bool, error) {
	bal, err := m.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !m.catalog.Enabled(bal.Tier, feature) {
		return false, nil
	}
	return bal.Remaining() >= m.catalog.Cost(feature), nil
}

// Record runs the admission gate and the optimistic debit, and appends the
// pending usage event. The caller must finalize with Commit or Reverse using
// the receipt's correlation id; the debit amount is the catalog cost
// snapshotted here.
func (m *Meter) Record(ctx context.Context, req model.UsageRequest) (*model.UsageReceipt, error) {
	feature, err := model.ParseFeature(req.Feature)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, req.Feature)
	}

	bal, err := m.ledger.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !m.catalog.Enabled(bal.Tier, feature) {
		return nil, ErrFeatureDisabled
	}

	cost := m.catalog.Cost(feature)
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	res, err := m.ledger.Debit(ctx, req.AccountID, cost, "usage:"+correlationID)
	if err != nil {
		return nil, err
	}

	ev := &model.UsageEvent{
		CorrelationID: correlationID,
		AccountID:     req.AccountID,
		Feature:       feature,
		Cost:          cost,
		Outcome:       model.OutcomePending,
		Metadata:      req.Metadata,
		CreatedAt:     m.now(),
	}
	inserted, err := m.store.InsertUsageEvent(ctx, ev)
	if err != nil {
		// The debit stands; the reversal sweep cannot see an event that was
		// never written, so refund immediately. If the refund also fails, park
		// the event as pending so the sweep finishes the refund later.
		if _, cerr := m.ledger.Credit(ctx, req.AccountID, cost, ledger.ReasonRefund, "reverse:"+correlationID); cerr != nil {
			if _, ierr := m.store.InsertUsageEvent(ctx, ev); ierr != nil {
				m.log.Error("usage event write and refund both failed",
					"account_id", req.AccountID, "correlation_id", correlationID, "error", cerr)
			}
		}
		return nil, fmt.Errorf("record usage event: %w", err)
	}

	return &model.UsageReceipt{
		CorrelationID:    correlationID,
		Cost:             cost,
		CreditsUsed:      res.CreditsUsed,
		CreditsRemaining: res.CreditsRemaining,
		AlreadyRecorded:  !inserted,
	}, nil
}

// Commit marks the usage event committed; the debit stands. Committing an
// already finalized event is a no-op, keeping finalize idempotent under
// concurrent duplicate calls.
func (m *Meter) Commit(ctx context.Context, correlationID string) error {
	ok, err := m.store.FinalizeUsageEvent(ctx, correlationID, model.OutcomeCommitted, m.now())
	if errors.Is(err, repository.ErrNotFound) {
		m.log.Error("commit for unknown correlation id", "correlation_id", correlationID)
		return fmt.Errorf("%w: %q", ErrUnknownCorrelation, correlationID)
	}
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("duplicate finalize ignored", "correlation_id", correlationID)
	}
	return nil
}

// Reverse marks the usage event reversed and refunds the snapshotted cost.
// Only the finalize winner refunds, so duplicate or racing reversals cannot
// double-credit.
func (m *Meter) Reverse(ctx context.Context, correlationID string) error {
	ev, err := m.store.GetUsageEvent(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		m.log.Error("reverse for unknown correlation id", "correlation_id", correlationID)
		return fmt.Errorf("%w: %q", ErrUnknownCorrelation, correlationID)
	}
	if err != nil {
		return err
	}

	ok, err := m.store.FinalizeUsageEvent(ctx, correlationID, model.OutcomeReversed, m.now())
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("duplicate finalize ignored", "correlation_id", correlationID)
		return nil
	}

	if _, err := m.ledger.Credit(ctx, ev.AccountID, ev.Cost, ledger.ReasonRefund, "reverse:"+correlationID); err != nil {
		// Put the event back to pending so a retried Reverse or the sweep
		// completes the refund; the reverse idempotency key makes re-crediting
		// safe.
		if _, rerr := m.store.ReopenUsageEvent(ctx, correlationID); rerr != nil {
			m.log.Error("refund failed and event could not be reopened",
				"account_id", ev.AccountID, "correlation_id", correlationID, "error", rerr)
		}
		return fmt.Errorf("refund for %q: %w", correlationID, err)
	}
	return nil
}
