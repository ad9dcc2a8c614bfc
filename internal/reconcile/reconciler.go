// Package reconcile makes the locally cached subscription view match the
// externally authoritative one. It is the single entry point for webhook
// handling and administrative force-resync, replacing the per-call-site repair
// logic such systems accumulate: one idempotent diff/apply pass, callable from
// anywhere, always behaving identically.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"tallyo/internal/model"
	"tallyo/internal/repository"
)

var (
	// ErrReconcileConflict means concurrent writers kept invalidating the
	// conditional update past the retry budget.
	ErrReconcileConflict = errors.New("reconcile: conflicting concurrent writes")
	// ErrInvalidState rejects authoritative states missing a status.
	ErrInvalidState = errors.New("reconcile: authoritative state missing status")
)

// Ledger is the slice of the credit ledger the reconciler drives. ResetCycle
// is the only path that changes an account's allotment.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error)
	ResetCycle(ctx context.Context, accountID string, tier model.Tier, anchor time.Time) (bool, error)
}

// Config bounds the conflict retry loop. Zero values get defaults.
type Config struct {
	MaxRetries  uint64
	BaseBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 25 * time.Millisecond
	}
}

// Reconciler applies authoritative subscription state to local records.
type Reconciler struct {
	ledger Ledger
	store  repository.Store
	log    *slog.Logger
	cfg    Config
	now    func() time.Time
}

func New(lg Ledger, store repository.Store, log *slog.Logger, cfg Config) *Reconciler {
	cfg.withDefaults()
	return &Reconciler{
		ledger: lg,
		store:  store,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Reconcile diffs the local record against the authoritative state and applies
// the minimal set of updates. Tier and status come from the external system
// unconditionally; the local cache is never authoritative. A tier change (or a
// newer billing period) resets the cycle through the ledger; status and
// external ref are written with a conditional update that is retried with a
// freshly derived diff whenever a concurrent writer invalidates it.
//
// Reconciling twice with the same state reports no changed fields the second
// time. A downgrade never claws back used credits: CreditsUsed may exceed the
// new allotment, which the ledger treats as exhausted.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string, state model.SubscriptionState) (*model.ReconciliationReport, error) {
	report := &model.ReconciliationReport{
		AccountID:     accountID,
		FieldsChanged: make(map[string]model.FieldChange),
		Timestamp:     r.now(),
	}

	if state.Status == "" {
		report.Errors = append(report.Errors, ErrInvalidState.Error())
		return report, ErrInvalidState
	}

	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.NewExponential(r.cfg.BaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Re-derive the diff on every attempt: the computation is pure and
		// each apply step is idempotent, so a lost race just means redoing
		// less work the next time around. Changes already applied by earlier
		// attempts stay in the report.
		cur, err := r.ledger.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}

		desiredTier := state.Tier
		if desiredTier == "" {
			desiredTier = cur.Tier
		}

		if anchor, due := r.resetDue(cur, desiredTier, state.CycleStart); due {
			changed, err := r.ledger.ResetCycle(ctx, accountID, desiredTier, anchor)
			if err != nil {
				return err
			}
			if changed {
				if desiredTier != cur.Tier {
					report.FieldsChanged["tier"] = model.FieldChange{
						Old: string(cur.Tier), New: string(desiredTier),
					}
				}
				report.FieldsChanged["cycle_anchor"] = model.FieldChange{
					Old: cur.CycleAnchor.UTC().Format(time.RFC3339),
					New: anchor.UTC().Format(time.RFC3339),
				}
			}
		}

		statusChanged := state.Status != cur.SubscriptionStatus
		refChanged := state.ExternalRef != cur.ExternalRef
		if statusChanged || refChanged {
			err := r.store.UpdateSubscription(ctx, accountID, state.Status, state.ExternalRef, cur.UpdatedAt, r.now())
			if errors.Is(err, repository.ErrConflict) {
				return retry.RetryableError(err)
			}
			if err != nil {
				return err
			}
			if statusChanged {
				report.FieldsChanged["subscription_status"] = model.FieldChange{
					Old: string(cur.SubscriptionStatus), New: string(state.Status),
				}
			}
			if refChanged {
				report.FieldsChanged["external_ref"] = model.FieldChange{
					Old: refString(cur.ExternalRef), New: refString(state.ExternalRef),
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			err = fmt.Errorf("%w: %v", ErrReconcileConflict, err)
		}
		report.Errors = append(report.Errors, err.Error())
		r.log.Error("reconcile failed", "account_id", accountID, "error", err)
		return report, err
	}

	report.Success = true
	if len(report.FieldsChanged) > 0 {
		r.log.Info("reconciled account",
			"account_id", accountID, "fields_changed", len(report.FieldsChanged))
	}
	return report, nil
}

// resetDue decides whether the cycle must be replenished: always on a tier
// change, and on the same tier when the authoritative state carries a newer
// billing period (renewal).
func (r *Reconciler) resetDue(cur *model.AccountBalance, desiredTier model.Tier, cycleStart *time.Time) (time.Time, bool) {
	if desiredTier != cur.Tier {
		if cycleStart != nil {
			return *cycleStart, true
		}
		return r.now(), true
	}
	if cycleStart != nil && cycleStart.After(cur.CycleAnchor) {
		return *cycleStart, true
	}
	return time.Time{}, false
}

func refString(ref model.ExternalRef) string {
	if ref.IsZero() {
		return ""
	}
	return ref.CustomerID + "/" + ref.SubscriptionID
}
