// Package ingest consumes asynchronous subscription-change notifications from
// the payment processor. Events are verified, deduplicated on their external
// id (delivery is at-least-once; application must be at-most-once), normalized
// into the authoritative subscription state and fed synchronously to the
// reconciler. Events that keep failing are dead-lettered for manual
// inspection, never dropped silently.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"tallyo/internal/catalog"
	"tallyo/internal/model"
	"tallyo/internal/reconcile"
	"tallyo/internal/repository"
)

// SubjectDeadLetter is the bus topic carrying dead-lettered events.
const SubjectDeadLetter = "billing.deadletter"

// Reconciler is the downstream consumer of normalized states.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID string, state model.SubscriptionState) (*model.ReconciliationReport, error)
}

// Config bounds the reconcile retry loop.
type Config struct {
	MaxRetries  uint64
	BaseBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
}

// Ingestor validates, deduplicates and applies inbound subscription events.
type Ingestor struct {
	verifier   Verifier
	store      repository.Store
	reconciler Reconciler
	catalog    *catalog.Catalog
	bus        repository.MessageBus
	log        *slog.Logger
	cfg        Config
	now        func() time.Time
}

func New(verifier Verifier, store repository.Store, rec Reconciler, cat *catalog.Catalog, bus repository.MessageBus, log *slog.Logger, cfg Config) *Ingestor {
	cfg.withDefaults()
	return &Ingestor{
		verifier:   verifier,
		store:      store,
		reconciler: rec,
		catalog:    cat,
		bus:        bus,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Ingest processes one raw webhook delivery. The error return distinguishes
// deliveries the sender should retry (verification and parse failures) from
// everything else: once an event is recorded as seen, redeliveries are no-ops
// and failures are handled by the dead-letter path instead.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) error {
	if err := i.verifier.Verify(body, signature); err != nil {
		i.log.Warn("dropped unverified event", "error", err)
		return err
	}

	env, err := parseEnvelope(body)
	if err != nil {
		i.log.Warn("dropped malformed event", "error", err)
		return err
	}

	log := i.log.With("event_id", env.ID, "event_type", env.Type)

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventPaymentSucceeded, EventPaymentFailed:
	default:
		log.Debug("ignoring unhandled event type")
		return nil
	}

	fresh, err := i.store.MarkEventSeen(ctx, env.ID, env.Type, i.now())
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		log.Debug("duplicate delivery ignored")
		return nil
	}

	accountID, err := i.resolveAccount(ctx, env)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("no account mapping for external customer",
				"customer_id", env.Data.Object.Customer)
			i.deadLetter(ctx, env, "", "unknown_account", body)
			return nil
		}
		// The event id is already recorded as seen, so a redelivery would be
		// ignored; dead-letter instead of relying on it.
		log.Error("account resolution failed", "error", err)
		i.deadLetter(ctx, env, "", "resolve: "+err.Error(), body)
		return nil
	}
	log = log.With("account_id", accountID)

	state, err := i.normalize(env)
	if err != nil {
		log.Error("event normalization failed", "error", err)
		i.deadLetter(ctx, env, accountID, "normalize: "+err.Error(), body)
		return nil
	}

	backoff := retry.WithMaxRetries(i.cfg.MaxRetries, retry.NewExponential(i.cfg.BaseBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := i.reconciler.Reconcile(ctx, accountID, *state); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Error("reconcile exhausted retries, dead-lettering", "error", err)
		i.deadLetter(ctx, env, accountID, "reconcile: "+err.Error(), body)
		return nil
	}

	log.Info("applied subscription event")
	return nil
}

// resolveAccount maps the external customer to a local account. A checkout
// flow stamps the account id into the object metadata on creation; that path
// also records the customer mapping for every later event.
func (i *Ingestor) resolveAccount(ctx context.Context, env *envelope) (string, error) {
	obj := &env.Data.Object

	if accountID := obj.Metadata["account_id"]; accountID != "" {
		ref := model.ExternalRef{
			CustomerID:     obj.Customer,
			SubscriptionID: obj.subscriptionID(),
		}
		if err := i.store.SaveExternalRef(ctx, accountID, ref, i.now()); err != nil {
			return "", err
		}
		return accountID, nil
	}

	if obj.Customer == "" {
		return "", repository.ErrNotFound
	}
	return i.store.ResolveExternalCustomer(ctx, obj.Customer)
}

// normalize turns the event into the authoritative state the reconciler
// consumes. Invoice events carry no plan, so they leave the tier unspecified
// and the reconciler keeps the current one.
func (i *Ingestor) normalize(env *envelope) (*model.SubscriptionState, error) {
	obj := &env.Data.Object
	ref := model.ExternalRef{
		CustomerID:     obj.Customer,
		SubscriptionID: obj.subscriptionID(),
	}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		tier, err := i.catalog.TierForPlanRef(obj.Plan)
		if err != nil {
			return nil, err
		}
		status, err := mapStatus(obj.Status)
		if err != nil {
			return nil, err
		}
		return &model.SubscriptionState{
			Tier:        tier,
			Status:      status,
			ExternalRef: ref,
			CycleStart:  obj.cycleStart(),
		}, nil

	case EventSubscriptionDeleted:
		return &model.SubscriptionState{
			Tier:        model.TierFree,
			Status:      model.StatusCanceled,
			ExternalRef: ref,
			CycleStart:  obj.cycleStart(),
		}, nil

	case EventPaymentSucceeded:
		return &model.SubscriptionState{
			Status:      model.StatusActive,
			ExternalRef: ref,
			CycleStart:  obj.cycleStart(),
		}, nil

	case EventPaymentFailed:
		return &model.SubscriptionState{
			Status:      model.StatusPastDue,
			ExternalRef: ref,
		}, nil

	default:
		return nil, fmt.Errorf("unhandled event type %q", env.Type)
	}
}

// deadLetter records the failed event durably and announces it on the bus.
func (i *Ingestor) deadLetter(ctx context.Context, env *envelope, accountID, reason string, body []byte) {
	dl := &model.DeadLetter{
		ExternalEventID: env.ID,
		EventType:       env.Type,
		AccountID:       accountID,
		Reason:          reason,
		Payload:         body,
		CreatedAt:       i.now(),
	}
	if err := i.store.InsertDeadLetter(ctx, dl); err != nil {
		i.log.Error("dead letter write failed", "event_id", env.ID, "error", err)
	}
	if data, err := json.Marshal(dl); err == nil {
		if err := i.bus.Publish(SubjectDeadLetter, data); err != nil {
			i.log.Warn("dead letter publish failed", "event_id", env.ID, "error", err)
		}
	}
}

var _ Reconciler = (*reconcile.Reconciler)(nil)
