package service

import (
	"context"
	"time"

	"tallyo/internal/ingest"
	"tallyo/internal/ledger"
	"tallyo/internal/meter"
	"tallyo/internal/model"
	"tallyo/internal/reconcile"
)

// CreditService defines the business operations of the credit engine.
// All transport layers (HTTP, NATS) depend on this interface, not on the
// concrete subsystems.
type CreditService interface {
	GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error)
	CanAfford(ctx context.Context, accountID string, feature model.Feature) (bool, error)
	RecordUsage(ctx context.Context, req model.UsageRequest) (*model.UsageReceipt, error)
	CommitUsage(ctx context.Context, correlationID string) error
	ReverseUsage(ctx context.Context, correlationID string) error
	Reconcile(ctx context.Context, accountID string, state model.SubscriptionState) (*model.ReconciliationReport, error)
	IngestEvent(ctx context.Context, body []byte, signature string) error
	SweepStale(ctx context.Context, timeout time.Duration) (int, error)
}

// Engine wires the ledger, meter, reconciler and ingestor behind the
// CreditService interface.
type Engine struct {
	ledger     *ledger.Ledger
	meter      *meter.Meter
	reconciler *reconcile.Reconciler
	ingestor   *ingest.Ingestor
}

func NewEngine(lg *ledger.Ledger, m *meter.Meter, rec *reconcile.Reconciler, ing *ingest.Ingestor) *Engine {
	return &Engine{ledger: lg, meter: m, reconciler: rec, ingestor: ing}
}

func (e *Engine) GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error) {
	return e.ledger.GetBalance(ctx, accountID)
}

func (e *Engine) CanAfford(ctx context.Context, accountID string, feature model.Feature) (bool, error) {
	return e.meter.CanAfford(ctx, accountID, feature)
}

func (e *Engine) RecordUsage(ctx context.Context, req model.UsageRequest) (*model.UsageReceipt, error) {
	return e.meter.Record(ctx, req)
}

func (e *Engine) CommitUsage(ctx context.Context, correlationID string) error {
	return e.meter.Commit(ctx, correlationID)
}

func (e *Engine) ReverseUsage(ctx context.Context, correlationID string) error {
	return e.meter.Reverse(ctx, correlationID)
}

func (e *Engine) Reconcile(ctx context.Context, accountID string, state model.SubscriptionState) (*model.ReconciliationReport, error) {
	return e.reconciler.Reconcile(ctx, accountID, state)
}

func (e *Engine) IngestEvent(ctx context.Context, body []byte, signature string) error {
	return e.ingestor.Ingest(ctx, body, signature)
}

func (e *Engine) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	return e.meter.SweepStale(ctx, timeout)
}

var _ CreditService = (*Engine)(nil)
