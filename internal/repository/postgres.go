package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tallyo/internal/model"
)

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error) {
	const q = `
		SELECT account_id, tier, subscription_status, credits_total, credits_used,
		       cycle_anchor, external_customer_id, external_subscription_id, updated_at
		FROM balances WHERE account_id = $1`

	bal := &model.AccountBalance{}
	err := s.pool.QueryRow(ctx, q, accountID).Scan(
		&bal.AccountID, &bal.Tier, &bal.SubscriptionStatus,
		&bal.CreditsTotal, &bal.CreditsUsed, &bal.CycleAnchor,
		&bal.ExternalRef.CustomerID, &bal.ExternalRef.SubscriptionID, &bal.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (s *PostgresStore) CreateBalance(ctx context.Context, bal *model.AccountBalance) (bool, error) {
	const q = `
		INSERT INTO balances (account_id, tier, subscription_status, credits_total, credits_used,
		                      cycle_anchor, external_customer_id, external_subscription_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		bal.AccountID, bal.Tier, bal.SubscriptionStatus,
		bal.CreditsTotal, bal.CreditsUsed, bal.CycleAnchor,
		bal.ExternalRef.CustomerID, bal.ExternalRef.SubscriptionID, bal.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, accountID string, status model.SubscriptionStatus, ref model.ExternalRef, expected, now time.Time) error {
	const q = `
		UPDATE balances
		SET subscription_status = $2, external_customer_id = $3,
		    external_subscription_id = $4, updated_at = $5
		WHERE account_id = $1 AND updated_at = $6`

	tag, err := s.pool.Exec(ctx, q, accountID, status, ref.CustomerID, ref.SubscriptionID, now, expected)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ApplyEntry(ctx context.Context, entry model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply entry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ins = `
		INSERT INTO ledger_entries (idempotency_key, account_id, kind, amount, tier, cycle_anchor, reason, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`

	tag, err := tx.Exec(ctx, ins,
		entry.IdempotencyKey, entry.AccountID, entry.Kind, entry.Amount,
		string(entry.Tier), entry.CycleAnchor, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("apply entry: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// already applied
		return nil
	}

	var upd string
	args := []any{entry.AccountID, entry.CreatedAt}
	switch entry.Kind {
	case model.EntryDebit:
		upd = `UPDATE balances SET credits_used = credits_used + $3,
		       updated_at = GREATEST(updated_at, $2) WHERE account_id = $1`
		args = append(args, entry.Amount)
	case model.EntryRefund:
		upd = `UPDATE balances SET credits_used = GREATEST(0, credits_used - $3),
		       updated_at = GREATEST(updated_at, $2) WHERE account_id = $1`
		args = append(args, entry.Amount)
	case model.EntryGrant:
		upd = `UPDATE balances SET credits_total = credits_total + $3,
		       updated_at = GREATEST(updated_at, $2) WHERE account_id = $1`
		args = append(args, entry.Amount)
	case model.EntryReset:
		upd = `UPDATE balances SET tier = $3, credits_total = $4, credits_used = 0,
		       cycle_anchor = $5, updated_at = GREATEST(updated_at, $2) WHERE account_id = $1`
		args = append(args, string(entry.Tier), entry.Amount, entry.CycleAnchor)
	default:
		return fmt.Errorf("apply entry: unknown kind %q", entry.Kind)
	}

	if _, err := tx.Exec(ctx, upd, args...); err != nil {
		return fmt.Errorf("apply entry: update balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("apply entry: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUsageEvent(ctx context.Context, ev *model.UsageEvent) (bool, error) {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("insert usage event: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO usage_events (correlation_id, account_id, feature, cost, outcome, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		ev.CorrelationID, ev.AccountID, ev.Feature, ev.Cost, ev.Outcome, meta, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert usage event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetUsageEvent(ctx context.Context, correlationID string) (*model.UsageEvent, error) {
	const q = `
		SELECT correlation_id, account_id, feature, cost, outcome, metadata, created_at, finalized_at
		FROM usage_events WHERE correlation_id = $1`

	ev := &model.UsageEvent{}
	var meta []byte
	err := s.pool.QueryRow(ctx, q, correlationID).Scan(
		&ev.CorrelationID, &ev.AccountID, &ev.Feature, &ev.Cost,
		&ev.Outcome, &meta, &ev.CreatedAt, &ev.FinalizedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage event: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("get usage event: unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

func (s *PostgresStore) FinalizeUsageEvent(ctx context.Context, correlationID string, outcome model.Outcome, now time.Time) (bool, error) {
	const q = `
		UPDATE usage_events SET outcome = $2, finalized_at = $3
		WHERE correlation_id = $1 AND outcome = 'pending'`

	tag, err := s.pool.Exec(ctx, q, correlationID, outcome, now)
	if err != nil {
		return false, fmt.Errorf("finalize usage event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish "already finalized" from "never existed".
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM usage_events WHERE correlation_id = $1)`,
		correlationID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("finalize usage event: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ReopenUsageEvent(ctx context.Context, correlationID string) (bool, error) {
	const q = `
		UPDATE usage_events SET outcome = 'pending', finalized_at = NULL
		WHERE correlation_id = $1 AND outcome = 'reversed'`

	tag, err := s.pool.Exec(ctx, q, correlationID)
	if err != nil {
		return false, fmt.Errorf("reopen usage event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.UsageEvent, error) {
	const q = `
		SELECT correlation_id, account_id, feature, cost, outcome, created_at
		FROM usage_events
		WHERE outcome = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		if err := rows.Scan(&ev.CorrelationID, &ev.AccountID, &ev.Feature, &ev.Cost, &ev.Outcome, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("list stale pending: scan: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkEventSeen(ctx context.Context, externalEventID, eventType string, now time.Time) (bool, error) {
	const q = `
		INSERT INTO webhook_events (external_event_id, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, externalEventID, eventType, now)
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	const q = `
		INSERT INTO dead_letters (external_event_id, event_type, account_id, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q,
		dl.ExternalEventID, dl.EventType, dl.AccountID, dl.Reason, dl.Payload, dl.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveExternalCustomer(ctx context.Context, customerID string) (string, error) {
	var accountID string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id FROM account_refs WHERE external_customer_id = $1`,
		customerID,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve external customer: %w", err)
	}
	return accountID, nil
}

func (s *PostgresStore) SaveExternalRef(ctx context.Context, accountID string, ref model.ExternalRef, now time.Time) error {
	const q = `
		INSERT INTO account_refs (external_customer_id, account_id, external_subscription_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_customer_id) DO UPDATE
		SET account_id = EXCLUDED.account_id,
		    external_subscription_id = EXCLUDED.external_subscription_id,
		    updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, ref.CustomerID, accountID, ref.SubscriptionID, now); err != nil {
		return fmt.Errorf("save external ref: %w", err)
	}
	return nil
}
