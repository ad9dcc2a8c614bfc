// Package ledger owns the per-account balance record and exposes atomic
// debit, credit and cycle-reset operations.
//
// Redis is the runtime authority: every mutation runs as a Lua script against
// a per-account hash, so concurrent debits can never both pass an affordability
// check against a stale balance. Postgres is the durable source of truth;
// applied mutations are published as ledger entries and replayed into Postgres
// by a queue-subscribed worker. On a cache miss the hash is warmed from
// Postgres and the script retried.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"tallyo/internal/catalog"
	"tallyo/internal/model"
	"tallyo/internal/repository"
)

// SubjectEntries is the bus topic carrying applied ledger entries.
const SubjectEntries = "ledger.entries"

// Script status protocol, shared by all ledger Lua scripts.
const (
	statusApplied      = 1
	statusDuplicate    = 0
	statusCacheMiss    = -1
	statusInsufficient = -2
)

// Redis is the slice of the go-redis client the ledger needs. *redis.Client
// satisfies it; tests supply a fake.
type Redis interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// CreditReason selects what a credit adjusts: refunds lower CreditsUsed
// (clamped at zero), grants raise CreditsTotal.
type CreditReason string

const (
	ReasonRefund CreditReason = "refund"
	ReasonGrant  CreditReason = "grant"
)

// DebitResult reports the balance after a debit. AlreadyApplied marks a replay
// of a previously applied idempotency key; the numbers are the original ones.
type DebitResult struct {
	CreditsUsed      int64 `json:"credits_used"`
	CreditsTotal     int64 `json:"credits_total"`
	CreditsRemaining int64 `json:"credits_remaining"`
	AlreadyApplied   bool  `json:"already_applied,omitempty"`
}

// Config tunes retry and overdraft behaviour. Zero values get defaults.
type Config struct {
	// OverdraftMargin is how far CreditsUsed may exceed CreditsTotal before a
	// debit is refused. Default 0: hard stop.
	OverdraftMargin int64
	// IdempotencyTTL is how long debit/credit results are replayable.
	IdempotencyTTL time.Duration
	MaxRetries     uint64
	BaseBackoff    time.Duration
}

func (c *Config) withDefaults() {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 48 * time.Hour
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
}

// Ledger applies balance mutations. Safe for concurrent use.
type Ledger struct {
	rdb     Redis
	store   repository.Store
	bus     repository.MessageBus
	catalog *catalog.Catalog
	log     *slog.Logger
	cfg     Config
	now     func() time.Time
}

func New(rdb Redis, store repository.Store, bus repository.MessageBus, cat *catalog.Catalog, log *slog.Logger, cfg Config) *Ledger {
	cfg.withDefaults()
	return &Ledger{
		rdb:     rdb,
		store:   store,
		bus:     bus,
		catalog: cat,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

func balanceKey(accountID string) string { return "balance:" + accountID }
func idemKey(key string) string          { return "idem:" + key }

// errCacheMiss drives the warm-then-retry loop; never escapes the package.
var errCacheMiss = errors.New("balance not in cache")

// GetBalance returns the account's balance record, creating the default
// free-tier record on first access. It never reports "not found" for a valid
// account id.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*model.AccountBalance, error) {
	var bal *model.AccountBalance
	err := l.withRetry(ctx, func(ctx context.Context) error {
		b, err := l.loadOrCreate(ctx, accountID)
		if err != nil {
			return retry.RetryableError(err)
		}
		bal = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	// Overlay the hot counters from Redis; the durable copy lags behind the
	// async sync worker.
	fields, err := l.rdb.HGetAll(ctx, balanceKey(accountID)).Result()
	if err != nil {
		l.log.Warn("balance cache read failed, serving durable copy",
			"account_id", accountID, "error", err)
		return bal, nil
	}
	if len(fields) == 0 {
		l.warmUp(ctx, bal)
		return bal, nil
	}
	overlayFromCache(bal, fields)
	return bal, nil
}

// Debit applies creditsUsed += amount atomically, refusing the debit when it
// would exceed the allotment plus the overdraft margin. Duplicate calls under
// the same idempotency key replay the original result.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, key string) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	var res *DebitResult
	err := l.withRetry(ctx, func(ctx context.Context) error {
		status, used, total, err := l.runScript(ctx, debitLua,
			[]string{balanceKey(accountID), idemKey(key)},
			amount, l.cfg.OverdraftMargin, int64(l.cfg.IdempotencyTTL.Seconds()))
		if err != nil {
			return retry.RetryableError(err)
		}

		switch status {
		case statusApplied:
			res = debitResult(used, total, false)
			l.publishEntry(ctx, model.LedgerEntry{
				IdempotencyKey: key,
				AccountID:      accountID,
				Kind:           model.EntryDebit,
				Amount:         amount,
				CreatedAt:      l.now(),
			})
			return nil
		case statusDuplicate:
			res = debitResult(used, total, true)
			return nil
		case statusCacheMiss:
			if _, err := l.loadAndWarm(ctx, accountID); err != nil {
				return retry.RetryableError(err)
			}
			return retry.RetryableError(errCacheMiss)
		case statusInsufficient:
			return ErrInsufficientCredits
		default:
			return fmt.Errorf("unexpected debit script status %d", status)
		}
	})
	if err != nil {
		return nil, l.classify(err)
	}
	return res, nil
}

// Credit refunds used credits or grants extra allotment. Always succeeds for a
// valid account; refunds clamp CreditsUsed at zero.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason CreditReason, key string) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	mode := "refund"
	kind := model.EntryRefund
	if reason == ReasonGrant {
		mode = "grant"
		kind = model.EntryGrant
	}

	var res *DebitResult
	err := l.withRetry(ctx, func(ctx context.Context) error {
		status, used, total, err := l.runScript(ctx, creditLua,
			[]string{balanceKey(accountID), idemKey(key)},
			amount, mode, int64(l.cfg.IdempotencyTTL.Seconds()))
		if err != nil {
			return retry.RetryableError(err)
		}

		switch status {
		case statusApplied:
			res = debitResult(used, total, false)
			l.publishEntry(ctx, model.LedgerEntry{
				IdempotencyKey: key,
				AccountID:      accountID,
				Kind:           kind,
				Amount:         amount,
				Reason:         string(reason),
				CreatedAt:      l.now(),
			})
			return nil
		case statusDuplicate:
			res = debitResult(used, total, true)
			return nil
		case statusCacheMiss:
			if _, err := l.loadAndWarm(ctx, accountID); err != nil {
				return retry.RetryableError(err)
			}
			return retry.RetryableError(errCacheMiss)
		default:
			return fmt.Errorf("unexpected credit script status %d", status)
		}
	})
	if err != nil {
		return nil, l.classify(err)
	}
	return res, nil
}

// ResetCycle starts a fresh billing cycle: full allotment for the tier, zero
// usage, new anchor. Calling it again with the same tier and an anchor that is
// not newer is a no-op; the returned bool reports whether anything changed.
func (l *Ledger) ResetCycle(ctx context.Context, accountID string, tier model.Tier, anchor time.Time) (bool, error) {
	total := l.catalog.Allotment(tier)

	var changed bool
	err := l.withRetry(ctx, func(ctx context.Context) error {
		status, _, _, err := l.runScript(ctx, resetLua,
			[]string{balanceKey(accountID)},
			string(tier), total, anchor.Unix())
		if err != nil {
			return retry.RetryableError(err)
		}

		switch status {
		case statusApplied:
			changed = true
			l.publishEntry(ctx, model.LedgerEntry{
				IdempotencyKey: fmt.Sprintf("reset:%s:%s:%d", accountID, tier, anchor.Unix()),
				AccountID:      accountID,
				Kind:           model.EntryReset,
				Amount:         total,
				Tier:           tier,
				CycleAnchor:    anchor,
				CreatedAt:      l.now(),
			})
			return nil
		case statusDuplicate:
			changed = false
			return nil
		case statusCacheMiss:
			if _, err := l.loadAndWarm(ctx, accountID); err != nil {
				return retry.RetryableError(err)
			}
			return retry.RetryableError(errCacheMiss)
		default:
			return fmt.Errorf("unexpected reset script status %d", status)
		}
	})
	if err != nil {
		return false, l.classify(err)
	}
	return changed, nil
}

func (l *Ledger) withRetry(ctx context.Context, op retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(l.cfg.MaxRetries, retry.NewExponential(l.cfg.BaseBackoff))
	return retry.Do(ctx, backoff, op)
}

// classify maps retry-exhausted transport errors to ErrLedgerUnavailable and
// lets business errors through untouched.
func (l *Ledger) classify(err error) error {
	if errors.Is(err, ErrInsufficientCredits) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func (l *Ledger) runScript(ctx context.Context, script string, keys []string, args ...any) (status, used, total int64, err error) {
	vals, err := l.rdb.Eval(ctx, script, keys, args...).Slice()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("script: %w", err)
	}
	if len(vals) < 3 {
		return 0, 0, 0, fmt.Errorf("script: unexpected reply %v", vals)
	}
	nums := make([]int64, 3)
	for i := range nums {
		n, ok := vals[i].(int64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("script: non-integer reply %v", vals)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

func (l *Ledger) loadOrCreate(ctx context.Context, accountID string) (*model.AccountBalance, error) {
	bal, err := l.store.GetBalance(ctx, accountID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	bal = model.NewAccountBalance(accountID, l.catalog.Allotment(model.TierFree), l.now())
	created, err := l.store.CreateBalance(ctx, bal)
	if err != nil {
		return nil, err
	}
	if !created {
		// lost the creation race
		return l.store.GetBalance(ctx, accountID)
	}
	l.log.Info("initialized balance record", "account_id", accountID, "tier", bal.Tier)
	return bal, nil
}

func (l *Ledger) loadAndWarm(ctx context.Context, accountID string) (*model.AccountBalance, error) {
	bal, err := l.loadOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	l.warmUp(ctx, bal)
	return bal, nil
}

// warmUp seeds the Redis hash from the durable record. The script writes only
// when the hash is absent, so losing a warm-up race never clobbers counters.
func (l *Ledger) warmUp(ctx context.Context, bal *model.AccountBalance) {
	err := l.rdb.Eval(ctx, warmupLua,
		[]string{balanceKey(bal.AccountID)},
		string(bal.Tier), bal.CreditsTotal, bal.CreditsUsed, bal.CycleAnchor.Unix(),
	).Err()
	if err != nil {
		l.log.Warn("balance cache warm-up failed", "account_id", bal.AccountID, "error", err)
	}
}

// publishEntry hands the applied mutation to the sync worker. If the bus is
// down the entry is applied to the store directly so durability never depends
// on redelivery.
func (l *Ledger) publishEntry(ctx context.Context, entry model.LedgerEntry) {
	data, err := json.Marshal(entry)
	if err == nil {
		if err = l.bus.Publish(SubjectEntries, data); err == nil {
			return
		}
	}
	l.log.Warn("ledger entry publish failed, applying directly",
		"account_id", entry.AccountID, "key", entry.IdempotencyKey, "error", err)
	if err := l.store.ApplyEntry(ctx, entry); err != nil {
		l.log.Error("ledger entry direct apply failed",
			"account_id", entry.AccountID, "key", entry.IdempotencyKey, "error", err)
	}
}

func debitResult(used, total int64, replay bool) *DebitResult {
	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	return &DebitResult{
		CreditsUsed:      used,
		CreditsTotal:     total,
		CreditsRemaining: remaining,
		AlreadyApplied:   replay,
	}
}

func overlayFromCache(bal *model.AccountBalance, fields map[string]string) {
	if v, err := strconv.ParseInt(fields["total"], 10, 64); err == nil {
		bal.CreditsTotal = v
	}
	if v, err := strconv.ParseInt(fields["used"], 10, 64); err == nil {
		bal.CreditsUsed = v
	}
	if v, err := strconv.ParseInt(fields["anchor"], 10, 64); err == nil {
		bal.CycleAnchor = time.Unix(v, 0).UTC()
	}
	if tier, err := model.ParseTier(fields["tier"]); err == nil {
		bal.Tier = tier
	}
}
