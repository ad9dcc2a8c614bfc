package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyo/internal/catalog"
	"tallyo/internal/model"
	"tallyo/internal/repository"
)

// fakeRedis executes the ledger Lua scripts in-process under one mutex, which
// reproduces Redis's per-script atomicity for concurrency tests.
type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	idem   map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		idem:   make(map[string]string),
	}
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(script, keys, args)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func argInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		panic(fmt.Sprintf("unexpected arg type %T", v))
	}
}

func (f *fakeRedis) run(script string, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(status, used, total int64) *redis.Cmd {
		return redis.NewCmdResult([]interface{}{status, used, total}, nil)
	}

	switch script {
	case debitLua:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return reply(-1, 0, 0)
		}
		total := argInt(h["total"])
		if prior, ok := f.idem[keys[1]]; ok {
			return reply(0, argInt(prior), total)
		}
		used := argInt(h["used"])
		amount, margin := argInt(args[0]), argInt(args[1])
		if used+amount > total+margin {
			return reply(-2, used, total)
		}
		used += amount
		h["used"] = strconv.FormatInt(used, 10)
		f.idem[keys[1]] = strconv.FormatInt(used, 10)
		return reply(1, used, total)

	case creditLua:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return reply(-1, 0, 0)
		}
		total := argInt(h["total"])
		if prior, ok := f.idem[keys[1]]; ok {
			return reply(0, argInt(prior), total)
		}
		used := argInt(h["used"])
		amount := argInt(args[0])
		if args[1].(string) == "grant" {
			total += amount
			h["total"] = strconv.FormatInt(total, 10)
		} else {
			used -= amount
			if used < 0 {
				used = 0
			}
			h["used"] = strconv.FormatInt(used, 10)
		}
		f.idem[keys[1]] = strconv.FormatInt(used, 10)
		return reply(1, used, total)

	case resetLua:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return reply(-1, 0, 0)
		}
		anchor := argInt(args[2])
		if h["tier"] == args[0].(string) && argInt(h["anchor"]) >= anchor {
			return reply(0, argInt(h["used"]), argInt(h["total"]))
		}
		total := argInt(args[1])
		h["tier"] = args[0].(string)
		h["total"] = strconv.FormatInt(total, 10)
		h["used"] = "0"
		h["anchor"] = strconv.FormatInt(anchor, 10)
		return reply(1, 0, total)

	case warmupLua:
		if _, ok := f.hashes[keys[0]]; ok {
			return redis.NewCmdResult(int64(0), nil)
		}
		f.hashes[keys[0]] = map[string]string{
			"tier":   args[0].(string),
			"total":  strconv.FormatInt(argInt(args[1]), 10),
			"used":   strconv.FormatInt(argInt(args[2]), 10),
			"anchor": strconv.FormatInt(argInt(args[3]), 10),
		}
		return redis.NewCmdResult(int64(1), nil)

	default:
		return redis.NewCmdResult(nil, fmt.Errorf("unknown script"))
	}
}

// syncBus delivers ledger entries straight into the store, standing in for
// the queue-subscribed sync worker.
type syncBus struct {
	store     repository.Store
	mu        sync.Mutex
	published int
}

func (b *syncBus) Publish(_ string, data []byte) error {
	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	var entry model.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	return b.store.ApplyEntry(context.Background(), entry)
}

func newTestLedger(t *testing.T) (*Ledger, *repository.MemoryStore, *fakeRedis) {
	t.Helper()
	store := repository.NewMemoryStore()
	rdb := newFakeRedis()
	lg := New(rdb, store, &syncBus{store: store}, catalog.Default(), slog.Default(), Config{
		BaseBackoff: time.Millisecond,
	})
	return lg, store, rdb
}

func TestGetBalanceLazyInit(t *testing.T) {
	lg, store, _ := newTestLedger(t)
	ctx := context.Background()

	bal, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, bal.Tier)
	assert.Equal(t, model.StatusNone, bal.SubscriptionStatus)
	assert.Equal(t, int64(250), bal.CreditsTotal)
	assert.Equal(t, int64(0), bal.CreditsUsed)

	// record is durable, not just cached
	stored, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, stored.Tier)
}

func TestDebitHappyPath(t *testing.T) {
	lg, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)

	res, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.CreditsUsed)
	assert.Equal(t, int64(200), res.CreditsRemaining)
	assert.False(t, res.AlreadyApplied)

	stored, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stored.CreditsUsed)
}

func TestDebitInsufficient(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)

	_, err = lg.Debit(ctx, "acct-1", 300, "use-2")
	require.ErrorIs(t, err, ErrInsufficientCredits)

	bal, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.CreditsUsed, "failed debit must not change usage")
}

func TestDebitIdempotent(t *testing.T) {
	lg, store, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)

	second, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, first.CreditsUsed, second.CreditsUsed)
	assert.Equal(t, first.CreditsRemaining, second.CreditsRemaining)

	stored, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stored.CreditsUsed, "one effective deduction")
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.Debit(ctx, "acct-1", 50, "setup")
	require.NoError(t, err) // remaining = 200

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lg.Debit(ctx, "acct-1", 150, fmt.Sprintf("race-%d", i))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrInsufficientCredits):
			insufficient++
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent debit may win")
	assert.Equal(t, 1, insufficient)

	bal, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal.CreditsUsed)
}

func TestDebitWarmsFromDurableRecord(t *testing.T) {
	lg, store, rdb := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := store.CreateBalance(ctx, &model.AccountBalance{
		AccountID:    "acct-1",
		Tier:         model.TierPro,
		CreditsTotal: 4000,
		CreditsUsed:  3990,
		CycleAnchor:  now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	require.Empty(t, rdb.hashes, "cache starts cold")

	_, err = lg.Debit(ctx, "acct-1", 50, "use-1")
	require.ErrorIs(t, err, ErrInsufficientCredits, "warmed balance must reflect prior usage")

	res, err := lg.Debit(ctx, "acct-1", 10, "use-2")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.CreditsUsed)
	assert.Equal(t, int64(0), res.CreditsRemaining)
}

func TestDebitOverdraftMargin(t *testing.T) {
	store := repository.NewMemoryStore()
	rdb := newFakeRedis()
	lg := New(rdb, store, &syncBus{store: store}, catalog.Default(), slog.Default(), Config{
		OverdraftMargin: 25,
		BaseBackoff:     time.Millisecond,
	})
	ctx := context.Background()

	_, err := lg.Debit(ctx, "acct-1", 240, "use-1")
	require.NoError(t, err)

	// 240 used + 30 = 270 <= 250 + 25 margin
	res, err := lg.Debit(ctx, "acct-1", 30, "use-2")
	require.NoError(t, err)
	assert.Equal(t, int64(270), res.CreditsUsed)
	assert.Equal(t, int64(0), res.CreditsRemaining)

	_, err = lg.Debit(ctx, "acct-1", 10, "use-3")
	require.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCreditRefundRoundTrip(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), res.CreditsUsed)

	refunded, err := lg.Credit(ctx, "acct-1", 50, ReasonRefund, "reverse:use-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), refunded.CreditsUsed, "reverse restores the pre-debit value exactly")
}

func TestCreditRefundClampsAtZero(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.Debit(ctx, "acct-1", 10, "use-1")
	require.NoError(t, err)

	res, err := lg.Credit(ctx, "acct-1", 500, ReasonRefund, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.CreditsUsed)
}

func TestCreditGrantRaisesTotal(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)

	res, err := lg.Credit(ctx, "acct-1", 100, ReasonGrant, "support-grant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), res.CreditsTotal)
}

func TestResetCycleIdempotent(t *testing.T) {
	lg, store, _ := newTestLedger(t)
	ctx := context.Background()
	anchor := time.Now().UTC().Truncate(time.Second)

	_, err := lg.Debit(ctx, "acct-1", 50, "use-1")
	require.NoError(t, err)

	changed, err := lg.ResetCycle(ctx, "acct-1", model.TierPro, anchor)
	require.NoError(t, err)
	assert.True(t, changed)

	bal, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, bal.Tier)
	assert.Equal(t, int64(4000), bal.CreditsTotal)
	assert.Equal(t, int64(0), bal.CreditsUsed)

	// same tier, same anchor: no-op
	changed, err = lg.ResetCycle(ctx, "acct-1", model.TierPro, anchor)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), stored.CreditsTotal)
	assert.Equal(t, int64(0), stored.CreditsUsed)
}

func TestResetCycleRenewalZeroesUsage(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()
	anchor := time.Now().UTC().Truncate(time.Second)

	changed, err := lg.ResetCycle(ctx, "acct-1", model.TierPro, anchor)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = lg.Debit(ctx, "acct-1", 500, "use-1")
	require.NoError(t, err)

	changed, err = lg.ResetCycle(ctx, "acct-1", model.TierPro, anchor.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed, "a newer anchor renews the cycle even on the same tier")

	bal, err := lg.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.CreditsUsed)
}

func TestDebitValidation(t *testing.T) {
	lg, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := lg.Debit(ctx, "acct-1", 0, "use-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = lg.Debit(ctx, "acct-1", 10, "")
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
}
