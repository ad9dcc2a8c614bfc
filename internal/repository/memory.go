package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"tallyo/internal/model"
)

// MemoryStore is a mutex-guarded in-memory Store. Used by tests and as a
// development store when no database is configured.
type MemoryStore struct {
	mu          sync.Mutex
	balances    map[string]model.AccountBalance
	entries     map[string]model.LedgerEntry
	usageEvents map[string]model.UsageEvent
	seenEvents  map[string]string
	deadLetters []model.DeadLetter
	refs        map[string]string // external customer id -> account id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]model.AccountBalance),
		entries:     make(map[string]model.LedgerEntry),
		usageEvents: make(map[string]model.UsageEvent),
		seenEvents:  make(map[string]string),
		refs:        make(map[string]string),
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID string) (*model.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &bal, nil
}

func (s *MemoryStore) CreateBalance(_ context.Context, bal *model.AccountBalance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.balances[bal.AccountID]; ok {
		return false, nil
	}
	s.balances[bal.AccountID] = *bal
	return true, nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, accountID string, status model.SubscriptionStatus, ref model.ExternalRef, expected, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok || !bal.UpdatedAt.Equal(expected) {
		return ErrConflict
	}
	bal.SubscriptionStatus = status
	bal.ExternalRef = ref
	bal.UpdatedAt = now
	s.balances[accountID] = bal
	return nil
}

func (s *MemoryStore) ApplyEntry(_ context.Context, entry model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.IdempotencyKey]; ok {
		return nil
	}
	s.entries[entry.IdempotencyKey] = entry

	bal := s.balances[entry.AccountID]
	switch entry.Kind {
	case model.EntryDebit:
		bal.CreditsUsed += entry.Amount
	case model.EntryRefund:
		bal.CreditsUsed -= entry.Amount
		if bal.CreditsUsed < 0 {
			bal.CreditsUsed = 0
		}
	case model.EntryGrant:
		bal.CreditsTotal += entry.Amount
	case model.EntryReset:
		bal.Tier = entry.Tier
		bal.CreditsTotal = entry.Amount
		bal.CreditsUsed = 0
		bal.CycleAnchor = entry.CycleAnchor
	}
	if entry.CreatedAt.After(bal.UpdatedAt) {
		bal.UpdatedAt = entry.CreatedAt
	}
	s.balances[entry.AccountID] = bal
	return nil
}

func (s *MemoryStore) InsertUsageEvent(_ context.Context, ev *model.UsageEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usageEvents[ev.CorrelationID]; ok {
		return false, nil
	}
	s.usageEvents[ev.CorrelationID] = *ev
	return true, nil
}

func (s *MemoryStore) GetUsageEvent(_ context.Context, correlationID string) (*model.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.usageEvents[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (s *MemoryStore) FinalizeUsageEvent(_ context.Context, correlationID string, outcome model.Outcome, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.usageEvents[correlationID]
	if !ok {
		return false, ErrNotFound
	}
	if ev.Outcome != model.OutcomePending {
		return false, nil
	}
	ev.Outcome = outcome
	ev.FinalizedAt = &now
	s.usageEvents[correlationID] = ev
	return true, nil
}

func (s *MemoryStore) ReopenUsageEvent(_ context.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.usageEvents[correlationID]
	if !ok || ev.Outcome != model.OutcomeReversed {
		return false, nil
	}
	ev.Outcome = model.OutcomePending
	ev.FinalizedAt = nil
	s.usageEvents[correlationID] = ev
	return true, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]model.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []model.UsageEvent
	for _, ev := range s.usageEvents {
		if ev.Outcome == model.OutcomePending && ev.CreatedAt.Before(cutoff) {
			stale = append(stale, ev)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) MarkEventSeen(_ context.Context, externalEventID, eventType string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenEvents[externalEventID]; ok {
		return false, nil
	}
	s.seenEvents[externalEventID] = eventType
	return true, nil
}

func (s *MemoryStore) InsertDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append(s.deadLetters, *dl)
	return nil
}

// DeadLetters returns a copy of the recorded dead letters, for tests and the
// dev store.
func (s *MemoryStore) DeadLetters() []model.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

func (s *MemoryStore) ResolveExternalCustomer(_ context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.refs[customerID]
	if !ok {
		return "", ErrNotFound
	}
	return accountID, nil
}

func (s *MemoryStore) SaveExternalRef(_ context.Context, accountID string, ref model.ExternalRef, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[ref.CustomerID] = accountID
	return nil
}
