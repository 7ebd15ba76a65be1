package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the ledger contract in process memory. It backs
// development runs without a database and the generator tests.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	entries  map[memoryKey]CacheEntry
	balances map[string]int64
	usage    []UsageEvent
}

type memoryKey struct {
	userID    string
	sourceURL string
}

// NewMemoryStore creates an in-memory ledger with the given opening balances.
func NewMemoryStore(balances map[string]int64) *MemoryStore {
	seeded := make(map[string]int64, len(balances))
	for user, balance := range balances {
		seeded[user] = balance
	}
	return &MemoryStore{
		now:      time.Now,
		entries:  make(map[memoryKey]CacheEntry),
		balances: seeded,
	}
}

// GetCached returns the unexpired generation for (user, source URL).
func (m *MemoryStore) GetCached(_ context.Context, userID, sourceURL string) (CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[memoryKey{userID, sourceURL}]
	if !ok || !entry.ExpiresAt.After(m.now()) {
		return CacheEntry{}, ErrCacheMiss
	}
	return cloneEntry(entry), nil
}

// Balance returns the wallet balance.
func (m *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// ChargeAndCommit mirrors the SQL transaction under the store mutex.
func (m *MemoryStore) ChargeAndCommit(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry := req.Entry
	key := memoryKey{entry.UserID, entry.SourceURL}
	if existing, ok := m.entries[key]; ok {
		if existing.ExpiresAt.After(now) {
			return ChargeResult{Entry: cloneEntry(existing), Duplicate: true, Balance: m.balances[entry.UserID]}, nil
		}
		delete(m.entries, key)
	}
	for _, existing := range m.entries {
		if existing.RequestKey == entry.RequestKey && existing.ExpiresAt.After(now) {
			return ChargeResult{Entry: cloneEntry(existing), Duplicate: true, Balance: m.balances[entry.UserID]}, nil
		}
	}
	if m.balances[entry.UserID] < req.Cost {
		return ChargeResult{}, ErrInsufficientCredit
	}

	m.nextID++
	entry.ID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.CoupangKeywords = nonNil(entry.CoupangKeywords)
	entry.AblyKeywords = nonNil(entry.AblyKeywords)
	m.entries[key] = cloneEntry(entry)
	m.balances[entry.UserID] -= req.Cost
	m.usage = append(m.usage, UsageEvent{
		ID:         uuid.NewString(),
		UserID:     entry.UserID,
		Feature:    req.Feature,
		Cost:       req.Cost,
		SourceURL:  entry.SourceURL,
		RequestKey: entry.RequestKey,
		CreatedAt:  now,
	})
	return ChargeResult{Entry: entry, Balance: m.balances[entry.UserID]}, nil
}

// SweepExpired removes expired generations.
func (m *MemoryStore) SweepExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var removed int64
	for key, entry := range m.entries {
		if !entry.ExpiresAt.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// ListGenerations pages through a user's generations, newest first.
func (m *MemoryStore) ListGenerations(_ context.Context, userID string, params ListParams) (GenerationPage, error) {
	params = params.normalise()
	m.mu.Lock()
	var all []CacheEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			all = append(all, cloneEntry(entry))
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return GenerationPage{
		Total:    int64(len(all)),
		Page:     params.Page,
		PageSize: params.PageSize,
		Items:    pageOf(all, params),
	}, nil
}

// ListUsage pages through a user's debits, newest first.
func (m *MemoryStore) ListUsage(_ context.Context, userID string, params ListParams) (UsagePage, error) {
	params = params.normalise()
	m.mu.Lock()
	var all []UsageEvent
	for i := len(m.usage) - 1; i >= 0; i-- {
		if m.usage[i].UserID == userID {
			all = append(all, m.usage[i])
		}
	}
	m.mu.Unlock()

	return UsagePage{
		Total:    int64(len(all)),
		Page:     params.Page,
		PageSize: params.PageSize,
		Items:    pageOf(all, params),
	}, nil
}

func pageOf[T any](all []T, params ListParams) []T {
	start := params.offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + params.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func cloneEntry(e CacheEntry) CacheEntry {
	e.CoupangKeywords = append([]string{}, e.CoupangKeywords...)
	e.AblyKeywords = append([]string{}, e.AblyKeywords...)
	return e
}
