// Package extractcache keeps the latest extraction result per user so a
// client can resume media selection without re-running the browser.
package extractcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

// ErrNotFound is returned when the user has no live cached extraction.
var ErrNotFound = errors.New("no cached extraction")

// Store persists the latest extraction per user.
type Store interface {
	Save(ctx context.Context, userID string, result *types.ExtractionResult) error
	Latest(ctx context.Context, userID string) (*types.ExtractionResult, error)
	Close() error
}

// MemoryStore is the single-process Store used when Redis is not configured.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	result  types.ExtractionResult
	expires time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl keeps
// entries until they are replaced.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Save(_ context.Context, userID string, result *types.ExtractionResult) error {
	if userID == "" || result == nil {
		return nil
	}
	entry := memoryEntry{result: *result}
	if s.ttl > 0 {
		entry.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[userID] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, userID string) (*types.ExtractionResult, error) {
	s.mu.RLock()
	entry, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		s.mu.Lock()
		if current, ok := s.entries[userID]; ok && current.expires.Equal(entry.expires) {
			delete(s.entries, userID)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	result := entry.result
	return &result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
