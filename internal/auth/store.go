package auth

import (
	"context"
	"sync"
	"time"
)

// expiryMargin is kept between a shared entry's lifetime and the bearer exp
const expiryMargin = 30 * time.Second

// Store shares bearers between clients of the same identity
type Store interface {
	// Get returns the bearer stored under key; ok is false when absent
	Get(ctx context.Context, key string) (token string, ok bool, err error)
	Set(ctx context.Context, key, token string) error
}

// entryTTL bounds ttl by the exp claim of token when it has one. keep is
// false for a bearer too close to expiry to be worth sharing. A zero
// result with keep true means no expiry.
func entryTTL(token string, ttl time.Duration, now time.Time) (time.Duration, bool) {
	claims, err := InspectBearer(token)
	if err != nil || claims.ExpiresAt == nil {
		return ttl, true
	}
	remaining := claims.ExpiresAt.Sub(now) - expiryMargin
	if remaining <= 0 {
		return 0, false
	}
	if ttl <= 0 || remaining < ttl {
		return remaining, true
	}
	return ttl, true
}

type memoryEntry struct {
	token    string
	expireAt time.Time // zero: never
}

// MemoryStore is a Store shared by clients of one process
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty MemoryStore whose entries live for ttl.
// A zero ttl keeps entries until the bearer exp claim, or forever for
// opaque bearers.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expireAt.IsZero() && !m.now().Before(entry.expireAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.token, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ttl, keep := entryTTL(token, m.ttl, now)
	if !keep {
		delete(m.entries, key)
		return nil
	}
	entry := memoryEntry{token: token}
	if ttl > 0 {
		entry.expireAt = now.Add(ttl)
	}
	m.entries[key] = entry
	return nil
}
