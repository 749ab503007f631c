package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAuthority fails the first failures calls and then issues token
type countingAuthority struct {
	calls    atomic.Int64
	failures int64
	token    string
}

func (a *countingAuthority) FetchBearer(_ context.Context, _ PeerIdentity) (string, error) {
	n := a.calls.Add(1)
	if n <= a.failures {
		return "", errors.New("authority down")
	}
	return a.token, nil
}

var testIdentity = PeerIdentity{Kind: "access", Platform: "com", Grid: "demo", IP: "10.0.0.1", Token: "long-lived"}

func TestCache_FetchesOnce(t *testing.T) {
	authority := &countingAuthority{token: "bearer-1"}
	cache := NewCache(testIdentity, authority, nil, nil)

	for i := 0; i < 5; i++ {
		token, err := cache.Bearer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "bearer-1", token)
	}
	assert.EqualValues(t, 1, authority.calls.Load())
}

func TestCache_FailureIsNotCached(t *testing.T) {
	authority := &countingAuthority{token: "bearer-1", failures: 2}
	cache := NewCache(testIdentity, authority, nil, nil)

	_, err := cache.Bearer(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "authority down", "error must be returned untouched")

	_, err = cache.Bearer(context.Background())
	require.Error(t, err)

	token, err := cache.Bearer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bearer-1", token)

	_, err = cache.Bearer(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, authority.calls.Load())
}

func TestCache_ConcurrentMissFetchesOnce(t *testing.T) {
	authority := &countingAuthority{token: "bearer-1"}
	cache := NewCache(testIdentity, authority, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Bearer(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "bearer-1", token)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, authority.calls.Load())
}

func TestCache_SharedStore(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	authority := &countingAuthority{token: "bearer-1"}

	first := NewCache(testIdentity, authority, store, nil)
	_, err := first.Bearer(context.Background())
	require.NoError(t, err)

	second := NewCache(testIdentity, authority, store, nil)
	token, err := second.Bearer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bearer-1", token)
	assert.EqualValues(t, 1, authority.calls.Load(), "second cache must reuse the shared bearer")
}

func TestCache_Header(t *testing.T) {
	cache := NewCache(testIdentity, &countingAuthority{token: "abc"}, nil, nil)

	header, err := cache.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bearer abc", header)
}

func TestPeerIdentity_StringHidesToken(t *testing.T) {
	assert.NotContains(t, testIdentity.String(), "long-lived")
	assert.Contains(t, testIdentity.Key(), "long-lived")
}

func signedBearer(t *testing.T, expireAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "demo",
		ExpiresAt: jwt.NewNumericDate(expireAt),
	}).SignedString([]byte("unknown-to-client"))
	require.NoError(t, err)
	return token
}

func TestCache_SharedEntryExpires(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore(time.Minute)
	store.now = func() time.Time { return now }

	first := NewCache(testIdentity, &countingAuthority{token: "old-bearer"}, store, nil)
	_, err := first.Bearer(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	authority := &countingAuthority{token: "new-bearer"}
	second := NewCache(testIdentity, authority, store, nil)
	token, err := second.Bearer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "new-bearer", token)
	assert.EqualValues(t, 1, authority.calls.Load())
}

func TestMemoryStore_ExpiresBeforeBearer(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore(time.Hour)
	store.now = func() time.Time { return now }

	token := signedBearer(t, now.Add(5*time.Minute))
	require.NoError(t, store.Set(context.Background(), "k", token))

	now = now.Add(4 * time.Minute)
	got, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, token, got)

	now = now.Add(time.Minute)
	_, ok, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must be gone before the bearer expires")
}

func TestEntryTTL(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		token    string
		ttl      time.Duration
		wantTTL  time.Duration
		wantKeep bool
	}{
		{"opaque keeps ttl", "opaque", time.Hour, time.Hour, true},
		{"opaque without ttl", "opaque", 0, 0, true},
		{"exp shortens ttl", signedBearer(t, now.Add(10*time.Minute)), time.Hour, 10*time.Minute - expiryMargin, true},
		{"ttl below exp", signedBearer(t, now.Add(10*time.Minute)), time.Minute, time.Minute, true},
		{"exp without ttl", signedBearer(t, now.Add(10*time.Minute)), 0, 10*time.Minute - expiryMargin, true},
		{"nearly expired", signedBearer(t, now.Add(10*time.Second)), time.Hour, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ttl, keep := entryTTL(tt.token, tt.ttl, now)
			assert.Equal(t, tt.wantKeep, keep)
			assert.InDelta(t, float64(tt.wantTTL), float64(ttl), float64(time.Second))
		})
	}
}
