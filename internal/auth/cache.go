package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

// Cache holds the bearer of one identity for the lifetime of its owner.
//
// The first successful fetch is kept forever: there is no expiry, no
// refresh, and a later 401 from the control plane does not evict it.
// Callers whose process outlives the bearer must build a new Cache.
// Entries of the shared store expire on their own, so a new Cache
// fetches a fresh bearer once the shared one is gone.
type Cache struct {
	identity  PeerIdentity
	authority Authority
	shared    Store // optional
	logger    *logrus.Entry

	mu    sync.Mutex
	token string
}

// NewCache creates a cache for identity. shared may be nil.
func NewCache(identity PeerIdentity, authority Authority, shared Store, logger *logrus.Entry) *Cache {
	return &Cache{
		identity:  identity,
		authority: authority,
		shared:    shared,
		logger:    logging.Component(logger, "credential-cache"),
	}
}

// Identity returns the identity the cache serves
func (c *Cache) Identity() PeerIdentity {
	return c.identity
}

// Bearer returns the cached bearer, fetching it on first use.
// Concurrent callers on a miss wait for a single fetch. A failed fetch
// is returned unchanged and leaves the cache empty.
func (c *Cache) Bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}

	key := c.identity.Key()
	if c.shared != nil {
		token, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			c.logger.Warnf("Shared bearer store unavailable: %v", err)
		} else if ok && token != "" {
			c.token = token
			return token, nil
		}
	}

	token, err := c.authority.FetchBearer(ctx, c.identity)
	if err != nil {
		c.logger.WithField("identity", c.identity.String()).Errorf("Failed to fetch bearer: %v", err)
		return "", err
	}
	c.token = token
	c.logClaims(token)

	if c.shared != nil {
		if err := c.shared.Set(ctx, key, token); err != nil {
			c.logger.Warnf("Failed to share bearer: %v", err)
		}
	}
	return token, nil
}

// Header returns the Authorization header value
func (c *Cache) Header(ctx context.Context) (string, error) {
	token, err := c.Bearer(ctx)
	if err != nil {
		return "", err
	}
	return "bearer " + token, nil
}

func (c *Cache) logClaims(token string) {
	claims, err := InspectBearer(token)
	if err != nil {
		c.logger.Debug("Bearer cached (opaque)")
		return
	}
	entry := c.logger.WithField("subject", claims.Subject)
	if claims.ExpiresAt != nil {
		entry = entry.WithField("expires_at", claims.ExpiresAt.Format(time.RFC3339))
		if claims.ExpiresAt.Before(time.Now()) {
			entry.Warn("Authority issued an already expired bearer")
			return
		}
	}
	entry.Debug("Bearer cached")
}
