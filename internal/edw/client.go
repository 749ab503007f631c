// Package edw wires configuration into a ready to use EDW client.
package edw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/auth"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/config"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/job"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/jobstore"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/peer"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/stream"
)

// Client runs EDW jobs against one peer
type Client struct {
	*job.Orchestrator

	cache   *auth.Cache
	closers []func() error
	logger  *logrus.Entry
}

// NewClient builds a client from configuration. Redis and MySQL are
// connected here when enabled; Close releases them.
func NewClient(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*Client, error) {
	c := &Client{logger: logging.Component(logger, "edw-client")}

	identity := auth.PeerIdentity{
		Kind:     cfg.Peer.Kind,
		Platform: cfg.Peer.Platform,
		Grid:     cfg.Peer.Grid,
		IP:       cfg.Peer.IP,
		Token:    cfg.Peer.Token,
	}
	authority := auth.NewAuthorityClient(cfg.Authority.URL, time.Duration(cfg.Authority.TimeoutSec)*time.Second, logger)

	var shared auth.Store
	if cfg.Cache.Backend == "redis" {
		rdb, err := auth.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, rdb.Close)
		shared = auth.NewRedisStore(rdb, cfg.Cache.KeyPrefix, time.Duration(cfg.Cache.KeyTTLSec)*time.Second)
		c.logger.Infof("Sharing bearers through Redis at %s", cfg.Redis.Addr)
	}
	c.cache = auth.NewCache(identity, authority, shared, logger)

	var recorder job.Recorder = job.NopRecorder{}
	if cfg.Store.Enabled {
		db, err := jobstore.InitMySQL(cfg.Store.DSN)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, func() error { return jobstore.Close(db) })
		if cfg.Store.Migrate {
			if err := jobstore.Migrate(db); err != nil {
				c.Close()
				return nil, err
			}
		}
		recorder = jobstore.NewStore(db)
	}

	endpoint := peer.Endpoint{
		Host:   cfg.Peer.Host,
		Ports:  cfg.Peer.Ports,
		Secure: cfg.Peer.Secure,
	}
	c.Orchestrator = job.NewOrchestrator(&job.Config{
		Endpoint: endpoint,
		Control:  peer.NewControlClient(endpoint, c.cache, logger),
		Stream:   stream.NewSession(cfg.Stream.ReadBufferSize, logger),
		Recorder: recorder,
		Logger:   logger,
	})

	c.logger.WithFields(logrus.Fields{
		"control":  endpoint.ControlURL(),
		"identity": identity.String(),
	}).Debug("Client ready")
	return c, nil
}

// Identity returns the identity bearers are fetched for
func (c *Client) Identity() auth.PeerIdentity {
	return c.cache.Identity()
}

// Close releases the connections opened by NewClient
func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}
