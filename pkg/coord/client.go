// Package coord is a thin, retrying client over a strongly-consistent
// coordination service (HashiCorp Consul's KV, session, and session-acquire
// primitives). It is the only package in this repo that talks to the
// coordination service directly; every other package goes through it.
package coord

import (
	"context"
	"fmt"
	"time"

	capi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
)

// KV is the surface every consumer of this package (registry, leaderlock,
// idalloc, control) depends on, rather than *Client directly, so that tests
// can substitute pkg/coord/fake.Coord for a live agent.
type KV interface {
	Get(ctx context.Context, key string) (*Entry, error)
	CASPut(ctx context.Context, key string, value []byte, expectedIndex uint64) (bool, error)
	AcquirePut(ctx context.Context, key string, value []byte, session string) (bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	SessionCreate(ctx context.Context, name string, ttl time.Duration) (string, error)
	SessionRenew(ctx context.Context, id string) error
	SessionDestroy(ctx context.Context, id string) error
}

// Config configures the coordination client.
type Config struct {
	// Address is the coordination agent's HTTP address, e.g. "127.0.0.1:8500".
	Address string

	// Prefix namespaces every key this client touches, e.g. "mcm/".
	Prefix string
}

var _ KV = (*Client)(nil)

// Client wraps a Consul API client with the bounded-retry, sentinel-error
// surface the rest of this repo is written against.
type Client struct {
	consul *capi.Client
	prefix string
	logger zerolog.Logger
}

// New constructs a Client against the configured coordination agent.
func New(cfg Config) (*Client, error) {
	ccfg := capi.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	c, err := capi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("coord: new client: %w", err)
	}
	return &Client{
		consul: c,
		prefix: cfg.Prefix,
		logger: log.WithComponent("coord"),
	}, nil
}

// Key joins the client's prefix to a relative key.
func (c *Client) Key(relative string) string {
	return c.prefix + relative
}

// Entry is a KV value together with the modify index needed for CAS and the
// ID of the session currently holding it, if any (empty when unheld).
type Entry struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
	Session     string
}

func (c *Client) timed(op string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.CoordCallDuration, op)
	if err == ErrTransient {
		metrics.CoordTransientFailuresTotal.WithLabelValues(op).Inc()
		c.logger.Warn().Str("op", op).Dur("elapsed", timer.Duration()).Msg("coordination call exhausted retry budget")
	}
	return err
}

// Get fetches a single key. A nil Entry with a nil error means the key does
// not exist.
func (c *Client) Get(ctx context.Context, key string) (*Entry, error) {
	var out *Entry
	err := c.timed("get", func() error {
		return withRetry(ctx, FastBudget, func() error {
			pair, _, err := c.consul.KV().Get(key, (&capi.QueryOptions{}).WithContext(ctx))
			if err != nil {
				return err
			}
			if pair == nil {
				out = nil
				return nil
			}
			out = &Entry{Key: pair.Key, Value: pair.Value, ModifyIndex: pair.ModifyIndex, Session: pair.Session}
			return nil
		})
	})
	return out, err
}

// CASPut writes value at key only if the key's current modify index equals
// expectedIndex (0 meaning "key must not exist"). Returns false, nil on a
// lost race rather than an error, per Consul CAS semantics.
func (c *Client) CASPut(ctx context.Context, key string, value []byte, expectedIndex uint64) (bool, error) {
	var ok bool
	err := c.timed("cas_put", func() error {
		return withRetry(ctx, FastBudget, func() error {
			pair := &capi.KVPair{Key: key, Value: value, ModifyIndex: expectedIndex}
			success, _, err := c.consul.KV().CAS(pair, (&capi.WriteOptions{}).WithContext(ctx))
			if err != nil {
				return err
			}
			ok = success
			return nil
		})
	})
	return ok, err
}

// AcquirePut writes value at key bound to session; the entry is removed
// automatically when session expires. Returns false if another session
// already holds the key.
func (c *Client) AcquirePut(ctx context.Context, key string, value []byte, session string) (bool, error) {
	var ok bool
	err := c.timed("acquire_put", func() error {
		return withRetry(ctx, FastBudget, func() error {
			pair := &capi.KVPair{Key: key, Value: value, Session: session}
			success, _, err := c.consul.KV().Acquire(pair, (&capi.WriteOptions{}).WithContext(ctx))
			if err != nil {
				return err
			}
			ok = success
			return nil
		})
	})
	return ok, err
}

// Put writes value at key unconditionally, used for read-modify-write
// updates to a key this node already owns via its own session.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return c.timed("put", func() error {
		return withRetry(ctx, FastBudget, func() error {
			pair := &capi.KVPair{Key: key, Value: value}
			_, err := c.consul.KV().Put(pair, (&capi.WriteOptions{}).WithContext(ctx))
			return err
		})
	})
}

// Delete removes key unconditionally.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.timed("delete", func() error {
		return withRetry(ctx, FastBudget, func() error {
			_, err := c.consul.KV().Delete(key, (&capi.WriteOptions{}).WithContext(ctx))
			return err
		})
	})
}

// List scans every key under prefix. Slow-path: registry scans tolerate a
// longer outage budget than single-key operations.
func (c *Client) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := c.timed("list", func() error {
		return withRetry(ctx, SlowBudget, func() error {
			pairs, _, err := c.consul.KV().List(prefix, (&capi.QueryOptions{}).WithContext(ctx))
			if err != nil {
				return err
			}
			out = make([]Entry, 0, len(pairs))
			for _, p := range pairs {
				out = append(out, Entry{Key: p.Key, Value: p.Value, ModifyIndex: p.ModifyIndex, Session: p.Session})
			}
			return nil
		})
	})
	return out, err
}

// SessionCreate creates a new session with the given TTL, "delete" behavior
// (every key acquired by this session is removed on expiry), and zero lock
// delay (another node may re-acquire immediately on loss).
func (c *Client) SessionCreate(ctx context.Context, name string, ttl time.Duration) (string, error) {
	var id string
	err := c.timed("session_create", func() error {
		return withRetry(ctx, FastBudget, func() error {
			entry := &capi.SessionEntry{
				Name:      name,
				TTL:       ttl.String(),
				Behavior:  capi.SessionBehaviorDelete,
				LockDelay: 0,
			}
			sid, _, err := c.consul.Session().Create(entry, (&capi.WriteOptions{}).WithContext(ctx))
			if err != nil {
				return err
			}
			id = sid
			return nil
		})
	})
	return id, err
}

// SessionRenew renews a session, resetting its TTL countdown.
func (c *Client) SessionRenew(ctx context.Context, id string) error {
	return c.timed("session_renew", func() error {
		return withRetry(ctx, FastBudget, func() error {
			_, _, err := c.consul.Session().Renew(id, (&capi.WriteOptions{}).WithContext(ctx))
			return err
		})
	})
}

// SessionDestroy destroys a session, deleting everything it acquired.
func (c *Client) SessionDestroy(ctx context.Context, id string) error {
	return c.timed("session_destroy", func() error {
		return withRetry(ctx, FastBudget, func() error {
			_, err := c.consul.Session().Destroy(id, (&capi.WriteOptions{}).WithContext(ctx))
			return err
		})
	})
}

// Ping checks whether the coordination service is reachable at all, used by
// ControlLoop's Boot→WaitCoord transition.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Get(ctx, c.Key("ping"))
	return err
}
