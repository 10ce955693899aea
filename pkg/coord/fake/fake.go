// Package fake is an in-memory stand-in for the coordination service's
// KV/session/lock surface, used to unit-test pkg/registry, pkg/leaderlock,
// and pkg/idalloc without a live Consul agent. It implements pkg/coord.KV,
// the interface those packages consume, so tests can swap it in for a live
// client.
package fake

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/mcm/pkg/coord"
)

type kvRecord struct {
	value       []byte
	modifyIndex uint64
	session     string
}

type sessionRecord struct {
	id    string
	name  string
	ttl   time.Duration
	alive bool
}

var _ coord.KV = (*Coord)(nil)

// Coord is an in-memory coordination service fake.
type Coord struct {
	mu        sync.Mutex
	kv        map[string]*kvRecord
	sessions  map[string]*sessionRecord
	nextIndex uint64
	nextSess  int
}

// New creates an empty fake coordination service.
func New() *Coord {
	return &Coord{
		kv:       make(map[string]*kvRecord),
		sessions: make(map[string]*sessionRecord),
	}
}

func (c *Coord) index() uint64 {
	c.nextIndex++
	return c.nextIndex
}

func (c *Coord) Get(_ context.Context, key string) (*coord.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.kv[key]
	if !ok {
		return nil, nil
	}
	return &coord.Entry{Key: key, Value: append([]byte(nil), rec.value...), ModifyIndex: rec.modifyIndex, Session: rec.session}, nil
}

func (c *Coord) CASPut(_ context.Context, key string, value []byte, expectedIndex uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, exists := c.kv[key]
	cur := uint64(0)
	if exists {
		cur = rec.modifyIndex
	}
	if cur != expectedIndex {
		return false, nil
	}
	c.kv[key] = &kvRecord{value: append([]byte(nil), value...), modifyIndex: c.index()}
	return true, nil
}

func (c *Coord) AcquirePut(_ context.Context, key string, value []byte, session string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[session]; !ok || !s.alive {
		return false, nil
	}
	if rec, ok := c.kv[key]; ok && rec.session != "" && rec.session != session {
		return false, nil
	}
	c.kv[key] = &kvRecord{value: append([]byte(nil), value...), modifyIndex: c.index(), session: session}
	return true, nil
}

func (c *Coord) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := ""
	if rec, ok := c.kv[key]; ok {
		session = rec.session
	}
	c.kv[key] = &kvRecord{value: append([]byte(nil), value...), modifyIndex: c.index(), session: session}
	return nil
}

func (c *Coord) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	return nil
}

func (c *Coord) List(_ context.Context, prefix string) ([]coord.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []coord.Entry
	for k, rec := range c.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, coord.Entry{Key: k, Value: append([]byte(nil), rec.value...), ModifyIndex: rec.modifyIndex, Session: rec.session})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Coord) SessionCreate(_ context.Context, name string, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSess++
	id := sessionID(c.nextSess)
	c.sessions[id] = &sessionRecord{id: id, name: name, ttl: ttl, alive: true}
	return id, nil
}

func (c *Coord) SessionRenew(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok || !s.alive {
		return coord.ErrNotFound
	}
	return nil
}

func (c *Coord) SessionDestroy(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(id)
	return nil
}

// Expire simulates session TTL expiry from a test: every key acquired by
// the session is removed, exactly as the real coordination service's
// "delete" session behavior does.
func (c *Coord) Expire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(id)
}

func (c *Coord) expireLocked(id string) {
	if s, ok := c.sessions[id]; ok {
		s.alive = false
	}
	for k, rec := range c.kv {
		if rec.session == id {
			delete(c.kv, k)
		}
	}
}

// SessionAlive reports whether a session is still alive, for test assertions.
func (c *Coord) SessionAlive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return ok && s.alive
}

func sessionID(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n == 0 {
		return "session-0"
	}
	b := make([]byte, 0, 12)
	for n > 0 {
		b = append(b, alphabet[n%len(alphabet)])
		n /= len(alphabet)
	}
	return "session-" + string(b)
}
