// Package leaderlock elects a single leader across the cluster using a
// session-bound advisory lock in the coordination service's keyspace. No
// consensus protocol is run in-process; the coordination service's own
// session and lock-delay semantics provide the safety property that at
// most one session holds the lock at a time.
package leaderlock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/model"
)

// Lock elects a leader at a single well-known key.
type Lock struct {
	kv      coord.KV
	key     string
	addr    string
	session func() string
	logger  zerolog.Logger

	held bool
}

// New creates a Lock bound to key, competing under the session returned by
// session on each call.
func New(kv coord.KV, key, addr string, session func() string) *Lock {
	return &Lock{
		kv:      kv,
		key:     key,
		addr:    addr,
		session: session,
		logger:  log.WithComponent("leaderlock"),
	}
}

// TryAcquire attempts to become leader. It is idempotent: calling it while
// already holding the lock simply re-confirms the hold under the same
// session. Returns true if this node is the leader after the call.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	sid := l.session()
	if sid == "" {
		l.held = false
		return false, fmt.Errorf("leaderlock: try_acquire: no active session")
	}

	rec := model.LeaderRecord{Address: l.addr}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("leaderlock: try_acquire: marshal: %w", err)
	}

	ok, err := l.kv.AcquirePut(ctx, l.key, data, sid)
	if err != nil {
		l.held = false
		return false, fmt.Errorf("leaderlock: try_acquire: %w", err)
	}

	wasHeld := l.held
	l.held = ok
	metrics.SetLeader(ok)
	if ok && !wasHeld {
		metrics.LeaderAcquisitionsTotal.Inc()
		l.logger.Info().Str("addr", l.addr).Msg("acquired leader lock")
	} else if !ok && wasHeld {
		l.logger.Warn().Msg("lost leader lock")
	}
	return ok, nil
}

// Release gives up leadership voluntarily by deleting the lock key outright
// so another node may acquire it immediately rather than waiting for this
// session to expire. The control loop does not call it; a stopping node
// gives up the lock by destroying its session.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	if err := l.kv.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("leaderlock: release: %w", err)
	}
	l.held = false
	metrics.SetLeader(false)
	l.logger.Info().Msg("released leader lock")
	return nil
}

// AmLeader is the authoritative leadership check: it re-reads the leader
// key and compares the session bound to it against this node's own current
// session, rather than trusting the cached outcome of the last TryAcquire.
// "I wrote it last" is not sufficient — another node may have acquired the
// key (e.g. after this node's session expired and was recreated) without
// this node ever observing a failed TryAcquire.
func (l *Lock) AmLeader(ctx context.Context) (bool, error) {
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("leaderlock: am_leader: %w", err)
	}
	sid := l.session()
	ok := entry != nil && sid != "" && entry.Session == sid

	wasHeld := l.held
	l.held = ok
	metrics.SetLeader(ok)
	if !ok && wasHeld {
		l.logger.Warn().Msg("lost leader lock")
	}
	return ok, nil
}

// LeaderAddress fetches the address of the current leader, if any. It
// returns ("", nil) when no leader is currently elected.
func (l *Lock) LeaderAddress(ctx context.Context) (string, error) {
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return "", fmt.Errorf("leaderlock: leader_address: %w", err)
	}
	if entry == nil {
		return "", nil
	}
	rec, err := model.DecodeLeaderRecord(entry.Value)
	if err != nil {
		return "", fmt.Errorf("leaderlock: leader_address: %w", err)
	}
	return rec.Address, nil
}
