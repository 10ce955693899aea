// Package registry maintains this node's record in the coordination
// service's shared keyspace and scans the records of other nodes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/model"
)

// ErrNotRegistered is returned by SetFields when no record exists yet for
// this node; the node must Register first.
var ErrNotRegistered = fmt.Errorf("registry: node has no record, call Register first")

// Registry manages the NodeRecord for one node, bound to its session.
type Registry struct {
	kv      coord.KV
	prefix  string // e.g. "mcm/instances/"
	addr    string
	session func() string // returns the current session id, empty if none
	logger  zerolog.Logger
}

// New creates a Registry. session is a callback rather than a fixed string
// because the owning session is recreated across the node's lifetime.
func New(kv coord.KV, prefix, addr string, session func() string) *Registry {
	return &Registry{
		kv:      kv,
		prefix:  prefix,
		addr:    addr,
		session: session,
		logger:  log.WithComponent("registry"),
	}
}

func (r *Registry) key() string {
	return r.prefix + r.addr
}

// Register publishes an initial NodeRecord acquired by the current session.
// It must succeed before any other publication.
func (r *Registry) Register(ctx context.Context) error {
	sid := r.session()
	if sid == "" {
		return fmt.Errorf("registry: register: no active session")
	}
	rec := model.NodeRecord{Address: r.addr}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: register: marshal: %w", err)
	}
	ok, err := r.kv.AcquirePut(ctx, r.key(), data, sid)
	if err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	if !ok {
		return fmt.Errorf("registry: register: acquire failed (lost session race or stale session)")
	}
	r.logger.Info().Str("addr", r.addr).Msg("node registered")
	return nil
}

// Fields is a partial update; nil pointers/empty leave that field unchanged.
type Fields struct {
	ServerID      *int
	EngineVersion *string
	Snapshotting  *bool
	Restoring     *bool
}

// SetFields performs a fresh read-modify-write of this node's own record,
// reacquiring it under the current session. Fails with ErrNotRegistered if
// no record currently exists.
func (r *Registry) SetFields(ctx context.Context, f Fields) error {
	sid := r.session()
	if sid == "" {
		return fmt.Errorf("registry: set_fields: no active session")
	}

	entry, err := r.kv.Get(ctx, r.key())
	if err != nil {
		return fmt.Errorf("registry: set_fields: get: %w", err)
	}
	if entry == nil {
		return ErrNotRegistered
	}
	rec, err := model.DecodeNodeRecord(entry.Value)
	if err != nil {
		return fmt.Errorf("registry: set_fields: %w", err)
	}

	if f.ServerID != nil {
		rec.ServerID = f.ServerID
	}
	if f.EngineVersion != nil {
		rec.EngineVersion = *f.EngineVersion
	}
	if f.Snapshotting != nil {
		rec.Snapshotting = *f.Snapshotting
	}
	if f.Restoring != nil {
		rec.Restoring = *f.Restoring
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: set_fields: marshal: %w", err)
	}
	ok, err := r.kv.AcquirePut(ctx, r.key(), data, sid)
	if err != nil {
		return fmt.Errorf("registry: set_fields: acquire: %w", err)
	}
	if !ok {
		return fmt.Errorf("registry: set_fields: acquire failed, record may have been lost with the session")
	}
	return nil
}

// Deregister is a convenience for tests and clean shutdown paths that want
// to remove the record without waiting for session expiry.
func (r *Registry) Deregister(ctx context.Context) error {
	return r.kv.Delete(ctx, r.key())
}

// ListLive scans every node record under the prefix and filters out nodes
// that are currently restoring or snapshotting, since they are not
// eligible as routing targets. Malformed records are skipped and logged,
// never partially parsed.
func (r *Registry) ListLive(ctx context.Context) ([]model.NodeRecord, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]model.NodeRecord, 0, len(all))
	for _, rec := range all {
		if rec.Eligible() {
			live = append(live, rec)
		}
	}
	return live, nil
}

// ListAll scans every node record under the prefix, including nodes that
// are restoring or snapshotting.
func (r *Registry) ListAll(ctx context.Context) ([]model.NodeRecord, error) {
	entries, err := r.kv.List(ctx, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	out := make([]model.NodeRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := model.DecodeNodeRecord(e.Value)
		if err != nil {
			r.logger.Warn().Str("key", e.Key).Err(err).Msg("skipping invalid node record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AnyRestoring reports whether any node in the registry has restoring=true.
func (r *Registry) AnyRestoring(ctx context.Context) (bool, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range all {
		if rec.Restoring {
			return true, nil
		}
	}
	return false, nil
}

// AnySnapshotting reports whether any node in the registry has
// snapshotting=true.
func (r *Registry) AnySnapshotting(ctx context.Context) (bool, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range all {
		if rec.Snapshotting {
			return true, nil
		}
	}
	return false, nil
}
