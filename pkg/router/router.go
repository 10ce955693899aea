// Package router maintains a ProxySQL-compatible query router's backend
// list, writer group, and reader group by diffing against the node
// registry and committing changes over the router's admin SQL interface.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/model"
)

// Writer and reader hostgroup ids, per the admin protocol's convention.
const (
	writerGroup = 1
	readerGroup = 2
)

// Config configures the admin connection to the router.
type Config struct {
	AdminDSN string // e.g. "admin:admin@tcp(127.0.0.1:6032)/"
	Port     int    // backend port to register for each address (engine port, not admin port)
}

// Bridge syncs the router's backend list against the node registry.
type Bridge struct {
	cfg    Config
	logger zerolog.Logger

	lastBackends []string // sorted "addr:group" keys, for diff-driven no-ops
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg, logger: log.WithComponent("router")}
}

func (b *Bridge) conn() (*sql.DB, error) {
	return sql.Open("mysql", b.cfg.AdminDSN)
}

type backend struct {
	group int
	addr  string
}

// Sync reconciles the router's backend list against the currently live
// nodes and the current leader address. It is diff-driven: if the
// computed backend set is unchanged from the last successful sync, it is
// a no-op.
func (b *Bridge) Sync(ctx context.Context, live []model.NodeRecord, leaderAddr string) error {
	backends := computeBackends(live, leaderAddr, b.cfg.Port)
	keys := backendKeys(backends)

	if equalStringSlices(keys, b.lastBackends) {
		return nil
	}

	if err := b.commit(ctx, backends); err != nil {
		metrics.RouterSyncsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("router: sync: %w", err)
	}
	metrics.RouterSyncsTotal.WithLabelValues("success").Inc()
	b.lastBackends = keys
	return nil
}

func computeBackends(live []model.NodeRecord, leaderAddr string, port int) []backend {
	var out []backend
	for _, n := range live {
		if n.Address == leaderAddr {
			out = append(out, backend{group: writerGroup, addr: n.Address})
		} else {
			out = append(out, backend{group: readerGroup, addr: n.Address})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].group != out[j].group {
			return out[i].group < out[j].group
		}
		return out[i].addr < out[j].addr
	})
	return out
}

func backendKeys(backends []backend) []string {
	keys := make([]string, len(backends))
	for i, be := range backends {
		keys[i] = fmt.Sprintf("%d:%s", be.group, be.addr)
	}
	return keys
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// commit runs the router's standard admin commit sequence: delete
// servers, insert servers, load to runtime, save to disk.
func (b *Bridge) commit(ctx context.Context, backends []backend) error {
	db, err := b.conn()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM mysql_servers"); err != nil {
		return fmt.Errorf("delete servers: %w", err)
	}
	for _, be := range backends {
		h, p := splitAddr(be.addr, b.cfg.Port)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO mysql_servers (hostgroup_id, hostname, port) VALUES (?, ?, ?)",
			be.group, h, p); err != nil {
			return fmt.Errorf("insert server %s: %w", be.addr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if _, err := db.ExecContext(ctx, "LOAD MYSQL SERVERS TO RUNTIME"); err != nil {
		return fmt.Errorf("load to runtime: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SAVE MYSQL SERVERS TO DISK"); err != nil {
		return fmt.Errorf("save to disk: %w", err)
	}
	return nil
}

func splitAddr(addr string, defaultPort int) (string, int) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], defaultPort
		}
	}
	return addr, defaultPort
}

// AnnounceLeader is a convenience wrapper used right after promotion: it
// forces an immediate Sync with this node as the sole known live node, so
// the writer group is never empty while the control loop waits for its
// next regular tick to refresh from the full registry.
func (b *Bridge) AnnounceLeader(ctx context.Context, addr string) error {
	return b.Sync(ctx, []model.NodeRecord{{Address: addr}}, addr)
}

// Deregister removes addr from the router's backend list entirely, used
// during graceful shutdown.
func (b *Bridge) Deregister(ctx context.Context, addr string) error {
	db, err := b.conn()
	if err != nil {
		return fmt.Errorf("router: deregister: connect: %w", err)
	}
	defer db.Close()

	host, _ := splitAddr(addr, b.cfg.Port)
	if _, err := db.ExecContext(ctx, "DELETE FROM mysql_servers WHERE hostname = ?", host); err != nil {
		return fmt.Errorf("router: deregister: %w", err)
	}
	if _, err := db.ExecContext(ctx, "LOAD MYSQL SERVERS TO RUNTIME"); err != nil {
		return fmt.Errorf("router: deregister: load to runtime: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SAVE MYSQL SERVERS TO DISK"); err != nil {
		return fmt.Errorf("router: deregister: save to disk: %w", err)
	}
	return nil
}

