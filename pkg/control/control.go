// Package control implements the per-node cluster-coordination state
// machine: Boot, WaitCoord, SessionReady, Initializing, Restoring,
// Running (Leader or Follower), Degraded, Stopping. It is a single
// serialized actor. A session-refresh worker runs alongside it under a
// golang.org/x/sync/errgroup and reports session loss over the loop's
// sessionLost channel. At most one snapshot worker, started through a
// singleflight group outside the errgroup, runs in the background; the
// loop sees its outcome only through the snapshot store's state.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
)

// sessionTTL is the TTL requested on session creation.
const sessionTTL = 15 * time.Second

// sessionRefreshPeriod is the session-refresher worker's wake interval.
const sessionRefreshPeriod = 5 * time.Second

// sessionRenewRetryBudget bounds how long the refresher keeps retrying a
// failing renew before it gives up on the session and recreates one.
const sessionRenewRetryBudget = 35 * time.Second

// tickPeriod is the Running-state loop's wake interval.
const tickPeriod = 5 * time.Second

// minSnapshotInterval floors an operator-configured snapshot interval.
const minSnapshotInterval = 60 * time.Second

// Config configures a Loop.
type Config struct {
	Address          string // this node's own routable address
	SnapshotInterval time.Duration
}

// Loop is one node's control loop.
type Loop struct {
	cfg Config

	coord    Coord
	registry Registry
	leader   Leader
	ids      IDAllocator
	snap     SnapshotStore
	engine   Engine
	router   Router

	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	role       Role
	sessionID  string
	restoring  bool // true while restore runs; recoverSession republishes it

	sessionLost  chan struct{}
	snapshotOnce singleflight.Group
}

// New creates a Loop. All dependencies are injected as the small
// interfaces in deps.go so tests can substitute fakes for every one of
// them without a live coordination service, engine, or router.
func New(cfg Config, coord Coord, registry Registry, leader Leader, ids IDAllocator, snap SnapshotStore, engine Engine, router Router) *Loop {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 15 * time.Minute
	} else if cfg.SnapshotInterval < minSnapshotInterval {
		cfg.SnapshotInterval = minSnapshotInterval
	}
	return &Loop{
		cfg:         cfg,
		coord:       coord,
		registry:    registry,
		leader:      leader,
		ids:         ids,
		snap:        snap,
		engine:      engine,
		router:      router,
		logger:      log.WithComponent("control"),
		state:       StateBoot,
		sessionLost: make(chan struct{}, 1),
	}
}

// State returns the loop's current state, for tests and diagnostics.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	metrics.ControlLoopState.Reset()
	metrics.ControlLoopState.WithLabelValues(string(s)).Set(1)
	l.logger.Info().Str("state", string(s)).Msg("control loop state transition")
}

// Run drives the loop from Boot through Stopping, returning when ctx is
// cancelled (graceful shutdown) or the node enters Degraded (ErrDegraded).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.boot(ctx); err != nil {
		l.setState(StateDegraded)
		return fmt.Errorf("control: boot: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.sessionRefresher(gctx) })
	g.Go(func() error { return l.runUntilStoppedOrDegraded(gctx) })

	err := g.Wait()
	l.stop(context.Background())
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (l *Loop) boot(ctx context.Context) error {
	l.setState(StateBoot)
	if err := l.waitCoord(ctx); err != nil {
		return err
	}
	if err := l.sessionReady(ctx); err != nil {
		return err
	}
	return l.initialize(ctx)
}

// waitCoord blocks until the coordination service is reachable.
func (l *Loop) waitCoord(ctx context.Context) error {
	l.setState(StateWaitCoord)
	for {
		if err := l.coord.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *Loop) sessionReady(ctx context.Context) error {
	sid, err := l.coord.SessionCreate(ctx, "mcm-"+l.cfg.Address, sessionTTL)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	l.mu.Lock()
	l.sessionID = sid
	l.mu.Unlock()
	l.setState(StateSessionReady)
	return nil
}

// SessionID returns the current session id, or "" if none is held. It
// satisfies the func() string shape pkg/registry and pkg/leaderlock want
// for their session callbacks.
func (l *Loop) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

func (l *Loop) initialize(ctx context.Context) error {
	l.setState(StateInitializing)

	id, err := l.ids.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("allocate server id: %w", err)
	}
	if err := l.engine.WriteClusterConfig(id); err != nil {
		return fmt.Errorf("write cluster config: %w", err)
	}
	if err := l.registry.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := l.registry.SetFields(ctx, RegistryFields{ServerID: &id}); err != nil {
		return fmt.Errorf("publish server id: %w", err)
	}

	empty, err := l.engine.DataDirEmpty()
	if err != nil {
		return fmt.Errorf("inspect data directory: %w", err)
	}

	if empty && l.snap.Exists() {
		if err := l.restore(ctx); err != nil {
			return err
		}
	} else if empty {
		if err := l.engine.InitFromScratch(ctx); err != nil {
			return fmt.Errorf("init from scratch: %w", err)
		}
		if err := l.engine.CreateOperatorAccounts(ctx); err != nil {
			return fmt.Errorf("create operator accounts: %w", err)
		}
		if err := l.engine.Stop(ctx); err != nil {
			return fmt.Errorf("stop after init: %w", err)
		}
	}

	return l.startRunning(ctx)
}

func (l *Loop) restore(ctx context.Context) error {
	l.setState(StateRestoring)
	restoring := true
	if err := l.registry.SetFields(ctx, RegistryFields{Restoring: &restoring}); err != nil {
		l.logger.Warn().Err(err).Msg("failed to publish restoring flag")
	}
	l.mu.Lock()
	l.restoring = true
	l.mu.Unlock()

	err := l.snap.Restore(ctx)

	l.mu.Lock()
	l.restoring = false
	l.mu.Unlock()
	notRestoring := false
	if ferr := l.registry.SetFields(ctx, RegistryFields{Restoring: &notRestoring}); ferr != nil {
		l.logger.Warn().Err(ferr).Msg("failed to clear restoring flag")
	}

	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func (l *Loop) startRunning(ctx context.Context) error {
	if err := l.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	ok, err := l.leader.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("try acquire leader lock: %w", err)
	}

	if ok {
		if err := l.promote(ctx); err != nil {
			return err
		}
	} else {
		if err := l.demote(ctx); err != nil {
			return err
		}
	}

	l.setState(StateRunning)
	return nil
}

// promote runs the follower→leader transition: clear follower config,
// set read-write, publish version, announce to the router.
func (l *Loop) promote(ctx context.Context) error {
	l.mu.Lock()
	l.role = RoleLeader
	l.mu.Unlock()

	if err := l.engine.ConfigureAsLeader(ctx); err != nil {
		return fmt.Errorf("promote: configure leader: %w", err)
	}
	if err := l.publishVersion(ctx); err != nil {
		return err
	}
	if err := l.router.AnnounceLeader(ctx, l.cfg.Address); err != nil {
		return fmt.Errorf("promote: announce leader to router: %w", err)
	}
	return nil
}

// demote runs the leader→follower transition (or first-boot-as-follower):
// fetch the leader's address, configure replication, set read-only.
func (l *Loop) demote(ctx context.Context) error {
	l.mu.Lock()
	l.role = RoleFollower
	l.mu.Unlock()

	leaderAddr, err := l.leader.LeaderAddress(ctx)
	if err != nil {
		return fmt.Errorf("demote: read leader address: %w", err)
	}
	if leaderAddr != "" {
		if err := l.engine.ConfigureAsFollower(ctx, leaderAddr); err != nil {
			return fmt.Errorf("demote: configure follower: %w", err)
		}
	}
	return l.publishVersion(ctx)
}

func (l *Loop) publishVersion(ctx context.Context) error {
	version, err := l.engine.Version(ctx)
	if err != nil {
		return fmt.Errorf("read engine version: %w", err)
	}
	return l.registry.SetFields(ctx, RegistryFields{EngineVersion: &version})
}

// runUntilStoppedOrDegraded drives the Running-state tick loop until ctx
// is cancelled, or until a tick or a session recovery fails, in which case
// it enters StateDegraded and returns ErrDegraded.
func (l *Loop) runUntilStoppedOrDegraded(ctx context.Context) error {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.sessionLost:
			if err := l.recoverSession(ctx); err != nil {
				l.setState(StateDegraded)
				return ErrDegraded
			}
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.setState(StateDegraded)
				return ErrDegraded
			}
		}
	}
}

// Tick runs one iteration of the Running-state loop body. It is
// idempotent and tolerant of arbitrary latency in any coordination call,
// since ticks may be delayed or repeated.
func (l *Loop) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ControlLoopTickDuration)

	if l.State() != StateRunning {
		return nil
	}

	l.mu.Lock()
	role := l.role
	l.mu.Unlock()

	if role == RoleFollower {
		addr, err := l.leader.LeaderAddress(ctx)
		if err != nil {
			return fmt.Errorf("tick: read leader address: %w", err)
		}
		if addr == "" {
			ok, err := l.leader.TryAcquire(ctx)
			if err != nil {
				return fmt.Errorf("tick: try acquire: %w", err)
			}
			if ok {
				if err := l.promote(ctx); err != nil {
					return fmt.Errorf("tick: promote: %w", err)
				}
				role = RoleLeader
			}
		}
	}

	if role == RoleLeader {
		amLeader, err := l.leader.AmLeader(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("tick: am_leader check failed")
		} else if !amLeader {
			if err := l.demote(ctx); err != nil {
				return fmt.Errorf("tick: demote: %w", err)
			}
			role = RoleFollower
		}
	}

	live, err := l.registry.ListLive(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("tick: list live nodes failed, skipping router sync")
	} else {
		leaderAddr, _ := l.leader.LeaderAddress(ctx)
		if err := l.router.Sync(ctx, live, leaderAddr); err != nil {
			l.logger.Warn().Err(err).Msg("tick: router sync failed")
		}
	}

	if role == RoleFollower {
		l.maybeSnapshot(ctx)
	}

	return nil
}

// maybeSnapshot starts a background snapshot if the current one is
// missing or stale. singleflight collapses overlapping triggers from
// successive ticks into the "only one concurrent snapshot worker per
// node" invariant.
func (l *Loop) maybeSnapshot(ctx context.Context) {
	if l.snap.Exists() && time.Since(l.snap.MTime()) < l.cfg.SnapshotInterval {
		return
	}
	l.snapshotOnce.DoChan("snapshot", func() (interface{}, error) {
		bg := context.Background()
		if err := l.snap.Create(bg, false); err != nil {
			l.logger.Error().Err(err).Msg("background snapshot failed")
		}
		return nil, nil
	})
	_ = ctx
}

// NotifySessionLost is called by the session refresher when it gives up
// renewing and drops the session, so the control loop can recover it on
// its next tick rather than polling for the loss itself.
func (l *Loop) NotifySessionLost() {
	select {
	case l.sessionLost <- struct{}{}:
	default:
	}
}

func (l *Loop) recoverSession(ctx context.Context) error {
	l.setState(StateWaitCoord)
	if err := l.waitCoord(ctx); err != nil {
		return err
	}
	if err := l.sessionReady(ctx); err != nil {
		return err
	}
	id, err := l.ids.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("recover session: reallocate id unexpectedly required: %w", err)
	}
	if err := l.registry.Register(ctx); err != nil {
		return fmt.Errorf("recover session: re-register: %w", err)
	}
	restoring := l.restoringSticky()
	if err := l.registry.SetFields(ctx, RegistryFields{ServerID: &id, Restoring: &restoring}); err != nil {
		return fmt.Errorf("recover session: republish fields: %w", err)
	}

	// A formerly-leader node must compete fresh for leadership under its
	// new session: the old session (and whatever it held) is gone, so
	// "I was leader before" carries no weight. Re-run the same
	// acquire-or-follow decision startRunning makes on first boot.
	ok, err := l.leader.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("recover session: try acquire leader lock: %w", err)
	}
	if ok {
		if err := l.promote(ctx); err != nil {
			return fmt.Errorf("recover session: promote: %w", err)
		}
	} else {
		if err := l.demote(ctx); err != nil {
			return fmt.Errorf("recover session: demote: %w", err)
		}
	}

	l.setState(StateRunning)
	return nil
}

func (l *Loop) restoringSticky() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restoring
}

func (l *Loop) stop(ctx context.Context) {
	l.setState(StateStopping)
	if err := l.router.Deregister(ctx, l.cfg.Address); err != nil {
		l.logger.Warn().Err(err).Msg("stop: router deregister failed")
	}
	if err := l.engine.Stop(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("stop: engine stop failed")
	}
	sid := l.SessionID()
	if sid != "" {
		if err := l.coord.SessionDestroy(ctx, sid); err != nil {
			l.logger.Warn().Err(err).Msg("stop: session destroy failed")
		}
	}
}
