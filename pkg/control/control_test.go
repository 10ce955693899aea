package control_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcm/pkg/control"
	"github.com/cuemby/mcm/pkg/model"
)

// fakeCoord is a minimal control.Coord stub.
type fakeCoord struct {
	mu        sync.Mutex
	reachable bool
	sessions  int
}

func (c *fakeCoord) Ping(context.Context) error {
	if !c.reachable {
		return assert.AnError
	}
	return nil
}
func (c *fakeCoord) SessionCreate(context.Context, string, time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions++
	return "sess-1", nil
}
func (c *fakeCoord) SessionRenew(context.Context, string) error  { return nil }
func (c *fakeCoord) SessionDestroy(context.Context, string) error { return nil }

type fakeRegistry struct {
	mu       sync.Mutex
	fields   control.RegistryFields
	live     []model.NodeRecord
	restoring, snapshotting bool
}

func (r *fakeRegistry) Register(context.Context) error { return nil }
func (r *fakeRegistry) SetFields(_ context.Context, f control.RegistryFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = f
	return nil
}
func (r *fakeRegistry) ListLive(context.Context) ([]model.NodeRecord, error) { return r.live, nil }
func (r *fakeRegistry) AnyRestoring(context.Context) (bool, error)           { return r.restoring, nil }
func (r *fakeRegistry) AnySnapshotting(context.Context) (bool, error)        { return r.snapshotting, nil }
func (r *fakeRegistry) Deregister(context.Context) error                    { return nil }

type fakeLeader struct {
	mu        sync.Mutex
	acquired  bool
	leaderAddr string
}

func (l *fakeLeader) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leaderAddr == "" {
		l.acquired = true
		l.leaderAddr = "self"
	}
	return l.acquired, nil
}
func (l *fakeLeader) AmLeader(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, nil
}
func (l *fakeLeader) LeaderAddress(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaderAddr, nil
}
func (l *fakeLeader) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = false
	l.leaderAddr = ""
	return nil
}

type fakeIDs struct{}

func (fakeIDs) Allocate(context.Context) (int, error) { return 1, nil }

type fakeSnapshot struct {
	mu     sync.Mutex
	exists bool
	mtime  time.Time
}

func (s *fakeSnapshot) Exists() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.exists }
func (s *fakeSnapshot) MTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtime
}
func (s *fakeSnapshot) Create(context.Context, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = true
	s.mtime = time.Now()
	return nil
}
func (s *fakeSnapshot) Restore(context.Context) error { return nil }

type fakeEngine struct {
	mu              sync.Mutex
	dataDirEmpty    bool
	started         bool
	asLeaderCalls   int
	asFollowerCalls int
	followerAddr    string
}

func (e *fakeEngine) DataDirEmpty() (bool, error)                  { return e.dataDirEmpty, nil }
func (e *fakeEngine) WriteClusterConfig(int) error                 { return nil }
func (e *fakeEngine) InitFromScratch(context.Context) error        { return nil }
func (e *fakeEngine) CreateOperatorAccounts(context.Context) error { return nil }
func (e *fakeEngine) Start(context.Context) error                  { e.mu.Lock(); defer e.mu.Unlock(); e.started = true; return nil }
func (e *fakeEngine) Stop(context.Context) error                   { e.mu.Lock(); defer e.mu.Unlock(); e.started = false; return nil }
func (e *fakeEngine) ConfigureAsLeader(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.asLeaderCalls++
	return nil
}
func (e *fakeEngine) ConfigureAsFollower(_ context.Context, addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.asFollowerCalls++
	e.followerAddr = addr
	return nil
}
func (e *fakeEngine) Version(context.Context) (string, error) { return "8.0.99", nil }

type fakeRouter struct {
	mu            sync.Mutex
	announced     string
	syncs         int
	deregistered  string
}

func (r *fakeRouter) AnnounceLeader(_ context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = addr
	return nil
}
func (r *fakeRouter) Sync(context.Context, []model.NodeRecord, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
	return nil
}
func (r *fakeRouter) Deregister(_ context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = addr
	return nil
}

func TestFirstNodeBecomesLeader(t *testing.T) {
	coord := &fakeCoord{reachable: true}
	registry := &fakeRegistry{}
	leader := &fakeLeader{}
	engine := &fakeEngine{dataDirEmpty: true}
	router := &fakeRouter{}
	snap := &fakeSnapshot{}

	loop := control.New(control.Config{Address: "node-a:4000"}, coord, registry, leader, fakeIDs{}, snap, engine, router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == control.StateRunning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "node-a:4000", router.announced)
	assert.Equal(t, 1, engine.asLeaderCalls)
	assert.True(t, engine.started)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "node-a:4000", router.deregistered)
}

func TestSecondNodeBecomesFollower(t *testing.T) {
	coord := &fakeCoord{reachable: true}
	registry := &fakeRegistry{}
	leader := &fakeLeader{leaderAddr: "node-a:4000"}
	engine := &fakeEngine{dataDirEmpty: true}
	router := &fakeRouter{}
	snap := &fakeSnapshot{}

	loop := control.New(control.Config{Address: "node-b:4000"}, coord, registry, leader, fakeIDs{}, snap, engine, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	require.Eventually(t, func() bool { return loop.State() == control.StateRunning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, engine.asFollowerCalls)
	assert.Equal(t, "node-a:4000", engine.followerAddr)
}

func TestInitializingRestoresWhenSnapshotObservable(t *testing.T) {
	coord := &fakeCoord{reachable: true}
	registry := &fakeRegistry{}
	leader := &fakeLeader{}
	engine := &fakeEngine{dataDirEmpty: true}
	router := &fakeRouter{}
	snap := &fakeSnapshot{exists: true, mtime: time.Now()}

	loop := control.New(control.Config{Address: "node-a:4000"}, coord, registry, leader, fakeIDs{}, snap, engine, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	require.Eventually(t, func() bool { return loop.State() == control.StateRunning }, time.Second, 5*time.Millisecond)
}

func TestTickPromotesFollowerWhenLeaderRecordAbsent(t *testing.T) {
	coord := &fakeCoord{reachable: true}
	registry := &fakeRegistry{}
	leader := &fakeLeader{leaderAddr: "node-b:4000"} // another node leads at boot
	engine := &fakeEngine{dataDirEmpty: true}
	router := &fakeRouter{}
	snap := &fakeSnapshot{}

	loop := control.New(control.Config{Address: "node-a:4000"}, coord, registry, leader, fakeIDs{}, snap, engine, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	require.Eventually(t, func() bool { return loop.State() == control.StateRunning }, time.Second, 5*time.Millisecond)
	// The leader record disappears; the next tick finds it absent and acquires.
	require.NoError(t, leader.Release(context.Background()))
	require.NoError(t, loop.Tick(context.Background()))
	assert.Equal(t, 1, engine.asLeaderCalls)
	amLeader, err := leader.AmLeader(context.Background())
	require.NoError(t, err)
	assert.True(t, amLeader)
}
