package control

import (
	"context"
	"time"

	"github.com/cuemby/mcm/pkg/model"
)

// Coord is the slice of *pkg/coord.Client the control loop needs directly,
// for reachability and session lifecycle; everything keyspace-shaped goes
// through Registry,
// Leader, and IDs instead.
type Coord interface {
	Ping(ctx context.Context) error
	SessionCreate(ctx context.Context, name string, ttl time.Duration) (string, error)
	SessionRenew(ctx context.Context, id string) error
	SessionDestroy(ctx context.Context, id string) error
}

// Registry is the slice of *pkg/registry.Registry the loop depends on.
type Registry interface {
	Register(ctx context.Context) error
	SetFields(ctx context.Context, f RegistryFields) error
	ListLive(ctx context.Context) ([]model.NodeRecord, error)
	AnyRestoring(ctx context.Context) (bool, error)
	AnySnapshotting(ctx context.Context) (bool, error)
	Deregister(ctx context.Context) error
}

// RegistryFields mirrors pkg/registry.Fields; duplicated here so this
// package does not need to import pkg/registry just for the struct shape,
// keeping the dependency direction leaf-ward.
type RegistryFields struct {
	ServerID      *int
	EngineVersion *string
	Snapshotting  *bool
	Restoring     *bool
}

// Leader is the slice of *pkg/leaderlock.Lock the loop depends on.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	AmLeader(ctx context.Context) (bool, error)
	LeaderAddress(ctx context.Context) (string, error)
	Release(ctx context.Context) error
}

// IDAllocator is the slice of *pkg/idalloc.Allocator the loop depends on.
type IDAllocator interface {
	Allocate(ctx context.Context) (int, error)
}

// SnapshotStore is the slice of *pkg/snapshot.Store the loop depends on.
type SnapshotStore interface {
	Exists() bool
	MTime() time.Time
	Create(ctx context.Context, fromSource bool) error
	Restore(ctx context.Context) error
}

// Engine supervises the mysqld subprocess and its admin-socket operations.
type Engine interface {
	DataDirEmpty() (bool, error)
	WriteClusterConfig(serverID int) error
	InitFromScratch(ctx context.Context) error
	CreateOperatorAccounts(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ConfigureAsLeader(ctx context.Context) error
	ConfigureAsFollower(ctx context.Context, leaderAddr string) error
	Version(ctx context.Context) (string, error)
}

// Router maintains the query router's backend/writer/reader groups.
type Router interface {
	AnnounceLeader(ctx context.Context, addr string) error
	Sync(ctx context.Context, live []model.NodeRecord, leaderAddr string) error
	Deregister(ctx context.Context, addr string) error
}
