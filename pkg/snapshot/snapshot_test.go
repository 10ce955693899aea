package snapshot_test

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcm/pkg/snapshot"
)

// currentOwner returns "uid:gid" for the test process, so restore's chown
// step is a no-op permission-wise instead of requiring the real mysql
// user/group or root.
func currentOwner(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", u.Uid, u.Gid)
}

// fakeFlags is a stub NodeFlags/FlagSetter pair for testing Store without a
// coordination service.
type fakeFlags struct {
	restoring    atomic.Bool
	snapshotting atomic.Bool
}

func (f *fakeFlags) AnyRestoring(context.Context) (bool, error)    { return f.restoring.Load(), nil }
func (f *fakeFlags) AnySnapshotting(context.Context) (bool, error) { return f.snapshotting.Load(), nil }
func (f *fakeFlags) SetRestoring(_ context.Context, v bool) error  { f.restoring.Store(v); return nil }
func (f *fakeFlags) SetSnapshotting(_ context.Context, v bool) error {
	f.snapshotting.Store(v)
	return nil
}

// writeStubBackupTool writes a shell script that emulates the three
// xtrabackup-compatible modes this package drives, so tests run without a
// real xtrabackup binary.
func writeStubBackupTool(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xtrabackup-stub.sh")
	script := `#!/bin/sh
set -e
target=""
mode=""
datadir=""
for arg in "$@"; do
  case "$arg" in
    --backup) mode="backup" ;;
    --prepare) mode="prepare" ;;
    --copy-back) mode="copy-back" ;;
    --target-dir=*) target="${arg#--target-dir=}" ;;
    --datadir=*) datadir="${arg#--datadir=}" ;;
  esac
done
case "$mode" in
  backup)
    mkdir -p "$target"
    touch "$target/xtrabackup.log"
    ;;
  prepare)
    touch "$target/xtrabackup_checkpoints"
    touch "$target/xtrabackup_binlog_info"
    touch "$target/xtrabackup_logfile"
    ;;
  copy-back)
    mkdir -p "$datadir"
    cp -r "$target"/. "$datadir"/ 2>/dev/null || true
    ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newStore(t *testing.T, flags *fakeFlags) (*snapshot.Store, string) {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(t.TempDir(), "data")
	cfg := snapshot.Config{
		BaseDir:      base,
		DataDir:      dataDir,
		BackupTool:   writeStubBackupTool(t),
		User:         "backup",
		Password:     "secret",
		Socket:       "/tmp/mysqld.sock",
		DataDirOwner: currentOwner(t),
		WaitPoll:     10 * time.Millisecond,
		WaitTimeout:  200 * time.Millisecond,
	}
	return snapshot.New(cfg, flags, flags), base
}

func TestExistsFalseWithNoSnapshot(t *testing.T) {
	flags := &fakeFlags{}
	store, _ := newStore(t, flags)
	assert.False(t, store.Exists())
}

func TestCreatePromotesPendingToCurrent(t *testing.T) {
	flags := &fakeFlags{}
	store, base := newStore(t, flags)

	require.NoError(t, store.Create(context.Background(), false))

	assert.True(t, store.Exists())
	assert.NoDirExists(t, filepath.Join(base, "pending"))
	assert.False(t, flags.snapshotting.Load())
}

func TestCreateFailsWhileAnotherNodeRestoring(t *testing.T) {
	flags := &fakeFlags{}
	flags.restoring.Store(true)
	store, _ := newStore(t, flags)

	err := store.Create(context.Background(), false)
	assert.Error(t, err)
	assert.False(t, store.Exists())
}

func TestRestoreRequiresValidSnapshot(t *testing.T) {
	flags := &fakeFlags{}
	store, _ := newStore(t, flags)

	err := store.Restore(context.Background())
	assert.Error(t, err)
}

func TestRestoreAfterCreateSucceeds(t *testing.T) {
	flags := &fakeFlags{}
	store, _ := newStore(t, flags)

	require.NoError(t, store.Create(context.Background(), true))
	require.NoError(t, store.Restore(context.Background()))
	assert.False(t, flags.restoring.Load())
}

func TestResetPendingRemovesDirectory(t *testing.T) {
	flags := &fakeFlags{}
	store, base := newStore(t, flags)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "pending"), 0o750))
	require.NoError(t, store.ResetPending())
	assert.NoDirExists(t, filepath.Join(base, "pending"))
}

func TestIsPendingRequiresDirAndClusterFlag(t *testing.T) {
	flags := &fakeFlags{}
	store, base := newStore(t, flags)

	pending, err := store.IsPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "pending"), 0o750))
	pending, err = store.IsPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending, "dir present but no node advertises snapshotting")

	flags.snapshotting.Store(true)
	pending, err = store.IsPending(context.Background())
	require.NoError(t, err)
	assert.True(t, pending)
}
