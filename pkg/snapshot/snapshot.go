// Package snapshot manages the on-disk pending/current physical backup
// layout and drives the backup tool (an xtrabackup/mariabackup-compatible
// CLI) through its backup, prepare, and copy-back modes via os/exec.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
)

// markerFiles are the artifacts the backup tool leaves in a prepared
// directory; current/ is only considered valid if all are present.
var markerFiles = []string{"xtrabackup_checkpoints", "xtrabackup_binlog_info", "xtrabackup_logfile"}

// NodeFlags is the slice of the registry this package needs to consult the
// advisory snapshotting/restoring gate, kept as a small interface so
// snapshot doesn't import pkg/registry directly.
type NodeFlags interface {
	AnyRestoring(ctx context.Context) (bool, error)
	AnySnapshotting(ctx context.Context) (bool, error)
}

// FlagSetter lets the store flip this node's own advisory flags, kept
// separate from NodeFlags since it is a write path scoped to this node.
type FlagSetter interface {
	SetSnapshotting(ctx context.Context, v bool) error
	SetRestoring(ctx context.Context, v bool) error
}

// Config configures a Store's directory layout and credentials.
type Config struct {
	BaseDir    string // parent of pending/ and current/
	DataDir    string // mysqld data directory, target of restore
	BackupTool string // path to the xtrabackup/mariabackup-compatible binary
	User       string
	Password   string
	Socket     string // admin socket, for --host/--socket args

	// DataDirOwner is the "user:group" the restored data directory is
	// chowned to, since --copy-back writes files owned by whoever runs
	// this process rather than the DB service account. Defaults to
	// "mysql:mysql".
	DataDirOwner string

	// WaitPoll and WaitTimeout bound the "wait for pending/restoring to
	// clear" polling loop in Create/Restore.
	WaitPoll    time.Duration
	WaitTimeout time.Duration
}

// Store manages the pending/current snapshot directories for one node.
type Store struct {
	cfg    Config
	flags  NodeFlags
	setter FlagSetter
	logger zerolog.Logger
}

// New creates a Store.
func New(cfg Config, flags NodeFlags, setter FlagSetter) *Store {
	if cfg.WaitPoll == 0 {
		cfg.WaitPoll = 2 * time.Second
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.DataDirOwner == "" {
		cfg.DataDirOwner = "mysql:mysql"
	}
	return &Store{cfg: cfg, flags: flags, setter: setter, logger: log.WithComponent("snapshot")}
}

func (s *Store) pendingDir() string { return filepath.Join(s.cfg.BaseDir, "pending") }
func (s *Store) currentDir() string { return filepath.Join(s.cfg.BaseDir, "current") }

// Exists reports whether current/ holds a complete, restorable snapshot.
func (s *Store) Exists() bool {
	dir := s.currentDir()
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	for _, marker := range markerFiles {
		if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
			return false
		}
	}
	return true
}

// MTime returns the modification time of current/, or the zero time if no
// valid snapshot exists.
func (s *Store) MTime() time.Time {
	if !s.Exists() {
		return time.Time{}
	}
	info, err := os.Stat(s.currentDir())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// IsPending reports whether pending/ exists locally and some node in the
// cluster currently advertises snapshotting=true.
//
// The original code this is adapted from resets pending/ outright when no
// node advertises snapshotting=true, which can race against a node that
// sets the flag a moment later; that ambiguity is preserved here rather
// than silently resolved (see DESIGN.md).
func (s *Store) IsPending(ctx context.Context) (bool, error) {
	if _, err := os.Stat(s.pendingDir()); err != nil {
		return false, nil
	}
	anySnapshotting, err := s.flags.AnySnapshotting(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: is_pending: %w", err)
	}
	return anySnapshotting, nil
}

// ResetPending removes a stale pending/ directory left behind by a crashed
// snapshot attempt. Per the ambiguity noted on IsPending, callers should
// only do this once they've independently confirmed no node is actually
// mid-snapshot.
func (s *Store) ResetPending() error {
	if err := os.RemoveAll(s.pendingDir()); err != nil {
		return fmt.Errorf("snapshot: reset_pending: %w", err)
	}
	return nil
}

// Create runs a full backup→prepare→promote cycle. fromSource indicates
// the backup is being taken on the writer itself (skips the safe-follower
// flag); by default (false) it runs on a follower and pauses replication
// briefly for a consistent copy.
func (s *Store) Create(ctx context.Context, fromSource bool) error {
	if err := s.waitClear(ctx); err != nil {
		return fmt.Errorf("snapshot: create: %w", err)
	}

	if err := s.setter.SetSnapshotting(ctx, true); err != nil {
		return fmt.Errorf("snapshot: create: set flag: %w", err)
	}
	defer func() {
		if err := s.setter.SetSnapshotting(context.Background(), false); err != nil {
			s.logger.Error().Err(err).Msg("failed to clear snapshotting flag")
		}
	}()

	timer := metrics.NewTimer()
	err := s.create(ctx, fromSource)
	timer.ObserveDuration(metrics.SnapshotDuration)

	if err != nil {
		metrics.SnapshotAttemptsTotal.WithLabelValues("failure").Inc()
		os.RemoveAll(s.pendingDir())
		return fmt.Errorf("snapshot: create: %w", err)
	}
	metrics.SnapshotAttemptsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *Store) create(ctx context.Context, fromSource bool) error {
	if err := os.RemoveAll(s.pendingDir()); err != nil {
		return fmt.Errorf("clear stale pending dir: %w", err)
	}
	if err := os.MkdirAll(s.pendingDir(), 0o750); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}

	backupArgs := []string{
		"--backup",
		"--target-dir=" + s.pendingDir(),
		"--user=" + s.cfg.User,
		"--password=" + s.cfg.Password,
		"--socket=" + s.cfg.Socket,
	}
	if !fromSource {
		backupArgs = append(backupArgs, "--safe-slave-backup")
	}
	if err := s.run(ctx, backupArgs...); err != nil {
		return fmt.Errorf("backup phase: %w", err)
	}

	prepareArgs := []string{"--prepare", "--target-dir=" + s.pendingDir()}
	if err := s.run(ctx, prepareArgs...); err != nil {
		return fmt.Errorf("prepare phase: %w", err)
	}

	if err := os.RemoveAll(s.currentDir()); err != nil {
		return fmt.Errorf("clear stale current dir: %w", err)
	}
	if err := os.Rename(s.pendingDir(), s.currentDir()); err != nil {
		return fmt.Errorf("promote pending to current: %w", err)
	}
	return nil
}

// Restore runs a copy-back into the data directory from current/. The
// existing data directory, if non-empty, is moved aside to a
// uuid-suffixed sibling; a failed copy-back puts the sibling back in place
// and a successful one removes it.
func (s *Store) Restore(ctx context.Context) error {
	if err := s.waitPendingClear(ctx); err != nil {
		return fmt.Errorf("snapshot: restore: %w", err)
	}
	if !s.Exists() {
		return fmt.Errorf("snapshot: restore: no valid snapshot in %s", s.currentDir())
	}

	if err := s.setter.SetRestoring(ctx, true); err != nil {
		return fmt.Errorf("snapshot: restore: set flag: %w", err)
	}
	defer func() {
		if err := s.setter.SetRestoring(context.Background(), false); err != nil {
			s.logger.Error().Err(err).Msg("failed to clear restoring flag")
		}
	}()

	timer := metrics.NewTimer()
	err := s.restore(ctx)
	timer.ObserveDuration(metrics.RestoreDuration)

	if err != nil {
		metrics.RestoreAttemptsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("snapshot: restore: %w", err)
	}
	metrics.RestoreAttemptsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *Store) restore(ctx context.Context) error {
	var sibling string
	if entries, err := os.ReadDir(s.cfg.DataDir); err == nil && len(entries) > 0 {
		sibling = s.cfg.DataDir + ".bak-" + uuid.NewString()
		if err := os.Rename(s.cfg.DataDir, sibling); err != nil {
			return fmt.Errorf("move aside existing data dir: %w", err)
		}
		s.logger.Warn().Str("sibling", sibling).Msg("moved non-empty data directory aside before restore")
	}

	if err := s.copyBack(ctx); err != nil {
		if sibling != "" {
			if rbErr := s.rollbackSibling(sibling); rbErr != nil {
				s.logger.Error().Err(rbErr).Msg("failed to roll back sibling data directory after failed restore")
			}
		}
		return err
	}

	if sibling != "" {
		if err := os.RemoveAll(sibling); err != nil {
			s.logger.Error().Err(err).Str("sibling", sibling).Msg("failed to remove moved-aside data directory after successful restore")
		}
	}
	return nil
}

// copyBack runs the copy-back phase and chowns the result to the DB
// service account, leaving the data directory in the state mysqld expects
// to start from.
func (s *Store) copyBack(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("recreate data dir: %w", err)
	}

	args := []string{
		"--copy-back",
		"--target-dir=" + s.currentDir(),
		"--datadir=" + s.cfg.DataDir,
	}
	if err := s.run(ctx, args...); err != nil {
		return fmt.Errorf("copy-back phase: %w", err)
	}

	chown := exec.CommandContext(ctx, "chown", "-R", s.cfg.DataDirOwner, s.cfg.DataDir)
	var stderr bytes.Buffer
	chown.Stderr = &stderr
	if err := chown.Run(); err != nil {
		return fmt.Errorf("chown restored data dir to %s: %w: %s", s.cfg.DataDirOwner, err, stderr.String())
	}
	return nil
}

// rollbackSibling restores a failed restore's original data directory: the
// partially-overwritten datadir is discarded and the moved-aside sibling is
// put back in its place.
func (s *Store) rollbackSibling(sibling string) error {
	if err := os.RemoveAll(s.cfg.DataDir); err != nil {
		return fmt.Errorf("remove partially restored data dir: %w", err)
	}
	if err := os.Rename(sibling, s.cfg.DataDir); err != nil {
		return fmt.Errorf("move sibling back to data dir: %w", err)
	}
	return nil
}

func (s *Store) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, s.cfg.BackupTool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", s.cfg.BackupTool, args, err, stderr.String())
	}
	return nil
}

// waitClear blocks (bounded) until no pending snapshot and no node is
// restoring, per the "snapshot create does not start while any node has
// restoring=true or while any node has snapshotting=true" invariant.
func (s *Store) waitClear(ctx context.Context) error {
	return s.waitFor(ctx, func() (bool, error) {
		pending, err := s.IsPending(ctx)
		if err != nil {
			return false, err
		}
		if pending {
			return false, nil
		}
		snapshotting, err := s.flags.AnySnapshotting(ctx)
		if err != nil {
			return false, err
		}
		if snapshotting {
			return false, nil
		}
		restoring, err := s.flags.AnyRestoring(ctx)
		if err != nil {
			return false, err
		}
		return !restoring, nil
	})
}

// waitPendingClear blocks (bounded) until any pending snapshot clears,
// per restore's narrower precondition.
func (s *Store) waitPendingClear(ctx context.Context) error {
	return s.waitFor(ctx, func() (bool, error) {
		pending, err := s.IsPending(ctx)
		return !pending, err
	})
}

func (s *Store) waitFor(ctx context.Context, ready func() (bool, error)) error {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	for {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for advisory flags to clear")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.WaitPoll):
		}
	}
}
