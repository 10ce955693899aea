// Package engine supervises the mysqld/mariadbd subprocess this node runs
// and performs administrative operations against it over its local admin
// socket via database/sql and the MySQL driver.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/mcm/pkg/log"
)

// shutdownGrace bounds how long Stop waits for a clean SQL shutdown
// before force-killing the subprocess.
const shutdownGrace = 30 * time.Second

// Engine supervises one mysqld subprocess.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	cmd *exec.Cmd
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, logger: log.WithComponent("engine")}
}

// DataDirEmpty reports whether the data directory is missing or has no
// entries at all, i.e. this looks like a never-initialized node.
func (e *Engine) DataDirEmpty() (bool, error) {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("engine: data_dir_empty: %w", err)
	}
	return len(entries) == 0, nil
}

// WriteClusterConfig renders the cluster-scoped config fragment (server
// id, GTID replication identity mode, replication-consistency
// enforcement): the source-of-truth struct as YAML alongside ConfigPath,
// and the ini-style fragment mysqld reads via --defaults-extra-file at
// ConfigPath itself.
func (e *Engine) WriteClusterConfig(serverID int) error {
	cc := clusterConfig{ServerID: serverID, GTIDMode: true, EnforceGTIDConsistency: true, LogBin: true}

	if err := os.MkdirAll(filepath.Dir(e.cfg.ConfigPath), 0o750); err != nil {
		return fmt.Errorf("engine: write_cluster_config: mkdir: %w", err)
	}

	yamlData, err := yaml.Marshal(cc)
	if err != nil {
		return fmt.Errorf("engine: write_cluster_config: marshal: %w", err)
	}
	if err := os.WriteFile(e.cfg.ConfigPath+".yaml", yamlData, 0o640); err != nil {
		return fmt.Errorf("engine: write_cluster_config: write source: %w", err)
	}

	if err := os.WriteFile(e.cfg.ConfigPath, []byte(cc.renderINI()), 0o640); err != nil {
		return fmt.Errorf("engine: write_cluster_config: write ini: %w", err)
	}
	return nil
}

// InitFromScratch runs the engine's bootstrap/initialize-insecure mode
// against an empty data directory.
func (e *Engine) InitFromScratch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath,
		"--initialize-insecure",
		"--datadir="+e.cfg.DataDir,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("engine: init_from_scratch: %w: %s", err, out)
	}
	return nil
}

// CreateOperatorAccounts starts the engine transiently, connects as root
// with the empty password an insecure initialize leaves, and creates the
// application, backup, replication, and admin accounts configured for
// this node, setting the configured root password last.
func (e *Engine) CreateOperatorAccounts(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("engine: create_operator_accounts: start: %w", err)
	}
	defer e.Stop(ctx) //nolint:errcheck

	bootstrap := mysql.NewConfig()
	bootstrap.User = "root"
	bootstrap.Net = "unix"
	bootstrap.Addr = e.cfg.SocketPath
	db, err := sql.Open("mysql", bootstrap.FormatDSN())
	if err != nil {
		return fmt.Errorf("engine: create_operator_accounts: %w", err)
	}
	defer db.Close()

	stmts := []string{
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'%%' IDENTIFIED BY '%s'", quoteIdent(e.cfg.AppUser), e.cfg.AppPass),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON *.* TO %s@'%%'", quoteIdent(e.cfg.AppUser)),
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'%%' IDENTIFIED BY '%s'", quoteIdent(e.cfg.BackupUser), e.cfg.BackupPass),
		fmt.Sprintf("GRANT RELOAD, LOCK TABLES, PROCESS, REPLICATION CLIENT ON *.* TO %s@'%%'", quoteIdent(e.cfg.BackupUser)),
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'%%' IDENTIFIED BY '%s'", quoteIdent(e.cfg.ReplUser), e.cfg.ReplPass),
		fmt.Sprintf("GRANT REPLICATION SLAVE ON *.* TO %s@'%%'", quoteIdent(e.cfg.ReplUser)),
		fmt.Sprintf("ALTER USER 'root'@'localhost' IDENTIFIED BY '%s'", e.cfg.RootPass),
	}
	if e.cfg.DBName != "" {
		stmts = append([]string{fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(e.cfg.DBName))}, stmts...)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("engine: create_operator_accounts: %q: %w", stmt, err)
		}
	}
	return nil
}

// Start launches the mysqld subprocess pointed at ConfigPath and DataDir.
func (e *Engine) Start(ctx context.Context) error {
	if e.cmd != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath,
		"--defaults-extra-file="+e.cfg.ConfigPath,
		"--datadir="+e.cfg.DataDir,
		"--socket="+e.cfg.SocketPath,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}
	e.cmd = cmd
	e.logger.Info().Int("pid", cmd.Process.Pid).Msg("engine started")
	return e.waitForSocket(ctx)
}

func (e *Engine) waitForSocket(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, err := os.Stat(e.cfg.SocketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine: timed out waiting for admin socket %s", e.cfg.SocketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Stop shuts the engine down, a clean SQL SHUTDOWN first, a KILL signal
// fallback if it doesn't exit within shutdownGrace.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cmd == nil {
		return nil
	}

	if db, err := e.adminDB(); err == nil {
		_, _ = db.ExecContext(ctx, "SHUTDOWN")
		db.Close()
	}

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.logger.Warn().Msg("engine did not shut down cleanly, killing")
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		<-done
	}
	e.cmd = nil
	return nil
}

// ConfigureAsLeader clears any follower replication configuration and
// sets the engine read-write.
func (e *Engine) ConfigureAsLeader(ctx context.Context) error {
	db, err := e.adminDB()
	if err != nil {
		return fmt.Errorf("engine: configure_as_leader: %w", err)
	}
	defer db.Close()

	stmts := []string{
		"STOP REPLICA",
		"RESET REPLICA ALL",
		"SET GLOBAL read_only = OFF",
		"SET GLOBAL super_read_only = OFF",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			e.logger.Debug().Str("stmt", stmt).Err(err).Msg("configure_as_leader: non-fatal statement error")
		}
	}
	return nil
}

// ConfigureAsFollower points replication at leaderAddr with
// auto-positioning (GTID) enabled and sets the engine read-only.
func (e *Engine) ConfigureAsFollower(ctx context.Context, leaderAddr string) error {
	db, err := e.adminDB()
	if err != nil {
		return fmt.Errorf("engine: configure_as_follower: %w", err)
	}
	defer db.Close()

	host, port := splitHostPort(leaderAddr)
	stmts := []string{
		"SET GLOBAL read_only = ON",
		"SET GLOBAL super_read_only = ON",
		"STOP REPLICA",
		fmt.Sprintf("CHANGE REPLICATION SOURCE TO SOURCE_HOST='%s', SOURCE_PORT=%s, SOURCE_USER='%s', SOURCE_PASSWORD='%s', SOURCE_AUTO_POSITION=1",
			host, port, e.cfg.ReplUser, e.cfg.ReplPass),
		"START REPLICA",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("engine: configure_as_follower: %w", err)
		}
	}
	return nil
}

// Version returns the engine's reported version string.
func (e *Engine) Version(ctx context.Context) (string, error) {
	db, err := e.adminDB()
	if err != nil {
		return "", fmt.Errorf("engine: version: %w", err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("engine: version: %w", err)
	}
	return version, nil
}

func (e *Engine) adminDB() (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Passwd = e.cfg.RootPass
	cfg.Net = "unix"
	cfg.Addr = e.cfg.SocketPath
	return sql.Open("mysql", cfg.FormatDSN())
}

func quoteIdent(user string) string {
	return "'" + user + "'"
}

func splitHostPort(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, "3306"
}
