package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mcm/pkg/addr"
	"github.com/cuemby/mcm/pkg/config"
	"github.com/cuemby/mcm/pkg/control"
	"github.com/cuemby/mcm/pkg/coord"
	"github.com/cuemby/mcm/pkg/engine"
	"github.com/cuemby/mcm/pkg/health"
	"github.com/cuemby/mcm/pkg/idalloc"
	"github.com/cuemby/mcm/pkg/leaderlock"
	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
	"github.com/cuemby/mcm/pkg/registry"
	"github.com/cuemby/mcm/pkg/router"
	"github.com/cuemby/mcm/pkg/snapshot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node's long-running control loop",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().String("data-dir", "/var/lib/mcm/data", "mysqld data directory")
	runCmd.Flags().String("snapshot-dir", "/var/lib/mcm/snapshots", "snapshot pending/current parent directory")
	runCmd.Flags().String("mysqld-path", "/usr/sbin/mysqld", "path to mysqld/mariadbd binary")
	runCmd.Flags().String("backup-tool", "/usr/bin/xtrabackup", "path to the xtrabackup/mariabackup-compatible binary")
	runCmd.Flags().String("socket", "/var/run/mysqld/mysqld.sock", "mysqld admin socket path")
	runCmd.Flags().String("engine-config", "/var/lib/mcm/mcm-cluster.cnf", "generated cluster-scoped config fragment path")
	runCmd.Flags().String("router-admin-dsn", "admin:admin@tcp(127.0.0.1:6032)/", "ProxySQL-compatible admin DSN")
	runCmd.Flags().Int("router-backend-port", 3306, "engine port registered with the router")
	runCmd.Flags().String("metrics-addr", "", "if set, serve /metrics on this address")
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("mcmd")
	metrics.SetVersion(Version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	resolver := addr.New(cfg.ServiceName)
	self, err := resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("run: resolve address: %w", err)
	}
	logger = log.WithNodeID(self)
	logger.Info().Str("address", self).Msg("resolved node address")

	coordClient, err := coord.New(coord.Config{Address: cfg.CoordAddress, Prefix: cfg.CoordPrefix})
	if err != nil {
		return fmt.Errorf("run: coord client: %w", err)
	}

	var loop *control.Loop
	sessionFn := func() string { return loop.SessionID() }

	dataDir, _ := cmd.Flags().GetString("data-dir")
	snapDir, _ := cmd.Flags().GetString("snapshot-dir")
	mysqldPath, _ := cmd.Flags().GetString("mysqld-path")
	backupTool, _ := cmd.Flags().GetString("backup-tool")
	socketPath, _ := cmd.Flags().GetString("socket")
	engineConfigPath, _ := cmd.Flags().GetString("engine-config")
	routerDSN, _ := cmd.Flags().GetString("router-admin-dsn")
	routerPort, _ := cmd.Flags().GetInt("router-backend-port")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	reg := registry.New(coordClient, coordClient.Key("instances/"), self, sessionFn)
	lock := leaderlock.New(coordClient, coordClient.Key("replication_leader"), self, sessionFn)
	ids := idalloc.New(coordClient, coordClient.Key("server_id"))

	eng := engine.New(engine.Config{
		BinaryPath: mysqldPath,
		DataDir:    dataDir,
		SocketPath: socketPath,
		ConfigPath: engineConfigPath,
		AppUser:    cfg.DBAppUser, AppPass: cfg.DBAppPass,
		BackupUser: cfg.DBBackupUser, BackupPass: cfg.DBBackupPass,
		ReplUser: cfg.DBReplUser, ReplPass: cfg.DBReplPass,
		RootPass: cfg.DBRootPass,
		DBName:   cfg.DBName,
	})

	snapStore := snapshot.New(snapshot.Config{
		BaseDir:    snapDir,
		DataDir:    dataDir,
		BackupTool: backupTool,
		User:       cfg.DBBackupUser,
		Password:   cfg.DBBackupPass,
		Socket:     socketPath,
	}, reg, controlFlagSetter{reg})

	routerBridge := router.New(router.Config{AdminDSN: routerDSN, Port: routerPort})

	loop = control.New(control.Config{Address: self, SnapshotInterval: cfg.SnapshotInterval},
		coordClient, reg, lock, ids, snapStore, eng, routerBridge)

	collector := metrics.NewCollector(reg, lock)
	collector.Start(ctx)
	defer collector.Stop()

	coordHost := strings.Split(cfg.CoordAddress, ",")[0]
	checkers := map[string]health.Checker{
		"coord":  health.NewTCPChecker(coordHost),
		"engine": health.NewExecChecker([]string{"mysqladmin", "--socket=" + socketPath, "ping"}),
	}
	go runHealthProbes(ctx, checkers)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	return loop.Run(ctx)
}

// runHealthProbes periodically runs each checker and mirrors its result into
// the process-wide health registry backing /health, /ready and /live.
func runHealthProbes(ctx context.Context, checkers map[string]health.Checker) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	probe := func() {
		for name, checker := range checkers {
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			result := checker.Check(checkCtx)
			cancel()
			metrics.UpdateComponent(name, result.Healthy, result.Message)
		}
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// controlFlagSetter adapts pkg/registry.Registry to pkg/snapshot.FlagSetter.
type controlFlagSetter struct {
	reg *registry.Registry
}

func (s controlFlagSetter) SetSnapshotting(ctx context.Context, v bool) error {
	return s.reg.SetFields(ctx, registry.Fields{Snapshotting: &v})
}

func (s controlFlagSetter) SetRestoring(ctx context.Context, v bool) error {
	return s.reg.SetFields(ctx, registry.Fields{Restoring: &v})
}
