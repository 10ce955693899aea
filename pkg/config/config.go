// Package config loads node configuration from the environment, with
// every MCM_X variable also readable from a file when MCM_X_FILE is set
// (the Docker/Swarm-style secret-injection idiom) — the file wins only
// when the variable itself is unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting a node needs.
type Config struct {
	ServiceName       string
	ExpectedNodeCount int
	EnableUI          bool

	DBAppUser, DBAppPass       string
	DBBackupUser, DBBackupPass string
	DBReplUser, DBReplPass     string
	DBRootPass                 string
	DBName                      string

	SnapshotInterval time.Duration

	TLSCAFile, TLSCertFile, TLSKeyFile string
	TLSRequired                         bool

	InterfaceName string

	CoordAddress string
	CoordPrefix  string
}

// Load reads Config from the environment, validating required fields and
// returning a single aggregated error rather than failing on the first
// missing variable.
func Load() (Config, error) {
	var cfg Config
	var missing []string

	str := func(name string, required bool, def string) string {
		v := get(name)
		if v == "" {
			if required {
				missing = append(missing, name)
			}
			return def
		}
		return v
	}

	cfg.ServiceName = str("MCM_SERVICE_NAME", false, "tasks.mcm")
	cfg.CoordAddress = str("MCM_COORD_ADDRESS", true, "")
	cfg.CoordPrefix = str("MCM_COORD_PREFIX", false, "mcm/")

	cfg.DBAppUser = str("MCM_DB_APP_USER", true, "")
	cfg.DBAppPass = str("MCM_DB_APP_PASS", true, "")
	cfg.DBBackupUser = str("MCM_DB_BACKUP_USER", true, "")
	cfg.DBBackupPass = str("MCM_DB_BACKUP_PASS", true, "")
	cfg.DBReplUser = str("MCM_DB_REPL_USER", true, "")
	cfg.DBReplPass = str("MCM_DB_REPL_PASS", true, "")
	cfg.DBRootPass = str("MCM_DB_ROOT_PASS", true, "")
	cfg.DBName = str("MCM_DB_NAME", false, "")

	cfg.TLSCAFile = str("MCM_TLS_CA_FILE", false, "")
	cfg.TLSCertFile = str("MCM_TLS_CERT_FILE", false, "")
	cfg.TLSKeyFile = str("MCM_TLS_KEY_FILE", false, "")
	cfg.InterfaceName = str("MCM_INTERFACE_NAME", false, "")

	if v := get("MCM_EXPECTED_NODE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			missing = append(missing, "MCM_EXPECTED_NODE_COUNT (invalid integer)")
		} else {
			cfg.ExpectedNodeCount = n
		}
	}

	if v := get("MCM_ENABLE_UI"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			missing = append(missing, "MCM_ENABLE_UI (invalid bool)")
		} else {
			cfg.EnableUI = b
		}
	}

	if v := get("MCM_TLS_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			missing = append(missing, "MCM_TLS_REQUIRED (invalid bool)")
		} else {
			cfg.TLSRequired = b
		}
	}

	intervalMin := 15
	if v := get("MCM_SNAPSHOT_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			missing = append(missing, "MCM_SNAPSHOT_INTERVAL_MINUTES (invalid integer)")
		} else {
			intervalMin = n
		}
	}
	cfg.SnapshotInterval = time.Duration(intervalMin) * time.Minute
	if cfg.SnapshotInterval < time.Minute {
		cfg.SnapshotInterval = time.Minute
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing or invalid required settings: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// get reads an environment variable, falling back to the trimmed contents
// of the file named by <name>_FILE when name itself is unset.
func get(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
