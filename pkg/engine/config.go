package engine

import (
	"fmt"
	"strings"
)

// Config describes the mysqld/mariadbd subprocess this node supervises
// and the accounts used to administer it.
type Config struct {
	BinaryPath string // path to mysqld/mariadbd
	DataDir    string
	SocketPath string
	ConfigPath string // rendered cluster-scoped config fragment, included by the engine's main config

	AppUser, AppPass   string
	BackupUser, BackupPass string
	ReplUser, ReplPass string
	RootPass           string
	DBName             string // optional initial database
}

// clusterConfig is the generator's source of truth for the cluster-scoped
// settings, written alongside ConfigPath as YAML (mirroring this repo's
// existing generated-config idiom) and separately rendered to the
// ini-style fragment at ConfigPath that mysqld actually reads via
// --defaults-extra-file.
type clusterConfig struct {
	ServerID                   int  `yaml:"server_id"`
	GTIDMode                   bool `yaml:"gtid_mode"`
	EnforceGTIDConsistency     bool `yaml:"enforce_gtid_consistency"`
	LogBin                     bool `yaml:"log_bin"`
}

// renderINI renders the [mysqld] fragment mysqld reads via
// --defaults-extra-file.
func (c clusterConfig) renderINI() string {
	onOff := func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	}

	var b strings.Builder
	fmt.Fprintln(&b, "[mysqld]")
	fmt.Fprintf(&b, "server_id=%d\n", c.ServerID)
	fmt.Fprintf(&b, "gtid_mode=%s\n", onOff(c.GTIDMode))
	fmt.Fprintf(&b, "enforce_gtid_consistency=%s\n", onOff(c.EnforceGTIDConsistency))
	if c.LogBin {
		fmt.Fprintln(&b, "log_bin=mysql-bin")
	}
	return b.String()
}
