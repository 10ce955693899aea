package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MCM_SERVICE_NAME", "MCM_COORD_ADDRESS", "MCM_COORD_PREFIX",
		"MCM_DB_APP_USER", "MCM_DB_APP_USER_FILE", "MCM_DB_APP_PASS",
		"MCM_DB_BACKUP_USER", "MCM_DB_BACKUP_PASS", "MCM_DB_REPL_USER",
		"MCM_DB_REPL_PASS", "MCM_DB_ROOT_PASS", "MCM_DB_NAME",
		"MCM_SNAPSHOT_INTERVAL_MINUTES", "MCM_ENABLE_UI", "MCM_TLS_REQUIRED",
		"MCM_EXPECTED_NODE_COUNT",
	} {
		os.Unsetenv(name)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	os.Setenv("MCM_COORD_ADDRESS", "127.0.0.1:8500")
	os.Setenv("MCM_DB_APP_USER", "app")
	os.Setenv("MCM_DB_APP_PASS", "app-pass")
	os.Setenv("MCM_DB_BACKUP_USER", "backup")
	os.Setenv("MCM_DB_BACKUP_PASS", "backup-pass")
	os.Setenv("MCM_DB_REPL_USER", "repl")
	os.Setenv("MCM_DB_REPL_PASS", "repl-pass")
	os.Setenv("MCM_DB_ROOT_PASS", "root-pass")
}

func TestLoadFailsOnMissingRequiredFields(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCM_COORD_ADDRESS")
	assert.Contains(t, err.Error(), "MCM_DB_APP_USER")
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tasks.mcm", cfg.ServiceName)
	assert.Equal(t, "mcm/", cfg.CoordPrefix)
	assert.Equal(t, 15*time.Minute, cfg.SnapshotInterval)
}

func TestLoadFloorsSnapshotIntervalAtOneMinute(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)
	setRequired(t)
	os.Setenv("MCM_SNAPSHOT_INTERVAL_MINUTES", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.SnapshotInterval)
}

func TestLoadReadsFromFileSuffixWhenVarUnset(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)
	setRequired(t)
	os.Unsetenv("MCM_DB_APP_USER")

	dir := t.TempDir()
	path := filepath.Join(dir, "app_user")
	require.NoError(t, os.WriteFile(path, []byte("app-from-file\n"), 0o600))
	os.Setenv("MCM_DB_APP_USER_FILE", path)
	defer os.Unsetenv("MCM_DB_APP_USER_FILE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "app-from-file", cfg.DBAppUser)
}

func TestEnvVarWinsOverFileWhenBothSet(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)
	setRequired(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "app_user")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))
	os.Setenv("MCM_DB_APP_USER_FILE", path)
	defer os.Unsetenv("MCM_DB_APP_USER_FILE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.DBAppUser)
}
