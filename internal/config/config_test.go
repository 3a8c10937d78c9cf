package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordflow/internal/keylock"
	"github.com/roach88/recordflow/internal/rules"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recordflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "recordflow.db", cfg.DB.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, time.Duration(0), cfg.Records.LockTTL)
	assert.Equal(t, rules.PolicyWarn, cfg.ConflictPolicy())
	assert.Equal(t, 5, cfg.Workflow.ConflictRetries)
	assert.Equal(t, keylock.Detection{}, cfg.LockDetection(), "deadlock detection is off unless asked for")

	k, err := cfg.Keyring()
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
db:
  path: /var/lib/recordflow/data.db
records:
  lock_ttl: 15m
rules:
  conflict_policy: block
audit:
  hmac_keys: "k1=first-secret,k2=second-secret"
  active_key_id: k1
log:
  level: warn
locks:
  deadlock_detection: true
  deadlock_timeout: 2m
`)
	t.Setenv("RECORDFLOW_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("RECORDFLOW_AUDIT_ACTIVE_KEY_ID", "k2")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/recordflow/data.db", cfg.DB.Path)
	assert.Equal(t, 15*time.Minute, cfg.Records.LockTTL)
	assert.Equal(t, rules.PolicyBlock, cfg.ConflictPolicy())
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, keylock.Detection{Enabled: true, Timeout: 2 * time.Minute}, cfg.LockDetection())

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	k, err := cfg.Keyring()
	require.NoError(t, err)
	assert.Equal(t, "k2", k.ActiveKeyID())
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"policy", "rules:\n  conflict_policy: ignore\n"},
		{"log format", "log:\n  format: xml\n"},
		{"log level", "log:\n  level: loud\n"},
		{"negative ttl", "records:\n  lock_ttl: -1s\n"},
		{"negative deadlock timeout", "locks:\n  deadlock_timeout: -5s\n"},
		{"unknown active key", "audit:\n  hmac_keys: k1=secret\n  active_key_id: k9\n"},
		{"tick parallelism", "workflow:\n  tick_parallelism: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
