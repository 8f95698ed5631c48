/**
 * CONTEXT:   Tests for layered config loading (defaults -> file -> env) and validation
 * INPUT:     A temp YAML file and CAPACITOR_* environment variable overrides
 * OUTPUT:    Assertions on precedence order and Validate's rejection of incoherent thresholds
 * BUSINESS:  A silently-wrong threshold would misconfigure staleness/TTL for the whole daemon
 * CHANGE:    New test suite; grounded on the teacher's config loading tests
 * RISK:      Low - fails closed to defaults, but precedence bugs are easy to introduce silently
 */
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().TombstoneGrace, cfg.TombstoneGrace)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().SocketPath, cfg.SocketPath)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\ntombstone_grace: 5s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.TombstoneGrace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("CAPACITOR_LOG_LEVEL", "error")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel, "environment variables take precedence over the config file")
}

func TestValidate_RejectsEmptySocketPath(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveThresholds(t *testing.T) {
	cfg := Default()
	cfg.TombstoneGrace = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SweepInterval = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SubscriberBufferSize = 0
	assert.Error(t, cfg.Validate())
}

func TestEventLogPathAndSnapshotPath_AreUnderDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/capacitor-data"
	assert.Equal(t, "/tmp/capacitor-data/events.db", cfg.EventLogPath())
	assert.Equal(t, "/tmp/capacitor-data/snapshot.kuzu", cfg.SnapshotPath())
	assert.Equal(t, "/tmp/capacitor-data/heartbeat", cfg.HeartbeatPath())
}
