package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitViperDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	v, err := InitViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, time.Hour, cfg.Reservations.DefaultTTL)
	require.Equal(t, "block", cfg.Guard.Mode)
	require.True(t, cfg.Identity.WorktreesEnabled)
	require.True(t, cfg.Archive.Enabled)
	require.Equal(t, "origin", cfg.Identity.Remote)
}

func TestInitViperFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("reservations:\n  default_ttl: 30m\nguard:\n  mode: warn\nstorage:\n  path: /tmp/x.db\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	t.Setenv(EnvAgentName, "RedCat")
	t.Setenv(EnvBypass, "1")
	t.Setenv(EnvWorktreesEnabled, "false")
	t.Setenv("INTERLOCK_SERVER_ADDR", "127.0.0.1:9999")

	v, err := InitViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, 30*time.Minute, cfg.Reservations.DefaultTTL)
	require.Equal(t, "warn", cfg.Guard.Mode)
	require.Equal(t, "RedCat", cfg.Guard.AgentName)
	require.True(t, cfg.Guard.Bypass)
	require.False(t, cfg.Identity.WorktreesEnabled)
	require.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	require.Equal(t, "/tmp/x.db", cfg.Storage.Path)
}

func TestGuardModeEnvOverridesFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvGuardMode, "WARN")

	v, err := InitViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Guard.Mode)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Guard.Mode = "maybe"
	cfg.Reservations.DefaultTTL = time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "guard.mode")
	require.Contains(t, err.Error(), "default_ttl")
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := InitViper(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
