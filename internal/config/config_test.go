package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
metadata_dir = "/var/lib/garage-membership"
rpc_bind_addr = "0.0.0.0:3901"
replication_factor = 3
rpc_secret = "shared-secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(DefaultPingInterval), cfg.PingInterval)
	assert.Equal(t, DefaultMaxFailedPings, cfg.MaxFailedPings)
}

func TestLoadRejectsMissingReplicationFactor(t *testing.T) {
	path := writeConfig(t, `
metadata_dir = "/var/lib/garage-membership"
rpc_bind_addr = "0.0.0.0:3901"
rpc_secret = "shared-secret"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverridesSecret(t *testing.T) {
	path := writeConfig(t, `
metadata_dir = "/var/lib/garage-membership"
rpc_bind_addr = "0.0.0.0:3901"
replication_factor = 3
rpc_secret = "file-secret"
`)

	t.Setenv("RPC_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.RPCSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}
