package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ItsEcholot/real-stereo-extended/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, int32(828369), cfg.Cluster.App)
	assert.Equal(t, int32(1), cfg.Cluster.Version)
	assert.Equal(t, 5605, cfg.Cluster.Port)
	assert.Equal(t, "255.255.255.255", cfg.Cluster.BroadcastAddress)
	assert.Equal(t, 35*time.Second, cfg.Cluster.NodeAvailabilityCheck)
	assert.Equal(t, 35*time.Second, cfg.Cluster.MasterAvailabilityCheck)
	assert.Equal(t, 10*time.Second, cfg.Cluster.MasterPingInterval)
	assert.Equal(t, 5*time.Second, cfg.Cluster.SlavePingInterval)
	assert.Equal(t, 3*time.Second, cfg.Balancing.GracePeriod)
	assert.Equal(t, 15*time.Second, cfg.Balancing.DiscoveryInterval)
	assert.Equal(t, 1.5, cfg.Balancing.PowerParam)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  hostname: living-room-pi
cluster:
  port: 6000
  slavePingInterval: 2s
api:
  enabled: false
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "living-room-pi", cfg.Node.Hostname)
	assert.Equal(t, 6000, cfg.Cluster.Port)
	assert.Equal(t, 2*time.Second, cfg.Cluster.SlavePingInterval)
	assert.Equal(t, 35*time.Second, cfg.Cluster.NodeAvailabilityCheck)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("REALSTEREO_CLUSTER_PORT", "7000")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Cluster.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
