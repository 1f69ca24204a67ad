package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"aether_url":"wss://controller.example.com"}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "proxy-01", cfg.NodeName)
	assert.Equal(t, uint64(30), cfg.HeartbeatInterval)
	assert.Equal(t, []int{80, 443, 8080, 8443}, cfg.AllowedPorts)
	assert.Equal(t, 3, cfg.TunnelConnections)
}

func TestLoadMissingControllerFails(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMultiServerOverridesTopLevel(t *testing.T) {
	path := writeConfig(t, `{
		"aether_url": "wss://ignored.example.com",
		"servers": [{"url": "wss://a.example.com", "management_token": "tok-a"}]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	servers := cfg.EffectiveServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "wss://a.example.com", servers[0].URL)
}

func TestEnvOverridesApply(t *testing.T) {
	path := writeConfig(t, `{"aether_url":"wss://controller.example.com"}`)
	t.Setenv("AETHER_NODE_NAME", "edge-07")
	t.Setenv("AETHER_ALLOWED_PORTS", "80, 443")
	t.Setenv("AETHER_LOG_JSON", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-07", cfg.NodeName)
	assert.Equal(t, []int{80, 443}, cfg.AllowedPorts)
	assert.True(t, cfg.LogJSON)
}

func TestAllowedPortSet(t *testing.T) {
	cfg := Defaults()
	cfg.AllowedPorts = []int{80, 443}
	set := cfg.AllowedPortSet()
	_, ok := set[443]
	assert.True(t, ok)
	_, ok = set[22]
	assert.False(t, ok)
}

func TestLoadRejectsZeroTunnelConnections(t *testing.T) {
	path := writeConfig(t, `{"aether_url":"wss://controller.example.com","tunnel_connections":0}`)
	_, err := Load(path)
	assert.Error(t, err)
}
