package state

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-proxy/aether-agent/internal/config"
)

func TestProxyMetricsSwapResetsAndAverages(t *testing.T) {
	m := &ProxyMetrics{}
	m.RecordRequest(10_000_000) // 10ms
	m.RecordRequest(20_000_000) // 20ms
	m.RecordFailure()
	m.RecordDNSFailure()
	m.RecordStreamError()

	snap := m.Swap()
	require.NotNil(t, snap.AvgLatencyMs)
	assert.InDelta(t, 15.0, *snap.AvgLatencyMs, 0.001)
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.FailedRequests)
	assert.Equal(t, uint64(1), snap.DNSFailures)
	assert.Equal(t, uint64(1), snap.StreamErrors)

	// Second swap with no activity should read back zeroed counters.
	again := m.Swap()
	assert.Nil(t, again.AvgLatencyMs)
	assert.Equal(t, uint64(0), again.TotalRequests)
}

func TestServerContextNodeIDRoundTrip(t *testing.T) {
	cfg := config.Defaults()
	sc := NewServerContext(config.ServerEntry{URL: "wss://example.com"}, &cfg, &http.Client{})

	assert.Equal(t, "", sc.NodeID())
	sc.SetNodeID("node-123")
	assert.Equal(t, "node-123", sc.NodeID())
}

func TestServerContextActiveConnections(t *testing.T) {
	cfg := config.Defaults()
	sc := NewServerContext(config.ServerEntry{URL: "wss://example.com"}, &cfg, &http.Client{})

	sc.IncActiveConnections()
	sc.IncActiveConnections()
	sc.DecActiveConnections()
	assert.Equal(t, int64(1), sc.LoadActiveConnections())
}
