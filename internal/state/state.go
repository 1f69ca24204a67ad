// Package state holds the per-controller and process-wide shared state every
// tunnel connection reads and writes: ServerContext, AppState, ProxyMetrics.
package state

import (
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/runtime"
)

// ProxyMetrics accumulates per-controller counters with atomics; Swap
// resets each counter back to zero and returns the pre-swap totals, matching
// the teacher's go-cache increment-then-read pattern generalized to a
// swap-and-reset model for heartbeat reporting.
type ProxyMetrics struct {
	totalRequests uint64
	latencyNanos  uint64
	latencyCount  uint64
	failedRequests uint64
	dnsFailures    uint64
	streamErrors   uint64
}

// RecordRequest adds one completed request's latency to the running totals.
func (m *ProxyMetrics) RecordRequest(latencyNanos int64) {
	atomic.AddUint64(&m.totalRequests, 1)
	atomic.AddUint64(&m.latencyNanos, uint64(latencyNanos))
	atomic.AddUint64(&m.latencyCount, 1)
}

func (m *ProxyMetrics) RecordFailure()    { atomic.AddUint64(&m.failedRequests, 1) }
func (m *ProxyMetrics) RecordDNSFailure() { atomic.AddUint64(&m.dnsFailures, 1) }
func (m *ProxyMetrics) RecordStreamError() { atomic.AddUint64(&m.streamErrors, 1) }

// MetricsSnapshot is the swapped-out totals for one heartbeat tick.
type MetricsSnapshot struct {
	TotalRequests  uint64
	AvgLatencyMs   *float64
	FailedRequests uint64
	DNSFailures    uint64
	StreamErrors   uint64
}

// Swap atomically resets every counter and returns the values it held.
func (m *ProxyMetrics) Swap() MetricsSnapshot {
	total := atomic.SwapUint64(&m.totalRequests, 0)
	latencyNanos := atomic.SwapUint64(&m.latencyNanos, 0)
	latencyCount := atomic.SwapUint64(&m.latencyCount, 0)
	failed := atomic.SwapUint64(&m.failedRequests, 0)
	dnsFail := atomic.SwapUint64(&m.dnsFailures, 0)
	streamErr := atomic.SwapUint64(&m.streamErrors, 0)

	snap := MetricsSnapshot{
		TotalRequests:  total,
		FailedRequests: failed,
		DNSFailures:    dnsFail,
		StreamErrors:   streamErr,
	}
	if latencyCount > 0 {
		avgMs := float64(latencyNanos) / float64(latencyCount) / 1e6
		snap.AvgLatencyMs = &avgMs
	}
	return snap
}

// ServerContext is per-controller state, shared by every tunnel connection
// bound to that controller.
type ServerContext struct {
	URL   string
	Token string

	mu     sync.Mutex
	nodeID string

	// UpstreamClient is the shared safe-connector HTTP client (process-wide,
	// wrapping internal/dialer) that tunnel stream handlers use for every
	// upstream call made on this controller's behalf. It is never used for
	// lifecycle calls (registration/unregistration) — those go through a
	// separate client built from the aether_* config fields, with no
	// safe-dialer private-IP filtering, since the controller itself may sit
	// behind a restrictive network.
	UpstreamClient *http.Client

	DynamicConfig *runtime.Holder

	ActiveConnections int64

	Metrics *ProxyMetrics
}

// NewServerContext builds a ServerContext seeded from static config.
func NewServerContext(entry config.ServerEntry, cfg *config.Config, upstreamClient *http.Client) *ServerContext {
	return &ServerContext{
		URL:            entry.URL,
		Token:          entry.Token,
		UpstreamClient: upstreamClient,
		DynamicConfig:  runtime.NewHolder(cfg),
		Metrics:        &ProxyMetrics{},
	}
}

// NodeID returns the currently assigned node id, empty before registration.
func (s *ServerContext) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// SetNodeID reassigns the node id, e.g. after a re-registration.
func (s *ServerContext) SetNodeID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = id
}

func (s *ServerContext) IncActiveConnections() { atomic.AddInt64(&s.ActiveConnections, 1) }
func (s *ServerContext) DecActiveConnections() { atomic.AddInt64(&s.ActiveConnections, -1) }
func (s *ServerContext) LoadActiveConnections() int64 {
	return atomic.LoadInt64(&s.ActiveConnections)
}

// AppState is process-wide: static config, the shared DNS cache, the shared
// outbound HTTP client (wrapping the safe connector), and a pre-built TLS
// client config reused for every tunnel handshake.
type AppState struct {
	Config     *config.Config
	DNSCache   *dnscache.Cache
	HTTPClient *http.Client
	TLSConfig  *tls.Config
}
