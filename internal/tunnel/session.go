package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/state"
)

// sessionOutcome is what connectAndRun reports to the reconnect loop.
type sessionOutcome int

const (
	// Disconnected means the tunnel died (peer close, stale read, write
	// failure) and the reconnect loop should retry with backoff.
	Disconnected sessionOutcome = iota
	// Shutdown means the process-wide shutdown signal fired; the reconnect
	// loop must exit without retrying.
	Shutdown
)

// writerDrainTimeout bounds how long connectAndRun waits for the writer to
// finish once the session decides to end (§4.8 step 7).
const writerDrainTimeout = 35 * time.Second

// defaultTunnelMaxStreams is used when neither config nor hardware detection
// supplied a value.
const defaultTunnelMaxStreams = 256

// connectAndRun implements one tunnel connection's full lifecycle (§4.8):
// dial, upgrade, spawn writer/heartbeat/dispatcher, race termination
// sources, and report an outcome the caller's reconnect loop acts on.
func connectAndRun(ctx context.Context, cfg *config.Config, server *state.ServerContext, connIdx int,
	shutdown <-chan struct{}, cache *dnscache.Cache, resolver dnscache.Resolver,
	logger *zap.Logger, atomicLevel *zap.AtomicLevel) (sessionOutcome, error) {

	tunnelURL, err := tunnelWebSocketURL(server.URL)
	if err != nil {
		return Disconnected, fmt.Errorf("tunnel: bad controller url: %w", err)
	}

	maxStreams := defaultTunnelMaxStreams
	if cfg.TunnelMaxStreams != nil {
		maxStreams = *cfg.TunnelMaxStreams
	}

	dynamic := server.DynamicConfig.Load()
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+server.Token)
	headers.Set("X-Node-Id", server.NodeID())
	headers.Set("X-Node-Name", dynamic.NodeName)
	headers.Set("X-Tunnel-Max-Streams", fmt.Sprintf("%d", maxStreams))

	connectTimeout := time.Duration(cfg.TunnelConnectTimeoutSecs) * time.Second
	tcpKeepalive := time.Duration(cfg.TunnelTCPKeepaliveSecs) * time.Second

	dialer := &websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		ReadBufferSize:   protocol.HeaderSize + 64*1024,
		WriteBufferSize:  protocol.HeaderSize + 64*1024,
		NetDialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: connectTimeout}
			conn, err := d.DialContext(dialCtx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(cfg.TunnelTCPNoDelay)
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(tcpKeepalive)
			}
			return conn, nil
		},
	}

	conn, resp, err := dialer.DialContext(ctx, tunnelURL, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return Disconnected, fmt.Errorf("tunnel: dial failed: %w", err)
	}
	defer conn.Close()
	resp.Body.Close()

	conn.SetReadLimit(protocol.MaxFrameSize)

	staleTimeout := time.Duration(cfg.TunnelStaleTimeoutSecs) * time.Second
	pingInterval := time.Duration(cfg.TunnelPingIntervalSecs) * time.Second

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan protocol.Frame, writerChannelCapacity)
	ackCh := make(chan protocol.HeartbeatAck, 1)

	g, gctx := errgroup.WithContext(sessionCtx)

	g.Go(func() error {
		runWriter(conn, out, pingInterval, logger)
		cancel()
		return nil
	})

	if connIdx == 0 {
		g.Go(func() error {
			runHeartbeat(gctx, out, ackCh, server, logger, atomicLevel)
			return nil
		})
	}

	disp := newDispatcher(conn, out, ackCh, server.UpstreamClient, resolver, cache, server, logger, maxStreams, staleTimeout)
	g.Go(func() error {
		disp.run(gctx)
		cancel()
		return nil
	})

	select {
	case <-gctx.Done():
	case <-shutdown:
		// Unblock the dispatcher's in-flight ReadMessage immediately rather
		// than waiting out the stale-timeout deadline.
		cancel()
		_ = conn.Close()
	}

	closeCh := make(chan struct{})
	go func() {
		close(out)
		_ = g.Wait()
		close(closeCh)
	}()
	select {
	case <-closeCh:
	case <-time.After(writerDrainTimeout):
		logger.Warn("tunnel: writer/dispatcher drain timed out")
	}

	select {
	case <-shutdown:
		return Shutdown, nil
	default:
		return Disconnected, nil
	}
}

// tunnelWebSocketURL derives the ws(s)://…/api/internal/proxy-tunnel target
// from a controller's configured HTTP(S) base URL.
func tunnelWebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("tunnel: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/internal/proxy-tunnel"
	u.RawQuery = ""
	return u.String(), nil
}
