// Package app wires every subsystem together into the process lifecycle
// (§4.10): config, logging, detection, registration, and the tunnel pool.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/dialer"
	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/hardware"
	"github.com/aether-proxy/aether-agent/internal/logging"
	"github.com/aether-proxy/aether-agent/internal/netinfo"
	"github.com/aether-proxy/aether-agent/internal/registration"
	"github.com/aether-proxy/aether-agent/internal/state"
	"github.com/aether-proxy/aether-agent/internal/tunnel"
)

// minTunnelMaxStreams and maxTunnelMaxStreams bound the hardware-derived
// stream cap when tunnel_max_streams is left unset (§4.10 step 3).
const (
	minTunnelMaxStreams = 64
	maxTunnelMaxStreams = 1024
)

// App is the running process: its logger, the two HTTP clients it keeps
// deliberately separate (upstream proxy traffic vs. controller lifecycle
// calls), its DNS cache, and the set of controllers it has (or will)
// register with.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel

	cache *dnscache.Cache

	// httpClient is the safe-connector client (upstream_* config fields,
	// wraps internal/dialer's private-IP filtering). Used exclusively for
	// internal/tunnel/stream.go's upstream calls on the controller's behalf.
	httpClient *http.Client
	// aetherClient is a plain client (aether_* config fields, no safe
	// dialer) for registration/unregistration calls to the controller
	// itself, which may sit behind a restrictive/private network.
	aetherClient *http.Client

	mu      sync.Mutex
	servers []*state.ServerContext
}

// New validates cfg, builds the logger, and constructs the shared DNS cache
// plus the two HTTP clients. It does not yet register with any controller or
// open a tunnel — call Run for that.
func New(cfg *config.Config) (*App, error) {
	logger, level := logging.New(logging.Options{
		Path:       cfg.LogPath,
		Level:      cfg.LogLevel,
		JSONStdout: cfg.LogJSON,
	})

	cache := dnscache.New(time.Duration(cfg.DNSCacheTTLSecs)*time.Second, cfg.DNSCacheCapacity)

	safeDialer := dialer.New(cache)
	upstreamTransport := &http.Transport{
		DialContext:         safeDialer.DialContext,
		MaxIdleConnsPerHost: cfg.UpstreamPoolMaxIdlePerHost,
		IdleConnTimeout:     time.Duration(cfg.UpstreamPoolIdleTimeoutSecs) * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   cfg.AetherHTTP2,
		DisableCompression:  false,
	}
	httpClient := &http.Client{
		Transport: upstreamTransport,
		Timeout:   time.Duration(cfg.UpstreamConnectTimeoutSecs) * time.Second,
	}

	aetherDialer := &net.Dialer{
		Timeout:   time.Duration(cfg.AetherConnectTimeoutSecs) * time.Second,
		KeepAlive: time.Duration(cfg.AetherTCPKeepaliveSecs) * time.Second,
	}
	aetherTransport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := aetherDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(cfg.AetherTCPNoDelay)
			}
			return conn, nil
		},
		MaxIdleConnsPerHost: cfg.AetherPoolMaxIdlePerHost,
		IdleConnTimeout:     time.Duration(cfg.AetherPoolIdleTimeoutSecs) * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   cfg.AetherHTTP2,
	}
	aetherClient := &http.Client{
		Transport: aetherTransport,
		Timeout:   time.Duration(cfg.AetherRequestTimeoutSecs) * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		level:        level,
		cache:        cache,
		httpClient:   httpClient,
		aetherClient: aetherClient,
	}, nil
}

// Logger returns the process logger so the caller can flush it on exit.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run executes the full application lifecycle (§4.10): detection,
// per-controller registration (with background retry for stragglers),
// spawning the reconnect-loop pool, and blocking until ctx is cancelled
// (the caller wires ctx to SIGINT/SIGTERM). It returns once every tunnel
// task has wound down.
func (a *App) Run(ctx context.Context) error {
	publicIP := a.cfg.PublicIP
	if publicIP == "" {
		publicIP = netinfo.DetectPublicIP(ctx, a.aetherClient)
	}
	detectedRegion := a.cfg.NodeRegion
	if detectedRegion == "" {
		detectedRegion = netinfo.DetectRegion(ctx, a.aetherClient)
	}

	fingerprint := hardware.Detect()
	if a.cfg.TunnelMaxStreams == nil {
		derived := clamp(fingerprint.EstimatedMaxConcurrency/10, minTunnelMaxStreams, maxTunnelMaxStreams)
		a.cfg.TunnelMaxStreams = &derived
	}

	entries := a.cfg.EffectiveServers()
	if len(entries) == 0 {
		return fmt.Errorf("app: no controllers configured")
	}

	resolver := dnscache.Resolver(httpDefaultResolver{})

	var wg sync.WaitGroup
	shutdown := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(shutdown)
	}()

	// startTunnels spawns this controller's reconnect-loop pool. Called both
	// for controllers registered at startup and, later, for ones that only
	// succeeded via background retry.
	startTunnels := func(server *state.ServerContext) {
		for connIdx := 0; connIdx < a.cfg.TunnelConnections; connIdx++ {
			wg.Add(1)
			go func(connIdx int) {
				defer wg.Done()
				tunnel.RunReconnectLoop(ctx, a.cfg, server, connIdx, shutdown, a.cache, resolver, a.logger, &a.level)
			}(connIdx)
		}
	}

	var pending []registration.PendingEntry
	for _, entry := range entries {
		regClient := registration.NewClient(entry.URL, entry.Token, a.aetherClient,
			a.cfg.AetherRetryMaxAttempts,
			time.Duration(a.cfg.AetherRetryBaseDelayMs)*time.Millisecond,
			time.Duration(a.cfg.AetherRetryMaxDelayMs)*time.Millisecond)

		region := entry.Region
		if region == "" {
			region = detectedRegion
		}
		req := registration.Request{
			Name:                    a.cfg.NodeName,
			IP:                      publicIP,
			Region:                  region,
			HeartbeatInterval:       a.cfg.HeartbeatInterval,
			HardwareInfo:            &fingerprint,
			EstimatedMaxConcurrency: fingerprint.EstimatedMaxConcurrency,
			TunnelMode:              true,
		}

		resp, err := regClient.Register(ctx, req)
		if err != nil {
			a.logger.Warn("app: initial registration failed, queued for background retry",
				zap.String("controller", entry.URL), zap.Error(err))
			pending = append(pending, registration.PendingEntry{
				Client:  regClient,
				Request: req,
				OnSuccess: func(entry config.ServerEntry) func(*registration.Response) {
					return func(resp *registration.Response) {
						startTunnels(a.addServer(entry, resp.NodeID))
					}
				}(entry),
			})
			continue
		}
		startTunnels(a.addServer(entry, resp.NodeID))
	}

	a.mu.Lock()
	registered := len(a.servers)
	a.mu.Unlock()
	if registered == 0 {
		return fmt.Errorf("app: failed to register with any controller")
	}

	if len(pending) > 0 {
		go registration.RunBackgroundRetries(ctx, a.logger, pending)
	}

	<-ctx.Done()

	a.mu.Lock()
	toUnregister := append([]*state.ServerContext(nil), a.servers...)
	a.mu.Unlock()
	for _, server := range toUnregister {
		unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client := registration.NewClient(server.URL, server.Token, a.aetherClient, 1, 0, 0)
		if err := client.Unregister(unregisterCtx, server.NodeID()); err != nil {
			a.logger.Warn("app: unregister failed, continuing shutdown", zap.String("controller", server.URL), zap.Error(err))
		}
		cancel()
	}

	wg.Wait()
	return nil
}

func (a *App) addServer(entry config.ServerEntry, nodeID string) *state.ServerContext {
	sc := state.NewServerContext(entry, a.cfg, a.httpClient)
	sc.SetNodeID(nodeID)
	a.mu.Lock()
	a.servers = append(a.servers, sc)
	a.mu.Unlock()
	return sc
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// httpDefaultResolver adapts net.DefaultResolver's method set to
// dnscache.Resolver so the stream handler and the reconnect pool share the
// exact same resolution path the safe connector uses.
type httpDefaultResolver struct{}

func (httpDefaultResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, network, host)
}
