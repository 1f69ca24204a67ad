// Package dialer implements the proxy's outbound "safe connector": the
// http.Transport's custom DNS resolution path (spec §4.3). It prefers the
// shared DNS cache's validated addresses for a host and only falls back to a
// fresh, private-filtered OS resolution (uncached) when nothing is cached —
// a defensive path for the case the policy check in the stream handler
// (§4.6) somehow didn't run first. Port-allowlist policy is NOT this
// package's concern; that's enforced once, upstream, by
// dnscache.ValidateTarget.
package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aether-proxy/aether-agent/internal/dnscache"
)

const (
	dialTimeout    = 3 * time.Second
	raceStagger    = 50 * time.Millisecond
	tcpKeepAlive   = 30 * time.Second
	tcpKeepRetries = 3
)

// SafeDialer produces net.Conn values for an http.Transport's DialContext,
// resolving through the shared DNS cache before connecting, then racing the
// surviving addresses the way a direct dial would.
type SafeDialer struct {
	Cache    *dnscache.Cache
	Resolver dnscache.Resolver
}

// New builds a SafeDialer backed by the OS resolver.
func New(cache *dnscache.Cache) *SafeDialer {
	return &SafeDialer{
		Cache:    cache,
		Resolver: net.DefaultResolver,
	}
}

// DialContext is the http.Transport-compatible dial function. addr is
// "host:port" as handed to it by the transport's URL parsing.
func (d *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("dialer: %w", err)
	}

	addrs, err := dnscache.ResolveForConnector(ctx, d.Resolver, d.Cache, host)
	if err != nil {
		return nil, err
	}

	return raceDial(ctx, network, addrs, portStr)
}

// raceDial attempts every candidate address concurrently, staggered slightly
// so the first address in the list gets a head start, and returns the first
// successful connection. Grounded on the teacher's DialFast race pattern,
// generalized to dial only pre-validated addresses instead of re-resolving.
func raceDial(ctx context.Context, network string, addrs []netip.Addr, portStr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, len(addrs))
	var wg sync.WaitGroup

	for i, addr := range addrs {
		wg.Add(1)
		go func(delay int, addr netip.Addr) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * raceStagger):
				case <-dialCtx.Done():
					return
				}
			}
			d := &net.Dialer{
				Timeout: dialTimeout,
				Control: controlSetSockOpts,
			}
			target := net.JoinHostPort(addr.String(), portStr)
			conn, err := d.DialContext(dialCtx, network, target)
			if err != nil {
				resCh <- result{err: err}
				return
			}
			tuneConn(conn)
			resCh <- result{conn: conn}
		}(i, addr)
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	var firstErr error
	for r := range resCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		cancel()
		return r.conn, nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("dialer: no addresses to dial")
	}
	return nil, firstErr
}

// tuneConn applies the keepalive/no-delay settings net.TCPConn exposes
// directly; the retry-count knob below it needs the raw socket.
func tuneConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(tcpKeepAlive)
}

// controlSetSockOpts runs on the raw socket before connect, setting the TCP
// keepalive probe count net.Dialer has no field for.
func controlSetSockOpts(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, tcpKeepRetries)
	})
	if err != nil {
		return err
	}
	// Non-fatal: some platforms/sandboxes reject the option, dialing should
	// proceed with default keepalive retry behavior.
	_ = sockErr
	return nil
}
