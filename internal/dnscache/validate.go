package dnscache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sync/singleflight"
)

// resolveGroup collapses concurrent first-resolution races for the same
// host:port so a burst of requests to a not-yet-cached target triggers one
// OS lookup instead of one per caller.
var resolveGroup singleflight.Group

// Target policy errors.
var (
	ErrPortNotAllowed   = errors.New("dnscache: port not allowed")
	ErrPrivateIP        = errors.New("dnscache: private or reserved ip")
	ErrResolutionFailed = errors.New("dnscache: dns resolution failed")
	ErrNoPublicAddrs    = errors.New("dnscache: no public addresses resolved")
)

// Resolver is the subset of net.Resolver used for OS-level lookups, so tests
// can substitute a fake.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// ResolvePublicAddrs resolves host:port, filters private addresses, caches
// survivors, and returns them. A cache hit short-circuits resolution.
func ResolvePublicAddrs(ctx context.Context, resolver Resolver, cache *Cache, host string, port uint16) ([]netip.AddrPort, error) {
	if addrs, ok := cache.Get(host, port); ok {
		return addrs, nil
	}

	result, err, _ := resolveGroup.Do(key(host, port), func() (interface{}, error) {
		if addrs, ok := cache.Get(host, port); ok {
			return addrs, nil
		}

		ips, err := resolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrResolutionFailed, host)
		}

		public := make([]netip.AddrPort, 0, len(ips))
		for _, ip := range ips {
			if IsPrivateIP(ip) {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip.To4())
			if !ok {
				addr, ok = netip.AddrFromSlice(ip.To16())
				if !ok {
					continue
				}
			}
			public = append(public, netip.AddrPortFrom(addr, port))
		}

		if len(public) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoPublicAddrs, host)
		}

		cache.Insert(host, port, public)
		return public, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]netip.AddrPort), nil
}

// ValidateTarget enforces the port whitelist and private-IP policy for a
// proxy target, resolving through the cache when host is not a literal IP.
// Every address it returns, literal IPs included, is in the cache when the
// call returns (unless a zero TTL or capacity disables the cache) and stays
// there until it expires or is evicted for capacity, so a subsequent connect
// through the safe connector (internal/dialer) reaches the same validated
// address.
func ValidateTarget(ctx context.Context, resolver Resolver, cache *Cache, host string, port uint16, allowedPorts map[uint16]struct{}) ([]netip.AddrPort, error) {
	if _, ok := allowedPorts[port]; !ok {
		return nil, fmt.Errorf("%w: port %d", ErrPortNotAllowed, port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateIP(net.IP(addr.AsSlice())) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateIP, addr)
		}
		out := []netip.AddrPort{netip.AddrPortFrom(addr, port)}
		cache.Insert(host, port, out)
		return out, nil
	}

	return ResolvePublicAddrs(ctx, resolver, cache, host, port)
}

// ResolveForConnector backs the safe connector's custom DNS resolution
// (§4.3): prefer a cached entry keyed by host alone (port-agnostic, since the
// connector doesn't know the port), otherwise fall back to a fresh OS lookup
// filtered for private addresses. This fallback path does NOT cache its
// result — it's defensive, for the case validate_target somehow didn't run
// first, and caching here would let an unvalidated answer outlive the call.
func ResolveForConnector(ctx context.Context, resolver Resolver, cache *Cache, host string) ([]netip.Addr, error) {
	if addrs, ok := cache.GetByHost(host); ok {
		out := make([]netip.Addr, len(addrs))
		for i, a := range addrs {
			out[i] = a.Addr()
		}
		return out, nil
	}

	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolutionFailed, host)
	}

	var public []netip.Addr
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			public = append(public, addr)
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip.To16()); ok {
			public = append(public, addr)
		}
	}
	if len(public) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicAddrs, host)
	}
	return public, nil
}
