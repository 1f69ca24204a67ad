// Package dnscache implements the DNS validation cache: it resolves
// hostnames, filters private/reserved addresses, and memoizes survivors with
// a TTL and capacity bound so the outbound HTTP client's resolver (see
// internal/dialer) can reuse exactly the addresses policy already validated.
package dnscache

import "net"

// IsPrivateIP reports whether ip belongs to a private, loopback, link-local,
// or otherwise reserved range that must never be reached as an upstream
// target.
func IsPrivateIP(ip net.IP) bool {
	// To4 already folds IPv4-mapped IPv6 (::ffff:a.b.c.d) into 4-byte form,
	// so the v4 predicate covers that case without a separate recursion.
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4(v4)
	}
	return isPrivateIPv6(ip)
}

func isPrivateIPv4(ip net.IP) bool {
	o := [4]byte{ip[0], ip[1], ip[2], ip[3]}
	switch {
	case o[0] == 10: // 10.0.0.0/8
		return true
	case o[0] == 172 && o[1] >= 16 && o[1] <= 31: // 172.16.0.0/12
		return true
	case o[0] == 192 && o[1] == 168: // 192.168.0.0/16
		return true
	case o[0] == 127: // 127.0.0.0/8
		return true
	case o[0] == 169 && o[1] == 254: // 169.254.0.0/16
		return true
	case o[0] == 0: // 0.0.0.0/8
		return true
	case o[0] == 100 && o[1] >= 64 && o[1] <= 127: // 100.64.0.0/10 (CGNAT)
		return true
	case o[0] == 192 && o[1] == 0 && o[2] == 0: // 192.0.0.0/24
		return true
	case o[0] == 198 && (o[1] == 18 || o[1] == 19): // 198.18.0.0/15
		return true
	case o[0] >= 240: // 240.0.0.0/4
		return true
	default:
		return false
	}
}

func isPrivateIPv6(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	// fc00::/7 (ULA): top byte is 0xfc or 0xfd.
	if ip[0]&0xfe == 0xfc {
		return true
	}
	// fe80::/10 (link-local).
	if ip[0] == 0xfe && ip[1]&0xc0 == 0x80 {
		return true
	}
	return false
}
