package dnscache

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(ips ...string) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(ips))
	for _, s := range ips {
		out = append(out, netip.MustParseAddrPort(s))
	}
	return out
}

func TestCacheInsertAndGet(t *testing.T) {
	c := New(time.Minute, 8)
	want := addrs("1.1.1.1:443", "1.0.0.1:443")
	c.Insert("example.com", 443, want)

	got, ok := c.Get("example.com", 443)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCacheKeyCaseInsensitive(t *testing.T) {
	c := New(time.Minute, 8)
	c.Insert("Example.COM", 443, addrs("1.1.1.1:443"))
	got, ok := c.Get("example.com", 443)
	require.True(t, ok)
	assert.Equal(t, addrs("1.1.1.1:443"), got)
}

func TestCacheGetByHostIgnoresPort(t *testing.T) {
	c := New(time.Minute, 8)
	c.Insert("example.com", 8443, addrs("1.1.1.1:8443"))
	got, ok := c.GetByHost("example.com")
	require.True(t, ok)
	assert.Equal(t, addrs("1.1.1.1:8443"), got)
}

func TestCacheExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 8)
	c.Insert("example.com", 443, addrs("1.1.1.1:443"))
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("example.com", 443)
	assert.False(t, ok)
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	c.Insert("a.com", 443, addrs("1.1.1.1:443"))
	c.Insert("b.com", 443, addrs("2.2.2.2:443"))
	c.Insert("c.com", 443, addrs("3.3.3.3:443"))

	_, ok := c.Get("a.com", 443)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("b.com", 443)
	assert.True(t, ok)
	_, ok = c.Get("c.com", 443)
	assert.True(t, ok)
}

func TestCacheZeroTTLOrCapacityIsNoOp(t *testing.T) {
	c := New(0, 8)
	c.Insert("example.com", 443, addrs("1.1.1.1:443"))
	_, ok := c.Get("example.com", 443)
	assert.False(t, ok)

	c2 := New(time.Minute, 0)
	c2.Insert("example.com", 443, addrs("1.1.1.1:443"))
	_, ok = c2.Get("example.com", 443)
	assert.False(t, ok)
}

func TestCacheInsertEmptyAddrsIsNoOp(t *testing.T) {
	c := New(time.Minute, 8)
	c.Insert("example.com", 443, nil)
	_, ok := c.Get("example.com", 443)
	assert.False(t, ok)
}
