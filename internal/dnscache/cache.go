package dnscache

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// entry is the value stored per key. Addrs is never mutated after insert so
// it can be shared freely between readers.
type entry struct {
	addrs      []netip.AddrPort
	expiresAt  time.Time
	insertedAt time.Time
}

// Cache is a concurrent, TTL + capacity bounded store of validated public
// addresses, keyed by lowercase "host:port". It backs both the policy
// validator (ValidateTarget in validate.go) and the safe connector that
// the outbound HTTP client consults, so a single validated address list is
// shared between the two — eliminating the DNS-rebinding TOCTTOU window.
//
// The go-cache store underneath gives us a ready concurrent map; TTL and
// capacity bookkeeping are layered on top because go-cache alone has no
// notion of a capacity ceiling or insertion-order eviction.
type Cache struct {
	ttl      time.Duration
	capacity int

	store *gocache.Cache

	mu    sync.Mutex
	order []string // insertion order, oldest first
}

// New creates a cache with the given TTL and maximum entry count. A zero TTL
// or capacity disables caching entirely (Get/Insert become no-ops), matching
// the spec's "no-op if TTL or capacity is zero" rule.
func New(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		store:    gocache.New(gocache.NoExpiration, 0),
	}
}

func key(host string, port uint16) string {
	return strings.ToLower(host) + ":" + strconv.Itoa(int(port))
}

// Get returns cached addresses for host:port if present and unexpired.
// An expired entry found during lookup is removed under an exclusive lock.
func (c *Cache) Get(host string, port uint16) ([]netip.AddrPort, bool) {
	if c.ttl <= 0 || c.capacity <= 0 {
		return nil, false
	}
	k := key(host, port)

	raw, ok := c.store.Get(k)
	if !ok {
		return nil, false
	}
	e := raw.(*entry)
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.removeLocked(k)
		c.mu.Unlock()
		return nil, false
	}
	return e.addrs, true
}

// GetByHost returns the first unexpired cache entry whose key starts with
// "host:", for callers (the safe connector) that only know the hostname.
func (c *Cache) GetByHost(host string) ([]netip.AddrPort, bool) {
	if c.ttl <= 0 || c.capacity <= 0 {
		return nil, false
	}
	prefix := strings.ToLower(host) + ":"
	now := time.Now()

	for k, raw := range c.store.Items() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		e := raw.Object.(*entry)
		if now.After(e.expiresAt) {
			continue
		}
		return e.addrs, true
	}
	return nil, false
}

// Insert stores addrs for host:port, evicting expired entries first and then
// the oldest-by-insertion entries until the cache is back under capacity.
// A no-op if TTL/capacity are zero or addrs is empty.
func (c *Cache) Insert(host string, port uint16, addrs []netip.AddrPort) {
	if c.ttl <= 0 || c.capacity <= 0 || len(addrs) == 0 {
		return
	}
	k := key(host, port)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)
	for c.liveCountLocked() >= c.capacity {
		if !c.evictOldestLocked() {
			break
		}
	}

	c.store.Set(k, &entry{addrs: addrs, expiresAt: now.Add(c.ttl), insertedAt: now}, gocache.NoExpiration)
	c.order = append(c.order, k)
}

func (c *Cache) liveCountLocked() int {
	return len(c.order)
}

func (c *Cache) evictExpiredLocked(now time.Time) {
	live := c.order[:0:0]
	for _, k := range c.order {
		raw, ok := c.store.Get(k)
		if !ok {
			continue
		}
		e := raw.(*entry)
		if now.After(e.expiresAt) {
			c.store.Delete(k)
			continue
		}
		live = append(live, k)
	}
	c.order = live
}

// evictOldestLocked removes the single oldest-inserted surviving key.
func (c *Cache) evictOldestLocked() bool {
	if len(c.order) == 0 {
		return false
	}
	k := c.order[0]
	c.order = c.order[1:]
	c.store.Delete(k)
	return true
}

func (c *Cache) removeLocked(k string) {
	c.store.Delete(k)
	for i, ok := range c.order {
		if ok == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// String is a debug helper.
func (e *entry) String() string {
	return fmt.Sprintf("entry{addrs=%v, expiresAt=%s}", e.addrs, e.expiresAt)
}
