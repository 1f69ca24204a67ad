// Package config loads the agent's JSON configuration file and applies
// AETHER_-prefixed environment variable overrides, mirroring the teacher's
// config.Reload pattern but scoped per-field to match the much larger knob
// surface this domain needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServerEntry is one controller this agent tunnels to. A configuration with
// a non-empty Servers list ignores the top-level URL/Token pair.
type ServerEntry struct {
	URL    string `json:"url"`
	Token  string `json:"management_token"`
	Region string `json:"node_region,omitempty"`
}

// Config is the complete field set from the environment & config reference,
// names/defaults/units unchanged.
type Config struct {
	AetherURL         string `json:"aether_url"`
	ManagementToken   string `json:"management_token"`
	Servers           []ServerEntry `json:"servers,omitempty"`
	PublicIP          string `json:"public_ip,omitempty"`
	NodeName          string `json:"node_name"`
	NodeRegion        string `json:"node_region,omitempty"`
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
	AllowedPorts      []int  `json:"allowed_ports"`

	AetherRequestTimeoutSecs uint64 `json:"aether_request_timeout_secs"`
	AetherConnectTimeoutSecs uint64 `json:"aether_connect_timeout_secs"`

	AetherPoolMaxIdlePerHost int    `json:"aether_pool_max_idle_per_host"`
	AetherPoolIdleTimeoutSecs uint64 `json:"aether_pool_idle_timeout_secs"`

	AetherTCPKeepaliveSecs uint64 `json:"aether_tcp_keepalive_secs"`
	AetherTCPNoDelay       bool   `json:"aether_tcp_nodelay"`
	AetherHTTP2            bool   `json:"aether_http2"`

	AetherRetryMaxAttempts  int    `json:"aether_retry_max_attempts"`
	AetherRetryBaseDelayMs  uint64 `json:"aether_retry_base_delay_ms"`
	AetherRetryMaxDelayMs   uint64 `json:"aether_retry_max_delay_ms"`

	MaxConcurrentConnections *int `json:"max_concurrent_connections,omitempty"`

	DNSCacheTTLSecs  uint64 `json:"dns_cache_ttl_secs"`
	DNSCacheCapacity int    `json:"dns_cache_capacity"`

	UpstreamConnectTimeoutSecs    uint64 `json:"upstream_connect_timeout_secs"`
	UpstreamPoolMaxIdlePerHost    int    `json:"upstream_pool_max_idle_per_host"`
	UpstreamPoolIdleTimeoutSecs   uint64 `json:"upstream_pool_idle_timeout_secs"`
	UpstreamTCPKeepaliveSecs      uint64 `json:"upstream_tcp_keepalive_secs"`
	UpstreamTCPNoDelay            bool   `json:"upstream_tcp_nodelay"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
	LogPath  string `json:"log_path,omitempty"`

	TunnelReconnectBaseMs    uint64 `json:"tunnel_reconnect_base_ms"`
	TunnelReconnectMaxMs     uint64 `json:"tunnel_reconnect_max_ms"`
	TunnelPingIntervalSecs   uint64 `json:"tunnel_ping_interval_secs"`
	TunnelMaxStreams         *int   `json:"tunnel_max_streams,omitempty"`
	TunnelConnectTimeoutSecs uint64 `json:"tunnel_connect_timeout_secs"`
	TunnelTCPKeepaliveSecs   uint64 `json:"tunnel_tcp_keepalive_secs"`
	TunnelTCPNoDelay         bool   `json:"tunnel_tcp_nodelay"`
	TunnelStaleTimeoutSecs   uint64 `json:"tunnel_stale_timeout_secs"`
	TunnelConnections        int    `json:"tunnel_connections"`
}

// Defaults returns the field set from the environment & config reference,
// names/defaults/units unchanged from spec.
func Defaults() Config {
	return Config{
		NodeName:                  "proxy-01",
		HeartbeatInterval:         30,
		AllowedPorts:              []int{80, 443, 8080, 8443},
		AetherRequestTimeoutSecs:  10,
		AetherConnectTimeoutSecs:  10,
		AetherPoolMaxIdlePerHost:  8,
		AetherPoolIdleTimeoutSecs: 90,
		AetherTCPKeepaliveSecs:    60,
		AetherTCPNoDelay:          true,
		AetherHTTP2:               true,
		AetherRetryMaxAttempts:    3,
		AetherRetryBaseDelayMs:    200,
		AetherRetryMaxDelayMs:     2000,
		DNSCacheTTLSecs:           60,
		DNSCacheCapacity:          1024,
		UpstreamConnectTimeoutSecs:  30,
		UpstreamPoolMaxIdlePerHost:  64,
		UpstreamPoolIdleTimeoutSecs: 300,
		UpstreamTCPKeepaliveSecs:    60,
		UpstreamTCPNoDelay:          true,
		LogLevel:                 "info",
		LogJSON:                  false,
		TunnelReconnectBaseMs:    500,
		TunnelReconnectMaxMs:     30000,
		TunnelPingIntervalSecs:   15,
		TunnelConnectTimeoutSecs: 15,
		TunnelTCPKeepaliveSecs:   30,
		TunnelTCPNoDelay:         true,
		TunnelStaleTimeoutSecs:   45,
		TunnelConnections:        3,
	}
}

// Load reads path (JSON), falling back to defaults for absent fields, then
// applies AETHER_-prefixed environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := json.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EffectiveServers returns the multi-controller list, falling back to the
// single top-level URL/token pair when Servers is empty.
func (c *Config) EffectiveServers() []ServerEntry {
	if len(c.Servers) > 0 {
		return c.Servers
	}
	if c.AetherURL == "" {
		return nil
	}
	return []ServerEntry{{URL: c.AetherURL, Token: c.ManagementToken, Region: c.NodeRegion}}
}

func (c *Config) verify() error {
	if len(c.EffectiveServers()) == 0 {
		return fmt.Errorf("config: no controllers configured")
	}
	for i, s := range c.EffectiveServers() {
		if s.URL == "" {
			return fmt.Errorf("config: server at pos %d missing url", i)
		}
	}
	if len(c.AllowedPorts) == 0 {
		return fmt.Errorf("config: empty allowed_ports")
	}
	if c.HeartbeatInterval == 0 {
		return fmt.Errorf("config: heartbeat_interval must be > 0")
	}
	if c.TunnelConnections <= 0 {
		return fmt.Errorf("config: tunnel_connections must be > 0")
	}
	return nil
}

// envOverride is a single field's environment-variable binding.
type envOverride struct {
	name string
	set  func(*Config, string) error
}

var envOverrides = []envOverride{
	{"AETHER_URL", func(c *Config, v string) error { c.AetherURL = v; return nil }},
	{"AETHER_MANAGEMENT_TOKEN", func(c *Config, v string) error { c.ManagementToken = v; return nil }},
	{"AETHER_PUBLIC_IP", func(c *Config, v string) error { c.PublicIP = v; return nil }},
	{"AETHER_NODE_NAME", func(c *Config, v string) error { c.NodeName = v; return nil }},
	{"AETHER_NODE_REGION", func(c *Config, v string) error { c.NodeRegion = v; return nil }},
	{"AETHER_HEARTBEAT_INTERVAL", uintSetter(func(c *Config, v uint64) { c.HeartbeatInterval = v })},
	{"AETHER_ALLOWED_PORTS", func(c *Config, v string) error {
		ports, err := parseIntList(v)
		if err != nil {
			return err
		}
		c.AllowedPorts = ports
		return nil
	}},
	{"AETHER_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"AETHER_LOG_JSON", boolSetter(func(c *Config, v bool) { c.LogJSON = v })},
	{"AETHER_LOG_PATH", func(c *Config, v string) error { c.LogPath = v; return nil }},
	{"AETHER_DNS_CACHE_TTL_SECS", uintSetter(func(c *Config, v uint64) { c.DNSCacheTTLSecs = v })},
	{"AETHER_DNS_CACHE_CAPACITY", intSetter(func(c *Config, v int) { c.DNSCacheCapacity = v })},
	{"AETHER_TUNNEL_CONNECTIONS", intSetter(func(c *Config, v int) { c.TunnelConnections = v })},
	{"AETHER_TUNNEL_PING_INTERVAL_SECS", uintSetter(func(c *Config, v uint64) { c.TunnelPingIntervalSecs = v })},
}

func applyEnvOverrides(c *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			// A malformed override is ignored and the field keeps its
			// previous value; this pass is best-effort so one malformed var
			// doesn't block startup outright.
			_ = o.set(c, v)
		}
	}
}

func uintSetter(f func(*Config, uint64)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		f(c, n)
		return nil
	}
}

func intSetter(f func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		f(c, n)
		return nil
	}
}

func boolSetter(f func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		f(c, b)
		return nil
	}
}

func parseIntList(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("config: invalid port list %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// AllowedPortSet converts AllowedPorts into the set form dnscache.ValidateTarget expects.
func (c *Config) AllowedPortSet() map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(c.AllowedPorts))
	for _, p := range c.AllowedPorts {
		set[uint16(p)] = struct{}{}
	}
	return set
}
