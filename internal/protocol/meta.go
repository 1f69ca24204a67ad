package protocol

// RequestMeta is the JSON payload of a RequestHeaders frame.
//
// headers is a name→value mapping; duplicate header names from the sender
// collapse to "last wins" when the controller marshals the request — an
// inherited limitation of the wire type, not something this agent can fix
// on receipt.
type RequestMeta struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Timeout uint64            `json:"timeout"`
}

// DefaultRequestTimeoutSecs is applied when RequestMeta.Timeout is zero.
const DefaultRequestTimeoutSecs = 60

// HeaderPair is a single (name, value) entry preserving duplicates and order.
type HeaderPair [2]string

// ResponseMeta is the JSON payload of a ResponseHeaders frame. Headers are an
// ordered sequence of pairs (not a map) so duplicate names such as multiple
// Set-Cookie entries survive the round trip.
type ResponseMeta struct {
	Status  uint16       `json:"status"`
	Headers []HeaderPair `json:"headers"`
}

// ProxyTiming is the JSON object carried as the value of the synthesized
// "x-proxy-timing" response header.
type ProxyTiming struct {
	DNSMs      int64  `json:"dns_ms"`
	TTFBMs     int64  `json:"ttfb_ms"`
	UpstreamMs int64  `json:"upstream_ms"`
	BodySize   int    `json:"body_size"`
	Mode       string `json:"mode"`
}

// HeartbeatData is the outgoing JSON payload of a HeartbeatData control frame.
type HeartbeatData struct {
	NodeID            string   `json:"node_id"`
	ActiveConnections int64    `json:"active_connections"`
	TotalRequests     uint64   `json:"total_requests"`
	AvgLatencyMs      *float64 `json:"avg_latency_ms,omitempty"`
	FailedRequests    uint64   `json:"failed_requests"`
	DNSFailures       uint64   `json:"dns_failures"`
	StreamErrors      uint64   `json:"stream_errors"`
}

// RemoteConfig is the set of DynamicConfig deltas that may be pushed in a
// HeartbeatAck.
type RemoteConfig struct {
	NodeName         *string `json:"node_name,omitempty"`
	AllowedPorts     []int   `json:"allowed_ports,omitempty"`
	LogLevel         *string `json:"log_level,omitempty"`
	HeartbeatInterval *uint64 `json:"heartbeat_interval,omitempty"`
}

// HeartbeatAck is the incoming JSON payload of a HeartbeatAck control frame.
type HeartbeatAck struct {
	RemoteConfig  *RemoteConfig `json:"remote_config,omitempty"`
	ConfigVersion uint64        `json:"config_version"`
}
