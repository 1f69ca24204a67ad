// Package runtime holds the mutable-by-atomic-swap runtime config every
// tunnel connection reads from, and the apply-remote-config logic that
// updates it from heartbeat ACKs.
package runtime

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/logging"
	"github.com/aether-proxy/aether-agent/internal/protocol"
)

// DynamicConfig is an immutable snapshot. Every field a remote ACK can
// change; readers load the current pointer once per operation and never
// hold it across I/O, per the atomic-swap-of-the-whole-value rule.
type DynamicConfig struct {
	NodeName          string
	AllowedPorts      map[uint16]struct{}
	LogLevel          string
	HeartbeatInterval uint64
	ConfigVersion     uint64
}

// Holder is the atomic.Pointer-backed cell shared by a ServerContext's
// tunnel connections.
type Holder struct {
	ptr atomic.Pointer[DynamicConfig]
}

// NewHolder seeds the holder from static config, version 0.
func NewHolder(cfg *config.Config) *Holder {
	h := &Holder{}
	h.ptr.Store(&DynamicConfig{
		NodeName:          cfg.NodeName,
		AllowedPorts:      cfg.AllowedPortSet(),
		LogLevel:          cfg.LogLevel,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConfigVersion:     0,
	})
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *DynamicConfig {
	return h.ptr.Load()
}

// ApplyRemoteConfig applies a heartbeat ACK's delta if its version strictly
// exceeds the current one; otherwise it's a no-op and the holder stays
// bit-identical. atomicLevel, if non-nil, is hot-reloaded on a log_level
// change so the logger reflects it without a restart.
func ApplyRemoteConfig(h *Holder, ack protocol.HeartbeatAck, logger *zap.Logger, atomicLevel *zap.AtomicLevel) {
	current := h.Load()
	if ack.ConfigVersion <= current.ConfigVersion {
		return
	}

	next := *current
	next.ConfigVersion = ack.ConfigVersion

	if ack.RemoteConfig != nil {
		rc := ack.RemoteConfig
		if rc.NodeName != nil {
			next.NodeName = *rc.NodeName
		}
		if rc.AllowedPorts != nil {
			set := make(map[uint16]struct{}, len(rc.AllowedPorts))
			for _, p := range rc.AllowedPorts {
				set[uint16(p)] = struct{}{}
			}
			next.AllowedPorts = set
		}
		if rc.LogLevel != nil {
			next.LogLevel = *rc.LogLevel
			if atomicLevel != nil {
				logging.SetLevel(*atomicLevel, *rc.LogLevel)
			}
		}
		if rc.HeartbeatInterval != nil {
			next.HeartbeatInterval = *rc.HeartbeatInterval
		}
	}

	h.ptr.Store(&next)
	if logger != nil {
		logger.Info("applied remote config",
			zap.Uint64("config_version", next.ConfigVersion))
	}
}
