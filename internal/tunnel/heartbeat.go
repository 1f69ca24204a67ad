package tunnel

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/runtime"
	"github.com/aether-proxy/aether-agent/internal/state"
)

// runHeartbeat sends a HeartbeatData control frame on every tick, reading
// the interval afresh from DynamicConfig each cycle so a remote update takes
// effect without reconnecting. ackCh delivers HeartbeatAck payloads decoded
// by the dispatcher. Only the pool's connection index 0 runs it; other
// connections never start it, so the ACKs their dispatcher forwards are
// dropped once ackCh's buffer is full (see session.go).
func runHeartbeat(ctx context.Context, out chan<- protocol.Frame, ackCh <-chan protocol.HeartbeatAck,
	server *state.ServerContext, logger *zap.Logger, atomicLevel *zap.AtomicLevel) {

	for {
		interval := time.Duration(server.DynamicConfig.Load().HeartbeatInterval) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			sendHeartbeat(ctx, out, server, logger)
		case ack := <-ackCh:
			runtime.ApplyRemoteConfig(server.DynamicConfig, ack, logger, atomicLevel)
		}
	}
}

func sendHeartbeat(ctx context.Context, out chan<- protocol.Frame, server *state.ServerContext, logger *zap.Logger) {
	snap := server.Metrics.Swap()

	data := protocol.HeartbeatData{
		NodeID:            server.NodeID(),
		ActiveConnections: server.LoadActiveConnections(),
		TotalRequests:     snap.TotalRequests,
		AvgLatencyMs:      snap.AvgLatencyMs,
		FailedRequests:    snap.FailedRequests,
		DNSFailures:       snap.DNSFailures,
		StreamErrors:      snap.StreamErrors,
	}
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Error("heartbeat: encode failed", zap.Error(err))
		return
	}
	frame := protocol.Control(protocol.MsgHeartbeatData, payload)

	select {
	case out <- frame:
	case <-ctx.Done():
	case <-time.After(writerSendTimeout):
		logger.Warn("heartbeat: writer channel full, dropping tick")
	}
}
