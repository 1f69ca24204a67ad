package tunnel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/state"
)

func newTestServerContext(t *testing.T) *state.ServerContext {
	t.Helper()
	cfg := config.Defaults()
	cfg.HeartbeatInterval = 1
	sc := state.NewServerContext(config.ServerEntry{URL: "wss://example.invalid", Token: "tok"}, &cfg, nil)
	sc.SetNodeID("node-123")
	return sc
}

func TestSendHeartbeatEmitsControlFrame(t *testing.T) {
	server := newTestServerContext(t)
	server.Metrics.RecordRequest(int64(2 * time.Millisecond))
	server.Metrics.RecordFailure()

	out := make(chan protocol.Frame, 1)
	sendHeartbeat(context.Background(), out, server, zap.NewNop())

	select {
	case frame := <-out:
		assert.Equal(t, protocol.ControlStreamID, frame.StreamID)
		assert.Equal(t, protocol.MsgHeartbeatData, frame.MsgType)

		var data protocol.HeartbeatData
		require.NoError(t, json.Unmarshal(frame.Payload, &data))
		assert.Equal(t, "node-123", data.NodeID)
		assert.EqualValues(t, 1, data.TotalRequests)
		assert.EqualValues(t, 1, data.FailedRequests)
		require.NotNil(t, data.AvgLatencyMs)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat frame sent")
	}
}

func TestRunHeartbeatTicksAndAppliesAck(t *testing.T) {
	server := newTestServerContext(t)

	out := make(chan protocol.Frame, 4)
	ackCh := make(chan protocol.HeartbeatAck, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runHeartbeat(ctx, out, ackCh, server, zap.NewNop(), nil)

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one heartbeat tick")
	}

	newName := "renamed-node"
	ackCh <- protocol.HeartbeatAck{
		ConfigVersion: 7,
		RemoteConfig:  &protocol.RemoteConfig{NodeName: &newName},
	}

	require.Eventually(t, func() bool {
		return server.DynamicConfig.Load().ConfigVersion == 7
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "renamed-node", server.DynamicConfig.Load().NodeName)
}

func TestRunHeartbeatExitsOnContextCancel(t *testing.T) {
	server := newTestServerContext(t)
	out := make(chan protocol.Frame, 4)
	ackCh := make(chan protocol.HeartbeatAck)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runHeartbeat(ctx, out, ackCh, server, zap.NewNop(), nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runHeartbeat did not exit after cancel")
	}
}
