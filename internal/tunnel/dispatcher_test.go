package tunnel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/state"
)

type stubResolver struct{}

func (stubResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return nil, assert.AnError
}

func newTestDispatcher(t *testing.T) (*dispatcher, chan protocol.Frame, chan protocol.HeartbeatAck) {
	t.Helper()
	cfg := config.Defaults()
	sc := state.NewServerContext(config.ServerEntry{URL: "https://example.invalid"}, &cfg, &http.Client{})

	out := make(chan protocol.Frame, 16)
	ackCh := make(chan protocol.HeartbeatAck, 1)
	d := newDispatcher(nil, out, ackCh, sc.UpstreamClient, stubResolver{}, nil, sc, zap.NewNop(), 2, time.Second)
	return d, out, ackCh
}

func TestHandleFrameRoutesPingToPong(t *testing.T) {
	d, out, _ := newTestDispatcher(t)
	var wg sync.WaitGroup

	outcome := d.handleFrame(context.Background(), protocol.New(7, protocol.MsgPing, 0, nil), &wg)
	assert.Equal(t, continueLoop, outcome)

	select {
	case frame := <-out:
		assert.Equal(t, protocol.MsgPong, frame.MsgType)
		assert.EqualValues(t, 7, frame.StreamID)
	default:
		t.Fatal("expected a Pong frame")
	}
}

func TestHandleFrameGoAwayStopsLoop(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var wg sync.WaitGroup
	outcome := d.handleFrame(context.Background(), protocol.Control(protocol.MsgGoAway, nil), &wg)
	assert.Equal(t, goAwayReceived, outcome)
}

func TestHandleFrameForwardsHeartbeatAck(t *testing.T) {
	d, _, ackCh := newTestDispatcher(t)
	var wg sync.WaitGroup

	payload, _ := json.Marshal(protocol.HeartbeatAck{ConfigVersion: 3})
	outcome := d.handleFrame(context.Background(), protocol.Control(protocol.MsgHeartbeatAck, payload), &wg)
	assert.Equal(t, continueLoop, outcome)

	select {
	case ack := <-ackCh:
		assert.EqualValues(t, 3, ack.ConfigVersion)
	case <-time.After(time.Second):
		t.Fatal("ack not forwarded")
	}
}

func TestHandleRequestHeadersRejectsAtStreamCap(t *testing.T) {
	d, out, _ := newTestDispatcher(t)
	d.maxStreams = 0 // force immediate rejection

	meta := protocol.RequestMeta{Method: "GET", URL: "https://example.com/"}
	payload, _ := json.Marshal(meta)

	var wg sync.WaitGroup
	d.handleRequestHeaders(context.Background(), protocol.Control(protocol.MsgRequestHeaders, payload), &wg)

	select {
	case frame := <-out:
		assert.Equal(t, protocol.MsgStreamError, frame.MsgType)
		assert.Contains(t, string(frame.Payload), "max concurrent streams")
	case <-time.After(time.Second):
		t.Fatal("expected a StreamError frame")
	}
}

func TestHandleRequestBodyForwardsAndRemovesOnEndStream(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	bodyCh := make(chan protocol.Frame, 4)
	d.streams[9] = streamEntry{bodyCh: bodyCh}

	d.handleRequestBody(context.Background(), protocol.New(9, protocol.MsgRequestBody, protocol.FlagEndStream, []byte("x")))

	d.mu.Lock()
	_, stillPresent := d.streams[9]
	d.mu.Unlock()
	assert.False(t, stillPresent)

	select {
	case frame := <-bodyCh:
		assert.Equal(t, "x", string(frame.Payload))
	default:
		t.Fatal("expected the body frame to be forwarded")
	}
}

func TestHandleRequestBodyBlocksUntilContextCancelledWhenChannelFull(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	bodyCh := make(chan protocol.Frame) // unbuffered: forces the send to block
	d.streams[5] = streamEntry{bodyCh: bodyCh}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.handleRequestBody(ctx, protocol.New(5, protocol.MsgRequestBody, 0, []byte("x")))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("handleRequestBody returned before the channel accepted the frame or ctx was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleRequestBody did not return after ctx cancellation")
	}
}

func TestDropStreamClosesBodyChannel(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	bodyCh := make(chan protocol.Frame, 1)
	d.streams[4] = streamEntry{bodyCh: bodyCh}

	d.dropStream(4)

	_, ok := <-bodyCh
	assert.False(t, ok, "body channel should be closed")
}

func TestTryWriteDropsWhenChannelFull(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.out = make(chan protocol.Frame) // unbuffered: always "full" without a reader

	require.NotPanics(t, func() {
		d.tryWrite(protocol.New(1, protocol.MsgPong, 0, nil))
	})
}
