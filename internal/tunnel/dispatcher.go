package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/protocol"
	"github.com/aether-proxy/aether-agent/internal/state"
)

// streamBodyChannelCapacity bounds the per-stream dispatcher→handler body
// queue (§5).
const streamBodyChannelCapacity = 64

// handlePruneInterval is the number of frames read after which the read loop
// resets its sweep counter. Handler goroutines are tracked by a
// sync.WaitGroup and leave it on their own, so no list of handlers is kept or
// pruned.
const handlePruneInterval = 64

// handlerDrainTimeout bounds how long the dispatcher waits for in-flight
// stream handlers to finish once its read loop exits.
const handlerDrainTimeout = 30 * time.Second

type streamEntry struct {
	bodyCh chan protocol.Frame
}

// dispatcher owns the WebSocket read half and the live-stream map for one
// tunnel session (§4.7). It must not be shared across sessions.
type dispatcher struct {
	conn        *websocket.Conn
	out         chan<- protocol.Frame
	ackCh       chan<- protocol.HeartbeatAck
	client      *http.Client
	resolver    dnscache.Resolver
	cache       *dnscache.Cache
	server      *state.ServerContext
	logger      *zap.Logger
	maxStreams  int
	staleTimeout time.Duration

	mu      sync.Mutex
	streams map[uint32]streamEntry
	done    chan struct{}
}

func newDispatcher(conn *websocket.Conn, out chan<- protocol.Frame, ackCh chan<- protocol.HeartbeatAck,
	client *http.Client, resolver dnscache.Resolver, cache *dnscache.Cache,
	server *state.ServerContext, logger *zap.Logger, maxStreams int, staleTimeout time.Duration) *dispatcher {
	return &dispatcher{
		conn:         conn,
		out:          out,
		ackCh:        ackCh,
		client:       client,
		resolver:     resolver,
		cache:        cache,
		server:       server,
		logger:       logger,
		maxStreams:   maxStreams,
		staleTimeout: staleTimeout,
		streams:      make(map[uint32]streamEntry),
		done:         make(chan struct{}),
	}
}

// run drives the read loop until the connection dies, GoAway is received, or
// ctx is cancelled. It always returns after clearing the stream map and
// waiting (bounded) for in-flight handlers.
func (d *dispatcher) run(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		d.mu.Lock()
		for _, entry := range d.streams {
			close(entry.bodyCh)
		}
		d.streams = make(map[uint32]streamEntry)
		d.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(handlerDrainTimeout):
			d.logger.Warn("dispatcher: handler drain timed out")
		}
		close(d.done)
	}()

	framesSinceSweep := 0

	for {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.staleTimeout)); err != nil {
			d.logger.Warn("dispatcher: set read deadline failed", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			d.logger.Debug("dispatcher: read loop ending", zap.Error(err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			d.logger.Warn("dispatcher: malformed frame discarded", zap.Error(err))
			continue
		}

		if d.handleFrame(ctx, frame, &wg) == goAwayReceived {
			return
		}

		framesSinceSweep++
		d.mu.Lock()
		streamCount := len(d.streams)
		d.mu.Unlock()
		if framesSinceSweep >= handlePruneInterval || streamCount > d.maxStreams {
			framesSinceSweep = 0
		}
	}
}

type dispatchOutcome int

const (
	continueLoop dispatchOutcome = iota
	goAwayReceived
)

func (d *dispatcher) handleFrame(ctx context.Context, frame protocol.Frame, wg *sync.WaitGroup) dispatchOutcome {
	switch frame.MsgType {
	case protocol.MsgRequestHeaders:
		d.handleRequestHeaders(ctx, frame, wg)
	case protocol.MsgRequestBody:
		d.handleRequestBody(ctx, frame)
	case protocol.MsgStreamEnd, protocol.MsgStreamError:
		d.dropStream(frame.StreamID)
	case protocol.MsgPing:
		d.tryWrite(protocol.New(frame.StreamID, protocol.MsgPong, 0, nil))
	case protocol.MsgHeartbeatAck:
		d.forwardHeartbeatAck(frame)
	case protocol.MsgGoAway:
		return goAwayReceived
	default:
		d.logger.Debug("dispatcher: ignoring frame", zap.Uint8("msg_type", frame.MsgType))
	}
	return continueLoop
}

func (d *dispatcher) handleRequestHeaders(ctx context.Context, frame protocol.Frame, wg *sync.WaitGroup) {
	payload, err := protocol.DecompressIfGzip(frame)
	if err != nil {
		d.logger.Warn("dispatcher: failed to decompress RequestHeaders", zap.Error(err))
		return
	}
	var meta protocol.RequestMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		d.logger.Warn("dispatcher: malformed RequestMeta discarded", zap.Error(err))
		return
	}

	d.mu.Lock()
	if len(d.streams) >= d.maxStreams {
		d.mu.Unlock()
		d.tryWrite(protocol.New(frame.StreamID, protocol.MsgStreamError, protocol.FlagEndStream,
			[]byte("max concurrent streams reached")))
		return
	}
	bodyCh := make(chan protocol.Frame, streamBodyChannelCapacity)
	d.streams[frame.StreamID] = streamEntry{bodyCh: bodyCh}
	d.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		handleStream(ctx, frame.StreamID, meta, bodyCh, d.out, d.client, d.resolver, d.cache, d.server, d.logger)
	}()
}

// handleRequestBody forwards a body frame into its stream's channel. This is
// a blocking send: a slow handler applies real backpressure to the read loop
// rather than having frames silently dropped (§5, §9 — the only try-sends on
// this path are Pong and stream-cap rejections).
func (d *dispatcher) handleRequestBody(ctx context.Context, frame protocol.Frame) {
	d.mu.Lock()
	entry, ok := d.streams[frame.StreamID]
	if ok && frame.IsEndStream() {
		delete(d.streams, frame.StreamID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.bodyCh <- frame:
	case <-ctx.Done():
	}
}

func (d *dispatcher) dropStream(streamID uint32) {
	d.mu.Lock()
	entry, ok := d.streams[streamID]
	if ok {
		delete(d.streams, streamID)
	}
	d.mu.Unlock()
	if ok {
		close(entry.bodyCh)
	}
}

func (d *dispatcher) forwardHeartbeatAck(frame protocol.Frame) {
	var ack protocol.HeartbeatAck
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		d.logger.Warn("dispatcher: malformed HeartbeatAck discarded", zap.Error(err))
		return
	}
	select {
	case d.ackCh <- ack:
	default:
	}
}

// tryWrite is the non-blocking try-send used for Pong and stream-cap errors
// (§4.7, §5): they're dropped rather than allowed to stall the read loop.
func (d *dispatcher) tryWrite(frame protocol.Frame) {
	select {
	case d.out <- frame:
	default:
		d.logger.Debug("dispatcher: writer channel full, dropping frame", zap.Uint8("msg_type", frame.MsgType))
	}
}
