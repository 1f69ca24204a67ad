package tunnel

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/protocol"
)

// writerChannelCapacity bounds the outgoing frame queue (§5).
const writerChannelCapacity = 256

// writerWriteDeadline bounds a single WebSocket write.
const writerWriteDeadline = 10 * time.Second

// writerSendTimeout bounds how long the heartbeat waits to hand a frame to
// the writer's channel before giving up on that tick rather than blocking
// indefinitely. Stream handlers use streamSendTimeout instead.
const writerSendTimeout = 5 * time.Second

// runWriter owns the WebSocket sink for the lifetime of one session. It
// drains frames from out, encodes and sends each as a binary message, pings
// on pingInterval regardless of traffic, and exits when out is closed (all
// senders dropped) or on any send error. Exit is observed by the session as
// a reconnect trigger.
func runWriter(conn *websocket.Conn, out <-chan protocol.Frame, pingInterval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-out:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writerWriteDeadline))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := writeFrame(conn, frame); err != nil {
				logger.Warn("writer: send failed, closing session", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writerWriteDeadline)); err != nil {
				logger.Warn("writer: ping deadline failed", zap.Error(err))
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("writer: ping failed, closing session", zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writerWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame))
}
