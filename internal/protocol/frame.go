// Package protocol implements the binary multiplex frame protocol carried
// over the WebSocket tunnel: a 10-byte header plus length-prefixed payload.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 10

// MaxFrameSize is the wire-level ceiling for one frame (header + payload).
// The transport must configure WebSocket max-frame/max-message sizes to at
// least this to accommodate large multi-part payloads.
const MaxFrameSize = 64 * 1024 * 1024

// Message types.
const (
	MsgRequestHeaders  byte = 0x01
	MsgRequestBody     byte = 0x02
	MsgResponseHeaders byte = 0x03
	MsgResponseBody    byte = 0x04
	MsgStreamEnd       byte = 0x05
	MsgStreamError     byte = 0x06
	MsgPing            byte = 0x10
	MsgPong            byte = 0x11
	MsgGoAway          byte = 0x12
	MsgHeartbeatData   byte = 0x13
	MsgHeartbeatAck    byte = 0x14
)

// Frame flags.
const (
	FlagEndStream byte = 0x01
	FlagGzip      byte = 0x02
)

// ControlStreamID is the reserved stream id for control frames.
const ControlStreamID uint32 = 0

// Frame is a single unit of tunnel traffic. Immutable after construction.
type Frame struct {
	StreamID uint32
	MsgType  byte
	Flags    byte
	Payload  []byte
}

// New builds a frame for the given stream.
func New(streamID uint32, msgType byte, flags byte, payload []byte) Frame {
	return Frame{StreamID: streamID, MsgType: msgType, Flags: flags, Payload: payload}
}

// Control builds a stream_id=0 control frame.
func Control(msgType byte, payload []byte) Frame {
	return New(ControlStreamID, msgType, 0, payload)
}

// IsEndStream reports whether the END_STREAM flag is set.
func (f Frame) IsEndStream() bool { return f.Flags&FlagEndStream != 0 }

// IsGzip reports whether the GZIP_COMPRESSED flag is set.
func (f Frame) IsGzip() bool { return f.Flags&FlagGzip != 0 }

func isKnownMsgType(t byte) bool {
	switch t {
	case MsgRequestHeaders, MsgRequestBody, MsgResponseHeaders, MsgResponseBody,
		MsgStreamEnd, MsgStreamError, MsgPing, MsgPong, MsgGoAway,
		MsgHeartbeatData, MsgHeartbeatAck:
		return true
	default:
		return false
	}
}

// Protocol-level decode errors.
var (
	ErrTooShort       = fmt.Errorf("frame: header too short")
	ErrIncomplete     = fmt.Errorf("frame: payload incomplete")
	ErrUnknownMsgType = fmt.Errorf("frame: unknown message type")
)

// Encode serializes a frame into its wire representation.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = f.MsgType
	buf[5] = f.Flags
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a frame from its wire representation.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrTooShort, HeaderSize, len(data))
	}
	streamID := binary.BigEndian.Uint32(data[0:4])
	msgType := data[4]
	flags := data[5]
	payloadLen := binary.BigEndian.Uint32(data[6:10])

	remaining := data[HeaderSize:]
	if uint32(len(remaining)) < payloadLen {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrIncomplete, HeaderSize+int(payloadLen), HeaderSize+len(remaining))
	}
	if !isKnownMsgType(msgType) {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMsgType, msgType)
	}

	payload := make([]byte, payloadLen)
	copy(payload, remaining[:payloadLen])

	return Frame{
		StreamID: streamID,
		MsgType:  msgType,
		Flags:    flags,
		Payload:  payload,
	}, nil
}
