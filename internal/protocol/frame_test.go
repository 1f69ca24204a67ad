package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		New(7, MsgRequestHeaders, 0, []byte(`{"method":"GET"}`)),
		New(0, MsgPing, 0, nil),
		New(1, MsgResponseBody, FlagEndStream|FlagGzip, bytes.Repeat([]byte("x"), 1024)),
		Control(MsgHeartbeatData, []byte("{}")),
	}
	for _, f := range cases {
		decoded, err := Decode(Encode(f))
		require.NoError(t, err)
		assert.Equal(t, f.StreamID, decoded.StreamID)
		assert.Equal(t, f.MsgType, decoded.MsgType)
		assert.Equal(t, f.Flags, decoded.Flags)
		assert.Equal(t, f.Payload, decoded.Payload)
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeIncomplete(t *testing.T) {
	f := New(1, MsgRequestBody, 0, []byte("hello world"))
	encoded := Encode(f)
	_, err := Decode(encoded[:len(encoded)-3])
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeUnknownMsgType(t *testing.T) {
	f := New(1, 0x7f, 0, nil)
	_, err := Decode(Encode(f))
	require.ErrorIs(t, err, ErrUnknownMsgType)
}

func TestFlagHelpers(t *testing.T) {
	f := New(1, MsgRequestBody, FlagEndStream, nil)
	assert.True(t, f.IsEndStream())
	assert.False(t, f.IsGzip())

	f2 := New(1, MsgRequestBody, FlagGzip, nil)
	assert.False(t, f2.IsEndStream())
	assert.True(t, f2.IsGzip())
}

func TestLargePayloadRoundTrips(t *testing.T) {
	// Decode enforces no ceiling of its own (the spec assigns that to the
	// transport's max-frame/max-message configuration); a payload well
	// beyond a single TCP segment still round-trips cleanly.
	payload := make([]byte, 4*1024*1024)
	f := New(1, MsgRequestBody, 0, payload)
	decoded, err := Decode(Encode(f))
	require.NoError(t, err)
	assert.Len(t, decoded.Payload, len(payload))
}
