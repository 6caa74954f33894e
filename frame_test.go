package tchannel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	pool := DefaultFramePool
	frame := pool.Get()
	frame.Header.Id = 7
	frame.Header.Type = MessageTypeCallReq
	frame.Header.Size = FrameHeaderSize + 3
	copy(frame.Payload[:3], []byte{1, 2, 3})

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, frame))

	got, err := ReadFrame(&buf, pool)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Header.Id)
	assert.Equal(t, MessageTypeCallReq, got.Header.Type)
	assert.Equal(t, uint16(FrameHeaderSize+3), got.Header.Size)
	assert.Equal(t, []byte{1, 2, 3}, got.SizedPayload())
}

func TestReadFrameRejectsUndersizedFrame(t *testing.T) {
	var buf bytes.Buffer
	// size field below FrameHeaderSize is a protocol violation (spec §4.1).
	buf.Write([]byte{0, 4, byte(MessageTypeCallReq), 0, 0, 0, 0, 1})
	buf.Write(make([]byte, 8))

	_, err := ReadFrame(&buf, DefaultFramePool)
	require.Error(t, err)
	var pe ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Fatal)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "CallReq", MessageTypeCallReq.String())
	assert.Contains(t, MessageType(0x77).String(), "0x77")
}
