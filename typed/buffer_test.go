package typed

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	w := NewWriteBuffer(buf)

	require.NoError(t, w.WriteByte(0x42))
	require.NoError(t, w.WriteUint16(1234))
	require.NoError(t, w.WriteUint32(5678))
	require.NoError(t, w.WriteString("hello", 1))
	require.NoError(t, w.WriteString("tchannel", 2))

	r := NewReadBuffer(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(5678), u32)

	s1, err := r.ReadString(1)
	require.NoError(t, err)
	assert.Equal(t, "hello", s1)

	s2, err := r.ReadString(2)
	require.NoError(t, err)
	assert.Equal(t, "tchannel", s2)

	assert.Zero(t, r.BytesRemaining())
}

func TestWriteBufferFull(t *testing.T) {
	w := NewWriteBuffer(make([]byte, 1))
	require.NoError(t, w.WriteByte(1))
	assert.ErrorIs(t, w.WriteByte(2), ErrBufferFull)
}

func TestReadBufferEOF(t *testing.T) {
	r := NewReadBuffer(nil)
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, ErrEOF)
}

func TestFillFrom(t *testing.T) {
	src := bytes.NewReader([]byte{1, 2, 3, 4})
	r := NewReadBufferWithSize(4)
	n, err := r.FillFrom(src, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, r.BytesRemaining())
}
