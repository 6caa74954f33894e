package tchannel

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutChannel collects fragments in memory instead of sending them over
// a Connection, so multiPartWriter can be exercised without a real socket.
type fakeOutChannel struct {
	frames   []*Frame
	started  bool
	checksum Checksum
}

func (c *fakeOutChannel) beginFragment() (*outFragment, error) {
	if c.checksum == nil {
		c.checksum = ChecksumTypeCrc32.New()
	}

	frame := DefaultFramePool.Get()
	var msg Message
	if !c.started {
		c.started = true
		msg = &CallReq{id: 1, Service: "svc"}
	} else {
		msg = &CallReqContinue{id: 1}
	}
	return newOutboundFragment(frame, msg, c.checksum)
}

func (c *fakeOutChannel) flushFragment(f *outFragment, last bool) error {
	c.frames = append(c.frames, f.finish(last))
	return nil
}

// fakeInChannel replays fragments collected by a fakeOutChannel back through
// newInboundFragment, the way InboundCall.waitForFragment does: it caches
// the current fragment across multiPartReader instances (one per argument)
// so chunks belonging to a later argument, but already sitting in an
// already-fetched fragment, aren't lost.
type fakeInChannel struct {
	frames   []*Frame
	idx      int
	current  *inFragment
	checksum Checksum
}

func (c *fakeInChannel) waitForFragment() (*inFragment, error) {
	if c.current != nil && c.current.hasMoreChunks() {
		return c.current, nil
	}

	if c.idx >= len(c.frames) {
		return nil, io.EOF
	}
	frame := c.frames[c.idx]

	var msg Message
	if c.idx == 0 {
		msg = &CallReq{}
	} else {
		msg = &CallReqContinue{}
	}
	c.idx++

	f, err := newInboundFragment(frame, msg, c.checksum)
	if err != nil {
		return nil, err
	}
	c.checksum = f.checksum
	c.current = f
	return f, nil
}

func TestFragmentationSmallArgRoundTrip(t *testing.T) {
	out := &fakeOutChannel{}
	w := newMultiPartWriter(out)

	require.NoError(t, w.WritePart(BytesOutput("svc"), false))
	require.NoError(t, w.WritePart(BytesOutput("hello"), true))

	in := &fakeInChannel{frames: out.frames}
	r := newMultiPartReader(in, false)
	var arg1 []byte
	require.NoError(t, r.ReadPart(NewBytesInput(&arg1), false))
	assert.Equal(t, "svc", string(arg1))

	r2 := newMultiPartReader(in, true)
	var arg2 []byte
	require.NoError(t, r2.ReadPart(NewBytesInput(&arg2), true))
	assert.Equal(t, "hello", string(arg2))
}

func TestFragmentationLargeArgSpansMultipleFrames(t *testing.T) {
	out := &fakeOutChannel{}
	w := newMultiPartWriter(out)

	payload := bytes.Repeat([]byte("x"), 200*1024)

	require.NoError(t, w.WritePart(BytesOutput("svc"), false))
	require.NoError(t, w.WritePart(BytesOutput(payload), true))

	assert.GreaterOrEqual(t, len(out.frames), 4, "a 200KiB argument must span several 64KiB frames")

	in := &fakeInChannel{frames: out.frames}
	r := newMultiPartReader(in, false)
	var arg1 []byte
	require.NoError(t, r.ReadPart(NewBytesInput(&arg1), false))
	assert.Equal(t, "svc", string(arg1))

	r2 := newMultiPartReader(in, true)
	var arg2 []byte
	require.NoError(t, r2.ReadPart(NewBytesInput(&arg2), true))
	assert.Equal(t, payload, arg2)
}

func TestFragmentationChecksumMismatchDetected(t *testing.T) {
	out := &fakeOutChannel{}
	w := newMultiPartWriter(out)
	require.NoError(t, w.WritePart(BytesOutput("svc"), false))
	require.NoError(t, w.WritePart(BytesOutput("hello"), true))

	// Corrupt the last byte of chunk content (the tail of "hello") so the
	// recomputed checksum no longer matches what was declared on the wire.
	last := out.frames[len(out.frames)-1]
	lastContentByte := int(last.Header.Size) - FrameHeaderSize - 1
	last.Payload[lastContentByte] ^= 0xFF

	// Both "svc" and "hello" land in the same single frame, so the checksum
	// (computed over the whole frame's chunks) is validated as soon as that
	// frame is first parsed, on the very first read.
	in := &fakeInChannel{frames: out.frames}
	r := newMultiPartReader(in, false)
	var arg1 []byte
	err := r.ReadPart(NewBytesInput(&arg1), false)
	assert.ErrorIs(t, err, ErrMismatchedChecksum)
}
