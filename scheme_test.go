package tchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawSchemeEncodeDecodeRoundTrip(t *testing.T) {
	s := RawScheme{}

	out, err := s.Encode([]byte("hello"))
	require.NoError(t, err)

	var buf []byte
	require.NoError(t, out.WriteTo(sliceWriter{&buf}))

	var got []byte
	require.NoError(t, s.Decode(buf, &got))
	assert.Equal(t, "hello", string(got))
}

func TestRawSchemeRejectsNonBytes(t *testing.T) {
	s := RawScheme{}
	_, err := s.Encode(42)
	assert.Equal(t, ErrValueExpected, err)

	var v int
	assert.Equal(t, ErrValueExpected, s.Decode([]byte("x"), &v))
}

func TestRawSchemeNeverWrapsErrors(t *testing.T) {
	_, ok := RawScheme{}.WrapError(NewApplicationError([]byte("boom")))
	assert.False(t, ok)
}

type schemeTestPayload struct {
	Greeting string `json:"greeting"`
}

func TestJSONSchemeEncodeDecodeRoundTrip(t *testing.T) {
	s := JSONScheme{}

	out, err := s.Encode(schemeTestPayload{Greeting: "hi"})
	require.NoError(t, err)

	var buf []byte
	require.NoError(t, out.WriteTo(sliceWriter{&buf}))

	var got schemeTestPayload
	require.NoError(t, s.Decode(buf, &got))
	assert.Equal(t, "hi", got.Greeting)
}

func TestJSONSchemeWrapsApplicationError(t *testing.T) {
	s := JSONScheme{}

	body, ok := s.WrapError(NewApplicationError([]byte(`{"reason":"bad"}`)))
	require.True(t, ok)
	assert.Equal(t, `{"reason":"bad"}`, string(body))

	_, ok = s.WrapError(ErrTimeout)
	assert.False(t, ok)
}

func TestSchemeForFormatAndHeaders(t *testing.T) {
	assert.Equal(t, RawScheme{}, schemeForFormat(FormatRaw))
	assert.Equal(t, RawScheme{}, schemeForFormat(""))
	assert.Equal(t, JSONScheme{}, schemeForFormat(FormatJSON))

	h := CallHeaders{transportHeaderArgScheme: string(FormatJSON)}
	assert.Equal(t, JSONScheme{}, schemeForHeaders(h))

	assert.Equal(t, RawScheme{}, schemeForHeaders(CallHeaders{}))
}

// sliceWriter adapts a *[]byte into an io.Writer for exercising Output.WriteTo
// without pulling in a full frame/buffer to test scheme encoding alone.
type sliceWriter struct {
	buf *[]byte
}

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
