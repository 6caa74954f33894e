package tchannel

import (
	"bytes"
	"encoding/json"
)

// transportHeaderArgScheme is the reserved call-header key real TChannel
// implementations use to carry the arg scheme name end to end (mirrored
// here from CallOptions.Format by withDefaults), so a peer's dispatcher can
// resolve the same scheme the caller encoded with without an out-of-band
// handshake.
const transportHeaderArgScheme = "as"

// schemeForFormat resolves the ArgScheme a Format names, defaulting to
// RawScheme for an unrecognized or empty format rather than failing the
// call outright (spec §6.3: "additional schemes plug in without core
// changes" — an unknown name degrades to raw instead of erroring).
func schemeForFormat(f Format) ArgScheme {
	switch f {
	case FormatJSON:
		return JSONScheme{}
	default:
		return RawScheme{}
	}
}

// schemeForHeaders resolves the ArgScheme named by a call's transport
// headers, the inbound-side counterpart of schemeForFormat.
func schemeForHeaders(h CallHeaders) ArgScheme {
	return schemeForFormat(Format(h[transportHeaderArgScheme]))
}

// ArgScheme is the pluggable arg2/arg3 serializer named by a call's Format
// (spec §9: "the wire format carries an opaque scheme identifier; this
// module defines the capability interface only, not a Thrift IDL loader").
// A scheme also owns translating a handler-returned Go error into either an
// application error response or a system error frame, mirroring the
// raise_error/fail distinction in the Python client's
// tchannel/schemes/json.py.
type ArgScheme interface {
	// Name returns the scheme identifier, the same value carried in the
	// "as" transport header (e.g. "json").
	Name() string

	// Encode serializes v into an Output suitable for WriteArg2/WriteArg3.
	Encode(v interface{}) (Output, error)

	// Decode decodes raw bytes produced by the peer's Encode into v.
	Decode(raw []byte, v interface{}) error

	// WrapError decides whether err should be sent as an application
	// error (returns ok=true, and the body to send) or left for the
	// caller to translate into a system error (ok=false).
	WrapError(err error) (body []byte, ok bool)
}

// RawScheme performs no interpretation of arg2/arg3: callers hand it exact
// bytes and get exact bytes back (spec §4.7's default transport behavior).
type RawScheme struct{}

func (RawScheme) Name() string { return string(FormatRaw) }

func (RawScheme) Encode(v interface{}) (Output, error) {
	switch b := v.(type) {
	case []byte:
		return BytesOutput(b), nil
	case Output:
		return b, nil
	default:
		return nil, ErrValueExpected
	}
}

func (RawScheme) Decode(raw []byte, v interface{}) error {
	switch p := v.(type) {
	case *[]byte:
		*p = raw
		return nil
	default:
		return ErrValueExpected
	}
}

func (RawScheme) WrapError(err error) ([]byte, bool) {
	return nil, false
}

// JSONScheme serializes arg2/arg3 as JSON documents, matching
// tchannel/schemes/json.py's JsonArgScheme.
type JSONScheme struct{}

func (JSONScheme) Name() string { return string(FormatJSON) }

func (JSONScheme) Encode(v interface{}) (Output, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return BytesOutput(buf.Bytes()), nil
}

func (JSONScheme) Decode(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// applicationError is returned by a handler to signal an application-level
// failure that should still be reported as a successful TChannel call
// (ResponseCode=0x01) carrying a JSON-encoded error body, rather than
// aborting the call with a protocol-level error frame.
type applicationError struct {
	Body []byte
}

func (e *applicationError) Error() string { return string(e.Body) }

// NewApplicationError wraps body as an application-level error for a
// handler to return from Handle.
func NewApplicationError(body []byte) error {
	return &applicationError{Body: body}
}

func (JSONScheme) WrapError(err error) ([]byte, bool) {
	if ae, ok := err.(*applicationError); ok {
		return ae.Body, true
	}
	return nil, false
}
