package tchannel

import (
	"github.com/google/uuid"

	"github.com/gjtrowbridge/tchannel-go/typed"
)

// TracingSize is the fixed width of the tracing block carried on call
// request and response messages (spec §3): span id, parent id, trace id
// (each 8 bytes) plus a one-byte flags field.
const TracingSize = 25

// Tracing identifies a call's place in a distributed trace.
type Tracing struct {
	SpanID   uint64
	ParentID uint64
	TraceID  uint64
	Flags    byte
}

// NewTrace starts a fresh root trace, deriving a 64-bit trace id from a
// random UUID so concurrent callers never collide without needing a
// shared sequence counter.
func NewTrace() Tracing {
	id := uuid.New()
	return Tracing{TraceID: uuid128Low64(id)}
}

// NewChildTrace derives a child span from parent, keeping the same trace id
// so the whole call tree can be correlated by a tracing backend.
func (parent Tracing) NewChildTrace() Tracing {
	child := uuid.New()
	return Tracing{
		SpanID:   uuid128Low64(child),
		ParentID: parent.SpanID,
		TraceID:  parent.TraceID,
		Flags:    parent.Flags,
	}
}

// isZero reports whether t is the unset zero value, so withDefaults can
// tell "caller didn't set a trace" from "caller explicitly set one".
func (t Tracing) isZero() bool {
	return t.SpanID == 0 && t.ParentID == 0 && t.TraceID == 0 && t.Flags == 0
}

func uuid128Low64(id uuid.UUID) uint64 {
	var v uint64
	for _, b := range id[8:] {
		v = v<<8 | uint64(b)
	}
	return v
}

func (t *Tracing) read(r *typed.ReadBuffer) error {
	b, err := r.ReadBytes(TracingSize)
	if err != nil {
		return err
	}

	t.SpanID = beUint64(b[0:8])
	t.ParentID = beUint64(b[8:16])
	t.TraceID = beUint64(b[16:24])
	t.Flags = b[24]
	return nil
}

func (t Tracing) write(w *typed.WriteBuffer) error {
	var b [TracingSize]byte
	putBeUint64(b[0:8], t.SpanID)
	putBeUint64(b[8:16], t.ParentID)
	putBeUint64(b[16:24], t.TraceID)
	b[24] = t.Flags
	return w.WriteBytes(b[:])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
