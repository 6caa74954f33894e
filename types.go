package tchannel

import (
	"time"

	"github.com/gjtrowbridge/tchannel-go/typed"
)

// Message is anything that can be framed as a TChannel wire message: it
// knows its own id and MessageType and can read/write its type-specific
// header. Argument bodies (arg1/arg2/arg3) are never part of a Message's
// own read/write — they are carried separately by the fragment/chunk
// machinery in fragmentation.go, the same split the teacher's
// newOutboundFragment/newInboundFragment rely on.
type Message interface {
	Id() uint32
	Type() MessageType

	read(r *typed.ReadBuffer) error
	write(w *typed.WriteBuffer) error
}

// initMessage is embedded by InitReq/InitRes to supply the common Id().
type initMessage struct {
	id uint32
}

func (m initMessage) Id() uint32 { return m.id }

// InitParams carries the handshake's free-form key/value parameters.
type InitParams map[string]string

const (
	InitParamHostPort    = "host_port"
	InitParamProcessName = "process_name"
)

func (p InitParams) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(uint16(len(p))); err != nil {
		return err
	}
	for k, v := range p {
		if err := w.WriteString(k, 2); err != nil {
			return err
		}
		if err := w.WriteString(v, 2); err != nil {
			return err
		}
	}
	return nil
}

func readInitParams(r *typed.ReadBuffer) (InitParams, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}

	params := make(InitParams, n)
	for i := 0; i < int(n); i++ {
		k, err := r.ReadString(2)
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString(2)
		if err != nil {
			return nil, err
		}
		params[k] = v
	}
	return params, nil
}

// InitReq is the handshake message an initiator sends first (spec §4.2).
type InitReq struct {
	initMessage
	Version    uint16
	InitParams InitParams
}

func (m InitReq) Type() MessageType { return MessageTypeInitReq }

func (m *InitReq) read(r *typed.ReadBuffer) error {
	v, err := r.ReadUint16()
	if err != nil {
		return err
	}
	params, err := readInitParams(r)
	if err != nil {
		return err
	}
	m.Version = v
	m.InitParams = params
	return nil
}

func (m *InitReq) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(m.Version); err != nil {
		return err
	}
	return m.InitParams.write(w)
}

// InitRes is the handshake reply, echoing the InitReq's message id.
type InitRes struct {
	initMessage
	Version    uint16
	InitParams InitParams
}

func (m InitRes) Type() MessageType { return MessageTypeInitRes }

func (m *InitRes) read(r *typed.ReadBuffer) error {
	v, err := r.ReadUint16()
	if err != nil {
		return err
	}
	params, err := readInitParams(r)
	if err != nil {
		return err
	}
	m.Version = v
	m.InitParams = params
	return nil
}

func (m *InitRes) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(m.Version); err != nil {
		return err
	}
	return m.InitParams.write(w)
}

// CallHeaders are the application headers carried alongside a call (nh +
// (str,str) pairs in spec §3, 1-byte length prefixes per entry).
type CallHeaders map[string]string

func (h CallHeaders) write(w *typed.WriteBuffer) error {
	if err := w.WriteByte(byte(len(h))); err != nil {
		return err
	}
	for k, v := range h {
		if err := w.WriteString(k, 1); err != nil {
			return err
		}
		if err := w.WriteString(v, 1); err != nil {
			return err
		}
	}
	return nil
}

func readCallHeaders(r *typed.ReadBuffer) (CallHeaders, error) {
	nh, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	headers := make(CallHeaders, nh)
	for i := 0; i < int(nh); i++ {
		k, err := r.ReadString(1)
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString(1)
		if err != nil {
			return nil, err
		}
		headers[k] = v
	}
	return headers, nil
}

// MaxServiceNameSize bounds the call request service name (spec §3).
const MaxServiceNameSize = 255

// MaxArg1Size bounds the endpoint name argument (spec §3).
const MaxArg1Size = 16 * 1024

// CallReq is the logical header of a call request, excluding args (spec
// §3). The fragment-level "more fragments" flag and checksum type/bytes are
// written around this by newOutboundFragment/newInboundFragment, not by
// CallReq itself.
type CallReq struct {
	id          uint32
	TimeToLive  time.Duration
	Tracing     Tracing
	Service     string
	Headers     CallHeaders
}

func (m CallReq) Id() uint32        { return m.id }
func (m CallReq) Type() MessageType { return MessageTypeCallReq }

func (m *CallReq) read(r *typed.ReadBuffer) error {
	ttlMs, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if err := m.Tracing.read(r); err != nil {
		return err
	}
	service, err := r.ReadString(1)
	if err != nil {
		return err
	}
	headers, err := readCallHeaders(r)
	if err != nil {
		return err
	}

	m.TimeToLive = time.Duration(ttlMs) * time.Millisecond
	m.Service = service
	m.Headers = headers
	return nil
}

func (m *CallReq) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint32(uint32(m.TimeToLive / time.Millisecond)); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	if err := w.WriteString(m.Service, 1); err != nil {
		return err
	}
	return m.Headers.write(w)
}

// ResponseCode marks whether a call response is a normal result or an
// application-level error (spec §3, §4.7).
type ResponseCode byte

const (
	ResponseOK               ResponseCode = 0x00
	ResponseApplicationError ResponseCode = 0x01
)

// CallRes is the logical header of a call response, excluding args.
type CallRes struct {
	id           uint32
	ResponseCode ResponseCode
	Tracing      Tracing
	Headers      CallHeaders
}

func (m CallRes) Id() uint32        { return m.id }
func (m CallRes) Type() MessageType { return MessageTypeCallRes }

func (m *CallRes) read(r *typed.ReadBuffer) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	if err := m.Tracing.read(r); err != nil {
		return err
	}
	headers, err := readCallHeaders(r)
	if err != nil {
		return err
	}

	m.ResponseCode = ResponseCode(code)
	m.Headers = headers
	return nil
}

func (m *CallRes) write(w *typed.WriteBuffer) error {
	if err := w.WriteByte(byte(m.ResponseCode)); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	return m.Headers.write(w)
}

// CallReqContinue carries additional arg fragments for a call request; it
// has no header fields of its own beyond the frame id.
type CallReqContinue struct {
	id uint32
}

func (m CallReqContinue) Id() uint32                        { return m.id }
func (m CallReqContinue) Type() MessageType                  { return MessageTypeCallReqContinue }
func (m *CallReqContinue) read(r *typed.ReadBuffer) error    { return nil }
func (m *CallReqContinue) write(w *typed.WriteBuffer) error  { return nil }

// CallResContinue carries additional arg fragments for a call response.
type CallResContinue struct {
	id uint32
}

func (m CallResContinue) Id() uint32                       { return m.id }
func (m CallResContinue) Type() MessageType                 { return MessageTypeCallResContinue }
func (m *CallResContinue) read(r *typed.ReadBuffer) error   { return nil }
func (m *CallResContinue) write(w *typed.WriteBuffer) error { return nil }

// CancelMessage asks the peer to abandon an in-flight call (best-effort,
// spec §4.6/§5).
type CancelMessage struct {
	id     uint32
	Why    string
}

func (m CancelMessage) Id() uint32        { return m.id }
func (m CancelMessage) Type() MessageType { return MessageTypeCancel }

func (m *CancelMessage) read(r *typed.ReadBuffer) error {
	why, err := r.ReadString(1)
	if err != nil {
		return err
	}
	m.Why = why
	return nil
}

func (m *CancelMessage) write(w *typed.WriteBuffer) error {
	return w.WriteString(m.Why, 1)
}

// PingMessage is an idle-detection keepalive (spec §4.2); req and res share
// the same empty payload and are distinguished by MessageType.
type PingMessage struct {
	id  uint32
	res bool
}

func (m PingMessage) Id() uint32 { return m.id }
func (m PingMessage) Type() MessageType {
	if m.res {
		return MessageTypePingRes
	}
	return MessageTypePingReq
}
func (m *PingMessage) read(r *typed.ReadBuffer) error   { return nil }
func (m *PingMessage) write(w *typed.WriteBuffer) error { return nil }

// ErrorMessage is the payload of a protocol-level error frame (spec §4.8):
// code(u8), tracing(25), message(str≤255). The frame id IS the id of the
// call the error pertains to; OriginalMessageId is kept as a convenience
// field for log lines and is not separately serialized.
type ErrorMessage struct {
	id                uint32
	OriginalMessageId uint32
	ErrorCode         ErrorCode
	Tracing           Tracing
	Message           string
}

func (m ErrorMessage) Id() uint32        { return m.id }
func (m ErrorMessage) Type() MessageType { return MessageTypeError }

func (m *ErrorMessage) read(r *typed.ReadBuffer) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	if err := m.Tracing.read(r); err != nil {
		return err
	}
	msg, err := r.ReadString(1)
	if err != nil {
		return err
	}

	m.ErrorCode = ErrorCode(code)
	m.Message = msg
	return nil
}

func (m *ErrorMessage) write(w *typed.WriteBuffer) error {
	if err := w.WriteByte(byte(m.ErrorCode)); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	return w.WriteString(m.Message, 1)
}
