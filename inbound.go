package tchannel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gjtrowbridge/tchannel-go/typed"
)

var (
	ErrInboundCallStateMismatch         = errors.New("tchannel: inbound call in bad state")
	ErrInboundCallResponseStateMismatch = errors.New("tchannel: inbound call response in bad state")
	ErrInboundRequestAlreadyActive      = errors.New("tchannel: inbound request is already active; possible duplicate message id")
)

// inboundSlot tracks one inbound call's continuation-frame channel and its
// cancellation function, so a `cancel` frame (or connection teardown) can
// reach the handler's context.
type inboundSlot struct {
	ch     chan *Frame
	cancel context.CancelFunc
}

// inboundCallPipeline dispatches incoming call requests on one Connection
// to registered handlers, and funnels their continuation frames to the
// right in-progress assembly (spec §4.7).
type inboundCallPipeline struct {
	conn       *Connection
	activeReqs map[uint32]*inboundSlot
	reqLock    sync.Mutex
	recvBufferSize int
}

func newInboundCallPipeline(conn *Connection) *inboundCallPipeline {
	return &inboundCallPipeline{
		conn:           conn,
		activeReqs:     make(map[uint32]*inboundSlot),
		recvBufferSize: 512,
	}
}

// handleCallReq begins assembling a new inbound call and dispatches it to
// a handler once arg1 (the endpoint name) has been read.
func (p *inboundCallPipeline) handleCallReq(frame *Frame) {
	id := frame.Header.Id

	var callReq CallReq
	firstFragment, err := newInboundFragment(frame, &callReq, nil)
	if err != nil {
		p.conn.log.Errorf("could not decode call req %d from %s: %v", id, p.conn.remotePeerInfo, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callReq.TimeToLive)

	reqCh := make(chan *Frame, p.recvBufferSize)
	if err := p.withReqLock(func() error {
		if _, exists := p.activeReqs[id]; exists {
			return ErrInboundRequestAlreadyActive
		}
		p.activeReqs[id] = &inboundSlot{ch: reqCh, cancel: cancel}
		return nil
	}); err != nil {
		cancel()
		p.conn.log.Warnf("dropping call req %d from %s: %v", id, p.conn.remotePeerInfo, err)
		return
	}

	scheme := schemeForHeaders(callReq.Headers)

	res := &InboundCallResponse{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		pipeline: p,
		state:    inboundCallResponseReadyToWriteArg2,
		checksum: firstFragment.checksum.TypeCode().New(),
		headers:  CallHeaders{},
		trace:    callReq.Tracing,
		scheme:   scheme,
	}
	res.partWriter = newMultiPartWriter(res)

	call := &InboundCall{
		id:               id,
		pipeline:         p,
		res:              res,
		ctx:              ctx,
		cancel:           cancel,
		recvCh:           reqCh,
		curFragment:      firstFragment,
		recvLastFragment: firstFragment.last,
		checksum:         firstFragment.checksum,
		serviceName:      callReq.Service,
		headers:          callReq.Headers,
		trace:            callReq.Tracing,
		scheme:           scheme,
		state:            inboundCallPreRead,
	}

	go p.dispatchInbound(call)
}

// handleCallReqContinue feeds an additional fragment to the call's
// in-progress assembly.
func (p *inboundCallPipeline) handleCallReqContinue(frame *Frame) {
	var slot *inboundSlot
	p.withReqLock(func() error {
		slot = p.activeReqs[frame.Header.Id]
		return nil
	})

	if slot == nil {
		// The call already timed out, was cancelled, or errored; this is
		// a harmless race, not a protocol violation.
		return
	}

	select {
	case slot.ch <- frame:
	default:
		// The handler isn't draining fragments fast enough; give up on
		// this call rather than block the connection's reader goroutine.
		p.inboundCallComplete(frame.Header.Id)
		close(slot.ch)
	}
}

// handleCancel aborts an inbound call's context on a best-effort basis
// (spec §4.6, §9: cancel is "sufficient" even if only reporting).
func (p *inboundCallPipeline) handleCancel(frame *Frame) {
	var cm CancelMessage
	rbuf := typed.NewReadBuffer(frame.SizedPayload())
	if err := cm.read(rbuf); err != nil {
		return
	}

	var slot *inboundSlot
	p.withReqLock(func() error {
		slot = p.activeReqs[frame.Header.Id]
		return nil
	})
	if slot != nil {
		slot.cancel()
	}
}

// inboundCallComplete removes the bookkeeping for a finished or aborted
// inbound call.
func (p *inboundCallPipeline) inboundCallComplete(id uint32) {
	p.withReqLock(func() error {
		delete(p.activeReqs, id)
		return nil
	})
}

// abortAll cancels every in-flight inbound handler, called when the owning
// connection is torn down (spec §5 resource release).
func (p *inboundCallPipeline) abortAll() {
	p.withReqLock(func() error {
		for id, slot := range p.activeReqs {
			slot.cancel()
			delete(p.activeReqs, id)
		}
		return nil
	})
}

func (p *inboundCallPipeline) withReqLock(f func() error) error {
	p.reqLock.Lock()
	defer p.reqLock.Unlock()
	return f()
}

// dispatchInbound reads the operation name and routes the call to its
// registered handler, replying with BadRequest if none is registered (spec
// §4.7).
func (p *inboundCallPipeline) dispatchInbound(call *InboundCall) {
	if err := call.readOperation(); err != nil {
		p.conn.log.Errorf("could not read operation from %s: %v", p.conn.remotePeerInfo, err)
		return
	}

	var h Handler
	if sc, ok := p.conn.ch.findSubChannel(call.ServiceName()); ok {
		h = sc.findHandler(call.Operation())
	}
	if h == nil {
		h = p.conn.ch.handlers.find(call.ServiceName(), call.Operation())
	}
	if h == nil {
		p.conn.log.Infof("no handler for %s:%s from %s", call.ServiceName(), call.Operation(), p.conn.remotePeerInfo)
		call.Response().SendSystemError(NewSystemError(ErrCodeBadRequest, "no such endpoint"))
		return
	}

	h.Handle(call.ctx, call)
}

// InboundCall is an incoming call from a peer, mid-assembly.
type InboundCall struct {
	id               uint32
	pipeline         *inboundCallPipeline
	res              *InboundCallResponse
	ctx              context.Context
	cancel           context.CancelFunc
	serviceName      string
	operation        string
	headers          CallHeaders
	trace            Tracing
	scheme           ArgScheme
	state            inboundCallState
	recvLastFragment bool
	recvCh           <-chan *Frame
	curFragment      *inFragment
	checksum         Checksum
}

type inboundCallState int

const (
	inboundCallPreRead inboundCallState = iota
	inboundCallReadyToReadArg2
	inboundCallReadyToReadArg3
	inboundCallAllRead
	inboundCallError
)

// ServiceName returns the service being called.
func (call *InboundCall) ServiceName() string { return call.serviceName }

// Operation returns the endpoint (arg1) being called.
func (call *InboundCall) Operation() string { return call.operation }

// Headers returns the application headers sent with the call, taken
// straight from the call req's transport header block parsed in
// handleCallReq — distinct from arg2, which carries the scheme-encoded
// per-call headers a handler reads explicitly via ReadArg2.
func (call *InboundCall) Headers() CallHeaders { return call.headers }

// Trace returns the distributed-trace identity the caller attached to this
// call, read straight off the wire CallReq's Tracing block.
func (call *InboundCall) Trace() Tracing { return call.trace }

// Scheme returns the argument scheme the caller named via the "as"
// transport header, resolved in handleCallReq before dispatch.
func (call *InboundCall) Scheme() ArgScheme { return call.scheme }

// DecodeArg3 reads the request body and decodes it with the call's
// resolved ArgScheme, the scheme-aware counterpart of ReadArg3.
func (call *InboundCall) DecodeArg3(v interface{}) error {
	var raw []byte
	if err := call.ReadArg3(NewBytesInput(&raw)); err != nil {
		return err
	}
	return call.scheme.Decode(raw, v)
}

// readOperation reads arg1 (the endpoint name) to completion.
func (call *InboundCall) readOperation() error {
	if call.state != inboundCallPreRead {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, false)
	arg1, err := io.ReadAll(r)
	if err != nil {
		return call.failed(err)
	}
	if err := r.endPart(); err != nil {
		return call.failed(err)
	}

	if len(arg1) > MaxArg1Size {
		return call.failed(NewProtocolError(false, "arg1 exceeds maximum size of %d bytes", MaxArg1Size))
	}

	call.state = inboundCallReadyToReadArg2
	call.operation = string(arg1)
	return nil
}

// ReadArg2 reads the application headers argument.
func (call *InboundCall) ReadArg2(arg Input) error {
	if call.state != inboundCallReadyToReadArg2 {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, false)
	if err := arg.ReadFrom(r); err != nil {
		return call.failed(err)
	}
	if err := r.endPart(); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallReadyToReadArg3
	return nil
}

// ReadArg3 reads the body argument, the last of the three.
func (call *InboundCall) ReadArg3(arg Input) error {
	if call.state != inboundCallReadyToReadArg3 {
		return call.failed(ErrInboundCallStateMismatch)
	}

	r := newMultiPartReader(call, true)
	if err := arg.ReadFrom(r); err != nil {
		return call.failed(err)
	}
	if err := r.endPart(); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallAllRead
	return nil
}

func (call *InboundCall) failed(err error) error {
	call.state = inboundCallError
	call.pipeline.inboundCallComplete(call.id)
	return err
}

// Response returns the object used to send a response back to the caller.
func (call *InboundCall) Response() *InboundCallResponse { return call.res }

// waitForFragment implements inFragmentChannel.
func (call *InboundCall) waitForFragment() (*inFragment, error) {
	if call.curFragment != nil && call.curFragment.hasMoreChunks() {
		return call.curFragment, nil
	}

	if call.recvLastFragment {
		return nil, call.failed(io.EOF)
	}

	select {
	case <-call.ctx.Done():
		return nil, call.failed(call.ctx.Err())

	case frame, ok := <-call.recvCh:
		if !ok {
			return nil, call.failed(ErrRecvBufferFull)
		}

		cont := CallReqContinue{id: call.id}
		fragment, err := newInboundFragment(frame, &cont, call.checksum)
		if err != nil {
			return nil, call.failed(err)
		}

		call.curFragment = fragment
		call.recvLastFragment = fragment.last
		return fragment, nil
	}
}

// ErrRecvBufferFull is returned when the peer outpaces the handler's
// fragment consumption and the inbound queue for a call must be dropped.
var ErrRecvBufferFull = errors.New("tchannel: connection recv buffer is full, cannot recv frame")

// InboundCallResponse is used by a handler to send a response back to the
// calling peer.
type InboundCallResponse struct {
	id                   uint32
	ctx                  context.Context
	cancel               context.CancelFunc
	checksum             Checksum
	pipeline             *inboundCallPipeline
	state                inboundCallResponseState
	startedFirstFragment bool
	partWriter           *multiPartWriter
	applicationError     bool
	headers              CallHeaders
	trace                Tracing
	scheme               ArgScheme
}

type inboundCallResponseState int

const (
	inboundCallResponseReadyToWriteArg2 inboundCallResponseState = iota
	inboundCallResponseReadyToWriteArg3
	inboundCallResponseComplete
	inboundCallResponseError
)

// SetHeaders sets the application headers to send with the response.
// Must be called before WriteArg2.
func (call *InboundCallResponse) SetHeaders(h CallHeaders) error {
	if call.state != inboundCallResponseReadyToWriteArg2 {
		return ErrInboundCallResponseStateMismatch
	}
	call.headers = h
	return nil
}

// SetApplicationError marks the response as an application-level error
// (code=0x01 per spec §4.7). Must be called before any argument is
// written.
func (call *InboundCallResponse) SetApplicationError() error {
	if call.state != inboundCallResponseReadyToWriteArg2 {
		return ErrInboundCallResponseStateMismatch
	}
	call.applicationError = true
	return nil
}

// Scheme returns the argument scheme resolved for the call this response
// belongs to.
func (call *InboundCallResponse) Scheme() ArgScheme { return call.scheme }

// EncodeArg3 serializes v with the call's resolved ArgScheme and writes it
// as the response body, the scheme-aware counterpart of WriteArg3.
func (call *InboundCallResponse) EncodeArg3(v interface{}) error {
	out, err := call.scheme.Encode(v)
	if err != nil {
		return call.failed(err)
	}
	return call.WriteArg3(out)
}

// SendApplicationError reports err as an application-level failure (spec
// §4.7, §6.3's raise_error/fail distinction) if the call's scheme knows how
// to wrap it into a body; otherwise it falls back to SendSystemError. Must
// be called before any argument is written.
func (call *InboundCallResponse) SendApplicationError(err error) error {
	body, ok := call.scheme.WrapError(err)
	if !ok {
		return call.SendSystemError(NewSystemError(ErrCodeUnexpected, "%v", err))
	}
	if serr := call.SetApplicationError(); serr != nil {
		return serr
	}
	if werr := call.WriteArg2(BytesOutput(nil)); werr != nil {
		return werr
	}
	return call.WriteArg3(BytesOutput(body))
}

// SendSystemError aborts the call with a protocol-level error frame
// instead of a normal response (spec §4.7, §4.8).
func (call *InboundCallResponse) SendSystemError(err error) error {
	call.cancel()
	call.state = inboundCallResponseComplete

	se, ok := err.(SystemError)
	if !ok {
		se = NewSystemError(ErrCodeUnexpected, "%v", err)
	}

	frame, ferr := MarshalMessage(&ErrorMessage{
		id:                call.id,
		OriginalMessageId: call.id,
		ErrorCode:         se.Code(),
		Message:           se.Message(),
	}, call.pipeline.conn.framePool)
	if ferr != nil {
		call.pipeline.conn.log.Warnf("could not build error frame for %d: %v", call.id, ferr)
		return nil
	}

	if sendErr := call.pipeline.conn.enqueueFrame(frame); sendErr != nil {
		call.pipeline.conn.log.Warnf("could not send error frame to %s for %d: %v",
			call.pipeline.conn.remotePeerInfo, call.id, sendErr)
	}
	call.pipeline.inboundCallComplete(call.id)
	return nil
}

// WriteArg2 writes the response's application headers argument.
func (call *InboundCallResponse) WriteArg2(arg Output) error {
	if call.state != inboundCallResponseReadyToWriteArg2 {
		return call.failed(ErrInboundCallResponseStateMismatch)
	}

	if err := arg.WriteTo(call.partWriter); err != nil {
		return call.failed(err)
	}
	if err := call.partWriter.endPart(false); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallResponseReadyToWriteArg3
	return nil
}

// WriteArg3 writes the response body, the last of the three arguments, and
// completes the response.
func (call *InboundCallResponse) WriteArg3(arg Output) error {
	if call.state != inboundCallResponseReadyToWriteArg3 {
		return call.failed(ErrInboundCallResponseStateMismatch)
	}

	if err := arg.WriteTo(call.partWriter); err != nil {
		return call.failed(err)
	}
	if err := call.partWriter.endPart(true); err != nil {
		return call.failed(err)
	}

	call.state = inboundCallResponseComplete
	call.pipeline.inboundCallComplete(call.id)
	return nil
}

func (call *InboundCallResponse) failed(err error) error {
	call.state = inboundCallResponseError
	call.pipeline.inboundCallComplete(call.id)
	return err
}

// beginFragment implements outFragmentChannel.
func (call *InboundCallResponse) beginFragment() (*outFragment, error) {
	frame := call.pipeline.conn.framePool.Get()

	var msg Message
	if !call.startedFirstFragment {
		call.startedFirstFragment = true
		responseCode := ResponseOK
		if call.applicationError {
			responseCode = ResponseApplicationError
		}
		msg = &CallRes{
			id:           call.id,
			ResponseCode: responseCode,
			Tracing:      call.trace,
			Headers:      call.headers,
		}
	} else {
		msg = &CallResContinue{id: call.id}
	}

	return newOutboundFragment(frame, msg, call.checksum)
}

// flushFragment implements outFragmentChannel.
func (call *InboundCallResponse) flushFragment(f *outFragment, last bool) error {
	return call.pipeline.conn.enqueueFrame(f.finish(last))
}

// Handler is implemented by application code registered against an
// endpoint (spec §6.2).
type Handler interface {
	Handle(ctx context.Context, call *InboundCall)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, call *InboundCall)

func (f HandlerFunc) Handle(ctx context.Context, call *InboundCall) { f(ctx, call) }

// handlerMap is the dispatch table of spec §4.7: arg1 (endpoint name),
// scoped by service name, to a registered Handler.
type handlerMap struct {
	mut      sync.RWMutex
	handlers map[string]map[string]Handler
}

func (hmap *handlerMap) register(h Handler, serviceName, operation string) {
	hmap.mut.Lock()
	defer hmap.mut.Unlock()

	if hmap.handlers == nil {
		hmap.handlers = make(map[string]map[string]Handler)
	}

	operations := hmap.handlers[serviceName]
	if operations == nil {
		operations = make(map[string]Handler)
		hmap.handlers[serviceName] = operations
	}
	operations[operation] = h
}

func (hmap *handlerMap) find(serviceName, operation string) Handler {
	hmap.mut.RLock()
	defer hmap.mut.RUnlock()

	if operations := hmap.handlers[serviceName]; operations != nil {
		return operations[operation]
	}
	return nil
}
