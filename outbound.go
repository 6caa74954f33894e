package tchannel

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOutboundCallStateMismatch         = errors.New("tchannel: outbound call in bad state")
	ErrOutboundCallResponseStateMismatch = errors.New("tchannel: outbound call response in bad state")
)

// outboundSlot tracks one in-flight outbound call's continuation-frame
// channel and completion signal.
type outboundSlot struct {
	resCh chan *Frame
	errCh chan error
	once  sync.Once
}

func (s *outboundSlot) deliverError(err error) {
	s.once.Do(func() {
		s.errCh <- err
		close(s.errCh)
	})
}

// outboundCallPipeline tracks calls this connection initiated and routes
// their responses and errors back to the waiting OutboundCall (spec §5).
type outboundCallPipeline struct {
	conn           *Connection
	activeCalls    map[uint32]*outboundSlot
	callLock       sync.Mutex
	recvBufferSize int
}

func newOutboundCallPipeline(conn *Connection) *outboundCallPipeline {
	return &outboundCallPipeline{
		conn:           conn,
		activeCalls:    make(map[uint32]*outboundSlot),
		recvBufferSize: 512,
	}
}

func (p *outboundCallPipeline) isLive(id uint32) bool {
	p.callLock.Lock()
	defer p.callLock.Unlock()
	_, ok := p.activeCalls[id]
	return ok
}

func (p *outboundCallPipeline) register(id uint32) *outboundSlot {
	slot := &outboundSlot{
		resCh: make(chan *Frame, p.recvBufferSize),
		errCh: make(chan error, 1),
	}
	p.callLock.Lock()
	p.activeCalls[id] = slot
	p.callLock.Unlock()
	return slot
}

func (p *outboundCallPipeline) forget(id uint32) {
	p.callLock.Lock()
	delete(p.activeCalls, id)
	p.callLock.Unlock()
}

// handleCallRes routes the first response frame of a call to its
// OutboundCall.
func (p *outboundCallPipeline) handleCallRes(frame *Frame) {
	p.deliverFrame(frame)
}

// handleCallResContinue routes a continuation frame to its OutboundCall.
func (p *outboundCallPipeline) handleCallResContinue(frame *Frame) {
	p.deliverFrame(frame)
}

func (p *outboundCallPipeline) deliverFrame(frame *Frame) {
	p.callLock.Lock()
	slot := p.activeCalls[frame.Header.Id]
	p.callLock.Unlock()

	if slot == nil {
		return
	}

	select {
	case slot.resCh <- frame:
	default:
		slot.deliverError(ErrRecvBufferFull)
	}
}

// deliverError routes a protocol-level error frame to the waiting call
// (spec §4.8).
func (p *outboundCallPipeline) deliverError(id uint32, err error) {
	p.callLock.Lock()
	slot := p.activeCalls[id]
	p.callLock.Unlock()

	if slot != nil {
		slot.deliverError(err)
	}
}

// failAll aborts every in-flight outbound call with err, called when the
// owning connection dies (spec §5).
func (p *outboundCallPipeline) failAll(err error) {
	p.callLock.Lock()
	slots := make([]*outboundSlot, 0, len(p.activeCalls))
	for id, slot := range p.activeCalls {
		slots = append(slots, slot)
		delete(p.activeCalls, id)
	}
	p.callLock.Unlock()

	for _, slot := range slots {
		slot.deliverError(err)
	}
}

// beginCall starts a new outbound call on this connection (spec §4.5,
// §4.6). ttl bounds both the wire TimeToLive field and ctx's deadline.
func (p *outboundCallPipeline) beginCall(ctx context.Context, serviceName string, ttl time.Duration, callOptions *CallOptions) (*OutboundCall, error) {
	if p.conn.getState() != connectionActive {
		return nil, ErrConnectionNotReady
	}

	if len(serviceName) > MaxServiceNameSize {
		return nil, NewProtocolError(false, "service name exceeds maximum size of %d bytes", MaxServiceNameSize)
	}

	id := p.conn.NextMessageId()
	slot := p.register(id)

	ctx, cancel := context.WithTimeout(ctx, ttl)

	checksumType := p.conn.checksumType
	call := &OutboundCall{
		id:         id,
		pipeline:   p,
		ctx:        ctx,
		cancel:     cancel,
		slot:       slot,
		state:      outboundCallReadyToWriteArg1,
		checksum:   checksumType.New(),
		service:    serviceName,
		ttl:        ttl,
		headers:    CallHeaders{},
		scheme:     RawScheme{},
	}
	if callOptions != nil {
		call.headers = callOptions.Headers
		call.trace = callOptions.Trace
		call.scheme = schemeForFormat(callOptions.Format)
	}
	call.partWriter = newMultiPartWriter(call)

	return call, nil
}

// OutboundCall represents a call this side initiated, not yet fully sent.
type OutboundCall struct {
	id         uint32
	pipeline   *outboundCallPipeline
	ctx        context.Context
	cancel     context.CancelFunc
	slot       *outboundSlot
	state      outboundCallState
	checksum   Checksum
	service    string
	ttl        time.Duration
	headers    CallHeaders
	trace      Tracing
	scheme     ArgScheme

	startedFirstFragment bool
	partWriter           *multiPartWriter

	response *OutboundCallResponse
}

// Scheme returns the argument scheme resolved from this call's
// CallOptions.Format (spec §6.3), used to encode/decode arg2/arg3 and to
// translate application errors.
func (call *OutboundCall) Scheme() ArgScheme { return call.scheme }

type outboundCallState int

const (
	outboundCallReadyToWriteArg1 outboundCallState = iota
	outboundCallReadyToWriteArg2
	outboundCallReadyToWriteArg3
	outboundCallAllWritten
	outboundCallError
)

// WriteArg1 writes the endpoint name being called.
func (call *OutboundCall) WriteArg1(operation string) error {
	if call.state != outboundCallReadyToWriteArg1 {
		return call.failed(ErrOutboundCallStateMismatch)
	}

	if len(operation) > MaxArg1Size {
		return call.failed(NewProtocolError(false, "arg1 exceeds maximum size of %d bytes", MaxArg1Size))
	}

	if err := BytesOutput(operation).WriteTo(call.partWriter); err != nil {
		return call.failed(err)
	}
	if err := call.partWriter.endPart(false); err != nil {
		return call.failed(err)
	}

	call.state = outboundCallReadyToWriteArg2
	return nil
}

// EncodeArg3 serializes v with the call's resolved ArgScheme and writes it
// as the request body, the scheme-aware counterpart of WriteArg3.
func (call *OutboundCall) EncodeArg3(v interface{}) error {
	out, err := call.scheme.Encode(v)
	if err != nil {
		return call.failed(err)
	}
	return call.WriteArg3(out)
}

// WriteArg2 writes the application headers argument.
func (call *OutboundCall) WriteArg2(arg Output) error {
	if call.state != outboundCallReadyToWriteArg2 {
		return call.failed(ErrOutboundCallStateMismatch)
	}

	if err := arg.WriteTo(call.partWriter); err != nil {
		return call.failed(err)
	}
	if err := call.partWriter.endPart(false); err != nil {
		return call.failed(err)
	}

	call.state = outboundCallReadyToWriteArg3
	return nil
}

// WriteArg3 writes the request body, the last argument, and sends the call.
func (call *OutboundCall) WriteArg3(arg Output) error {
	if call.state != outboundCallReadyToWriteArg3 {
		return call.failed(ErrOutboundCallStateMismatch)
	}

	if err := arg.WriteTo(call.partWriter); err != nil {
		return call.failed(err)
	}
	if err := call.partWriter.endPart(true); err != nil {
		return call.failed(err)
	}

	call.state = outboundCallAllWritten
	return nil
}

func (call *OutboundCall) failed(err error) error {
	call.state = outboundCallError
	call.pipeline.forget(call.id)
	call.cancel()
	return err
}

// beginFragment implements outFragmentChannel.
func (call *OutboundCall) beginFragment() (*outFragment, error) {
	frame := call.pipeline.conn.framePool.Get()

	var msg Message
	if !call.startedFirstFragment {
		call.startedFirstFragment = true
		msg = &CallReq{
			id:         call.id,
			TimeToLive: call.ttl,
			Tracing:    call.trace,
			Service:    call.service,
			Headers:    call.headers,
		}
	} else {
		msg = &CallReqContinue{id: call.id}
	}

	return newOutboundFragment(frame, msg, call.checksum)
}

// flushFragment implements outFragmentChannel.
func (call *OutboundCall) flushFragment(f *outFragment, last bool) error {
	return call.pipeline.conn.enqueueFrame(f.finish(last))
}

// Response blocks until the call's response has begun arriving, returning
// the object used to read it back (spec §4.5). It must only be called
// after WriteArg3.
func (call *OutboundCall) Response() (*OutboundCallResponse, error) {
	if call.state != outboundCallAllWritten {
		return nil, ErrOutboundCallStateMismatch
	}

	if call.response != nil {
		return call.response, nil
	}

	frame, err := call.recvFrame()
	if err != nil {
		return nil, err
	}

	var callRes CallRes
	first, err := newInboundFragment(frame, &callRes, nil)
	if err != nil {
		return nil, call.failed(err)
	}
	// the response's continuation fragments are verified against the
	// response's own running checksum, not the request's
	call.checksum = first.checksum

	call.response = &OutboundCallResponse{
		call:             call,
		checksum:         first.checksum,
		curFragment:      first,
		recvLastFragment: first.last,
		applicationError: callRes.ResponseCode == ResponseApplicationError,
		headers:          callRes.Headers,
		state:            outboundCallResponseReadyToReadArg2,
	}
	return call.response, nil
}

// recvFrame blocks for the next raw response frame, a delivered error, or
// context cancellation (spec §4.5, §4.6).
func (call *OutboundCall) recvFrame() (*Frame, error) {
	select {
	case <-call.ctx.Done():
		return nil, call.failed(call.ctx.Err())
	case err := <-call.slot.errCh:
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, call.failed(err)
	case frame, ok := <-call.slot.resCh:
		if !ok {
			return nil, call.failed(ErrConnectionClosed)
		}
		return frame, nil
	}
}

// waitForFragment implements inFragmentChannel for continuation fragments
// of the response (the first fragment is already consumed by Response).
func (call *OutboundCall) waitForFragment() (*inFragment, error) {
	frame, err := call.recvFrame()
	if err != nil {
		return nil, err
	}
	return newInboundFragment(frame, &CallResContinue{id: call.id}, call.checksum)
}

// OutboundCallResponse is used to read the response to an OutboundCall.
type OutboundCallResponse struct {
	call             *OutboundCall
	checksum         Checksum
	curFragment      *inFragment
	recvLastFragment bool
	applicationError bool
	headers          CallHeaders
	state            outboundCallResponseState
}

type outboundCallResponseState int

const (
	outboundCallResponseReadyToReadArg2 outboundCallResponseState = iota
	outboundCallResponseReadyToReadArg3
	outboundCallResponseAllRead
	outboundCallResponseError
)

// ApplicationError reports whether the peer's handler signalled an
// application-level failure (ResponseCode==0x01, spec §4.7).
func (res *OutboundCallResponse) ApplicationError() bool { return res.applicationError }

// Headers returns the response's application headers.
func (res *OutboundCallResponse) Headers() CallHeaders { return res.headers }

// Scheme returns the argument scheme resolved for the call this response
// belongs to.
func (res *OutboundCallResponse) Scheme() ArgScheme { return res.call.scheme }

// DecodeArg3 reads the response body and decodes it with the call's
// resolved ArgScheme, the scheme-aware counterpart of ReadArg3.
func (res *OutboundCallResponse) DecodeArg3(v interface{}) error {
	var raw []byte
	if err := res.ReadArg3(NewBytesInput(&raw)); err != nil {
		return err
	}
	return res.call.scheme.Decode(raw, v)
}

// ReadArg2 reads the response's application headers argument.
func (res *OutboundCallResponse) ReadArg2(arg Input) error {
	if res.state != outboundCallResponseReadyToReadArg2 {
		return res.failed(ErrOutboundCallResponseStateMismatch)
	}

	r := newMultiPartReader(res, false)
	if err := arg.ReadFrom(r); err != nil {
		return res.failed(err)
	}
	if err := r.endPart(); err != nil {
		return res.failed(err)
	}

	res.state = outboundCallResponseReadyToReadArg3
	return nil
}

// ReadArg3 reads the response body, the last argument.
func (res *OutboundCallResponse) ReadArg3(arg Input) error {
	if res.state != outboundCallResponseReadyToReadArg3 {
		return res.failed(ErrOutboundCallResponseStateMismatch)
	}

	r := newMultiPartReader(res, true)
	if err := arg.ReadFrom(r); err != nil {
		return res.failed(err)
	}
	if err := r.endPart(); err != nil {
		return res.failed(err)
	}

	res.state = outboundCallResponseAllRead
	res.call.pipeline.forget(res.call.id)
	res.call.cancel()
	return nil
}

func (res *OutboundCallResponse) failed(err error) error {
	res.state = outboundCallResponseError
	res.call.pipeline.forget(res.call.id)
	res.call.cancel()
	return err
}

// waitForFragment implements inFragmentChannel, delegating to the call
// after its first (already-consumed) fragment is exhausted.
func (res *OutboundCallResponse) waitForFragment() (*inFragment, error) {
	if res.curFragment != nil && res.curFragment.hasMoreChunks() {
		f := res.curFragment
		return f, nil
	}

	if res.recvLastFragment {
		return nil, res.failed(errors.New("tchannel: read past last response fragment"))
	}

	f, err := res.call.waitForFragment()
	if err != nil {
		return nil, err
	}
	res.curFragment = f
	res.recvLastFragment = f.last
	return f, nil
}
