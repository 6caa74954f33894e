package tchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/gjtrowbridge/tchannel-go/typed"
)

// PeerInfo identifies a TChannel peer: the host/port used to contact it
// (as encoded by net.JoinHostPort) and its logical process name, used only
// for logging/debugging.
type PeerInfo struct {
	HostPort    string
	ProcessName string
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("%s(%s)", p.HostPort, p.ProcessName)
}

// CurrentProtocolVersion is the only protocol version this module speaks
// (spec §6.1): mismatched versions are a fatal protocol error.
const CurrentProtocolVersion = 0x02

var (
	ErrConnectionClosed            = errors.New("tchannel: connection is closed")
	ErrConnectionNotReady          = errors.New("tchannel: connection is not yet ready")
	ErrConnectionAlreadyActive     = errors.New("tchannel: connection is already active")
	ErrConnectionWaitingOnPeerInit = errors.New("tchannel: connection is waiting for the peer to send init")
	ErrSendBufferFull              = errors.New("tchannel: connection send buffer is full, cannot send frame")
)

// ConnectionOptions controls the creation of a Connection.
type ConnectionOptions struct {
	// PeerInfo identifies the local side of the connection.
	PeerInfo PeerInfo

	// FramePool manages frame buffer reuse. Defaults to DefaultFramePool.
	FramePool FramePool

	// SendBufferSize bounds the write queue depth (spec §5 backpressure).
	// Defaults to 512.
	SendBufferSize int

	// RecvBufferSize bounds the per-call inbound fragment queue depth.
	// Defaults to 512.
	RecvBufferSize int

	// ChecksumType is used for every outbound call on this connection.
	ChecksumType ChecksumType

	// IdleCheckInterval is T_idle from spec §4.2: how long the connection
	// may go without sending anything before a ping req is issued.
	// Defaults to 30s.
	IdleCheckInterval time.Duration

	// PingTimeout is T_ping from spec §4.2: how long to wait for a ping
	// res before failing the connection. Defaults to 10s.
	PingTimeout time.Duration

	// Logger receives connection-scoped log lines. Defaults to NullLogger.
	Logger Logger
}

func (o *ConnectionOptions) withDefaults() *ConnectionOptions {
	opts := *o
	if opts.FramePool == nil {
		opts.FramePool = DefaultFramePool
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 512
	}
	if opts.RecvBufferSize <= 0 {
		opts.RecvBufferSize = 512
	}
	if opts.IdleCheckInterval <= 0 {
		opts.IdleCheckInterval = 30 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = NullLogger{}
	}
	return &opts
}

type connectionState int32

const (
	// connectionWaitingToRecvInitReq: accepted connection, waiting for the
	// peer's init req.
	connectionWaitingToRecvInitReq connectionState = iota

	// connectionWaitingToSendInitReq: dialed connection, about to send our
	// own init req.
	connectionWaitingToSendInitReq

	// connectionWaitingToRecvInitRes: init req sent, waiting on init res.
	connectionWaitingToRecvInitRes

	// connectionActive: handshake complete, frames flow freely.
	connectionActive

	// connectionStartClose: set by Close just before the connection moves
	// to connectionClosed; no draining happens in this state.
	connectionStartClose

	// connectionClosed: network closed, all in-flight failed.
	connectionClosed
)

func (s connectionState) String() string {
	switch s {
	case connectionWaitingToRecvInitReq:
		return "waiting-to-recv-init-req"
	case connectionWaitingToSendInitReq:
		return "waiting-to-send-init-req"
	case connectionWaitingToRecvInitRes:
		return "waiting-to-recv-init-res"
	case connectionActive:
		return "active"
	case connectionStartClose:
		return "start-close"
	case connectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns a TCP socket to one peer, a single reader goroutine, a
// single writer goroutine draining a bounded send queue, and the two id
// spaces (outbound calls this side initiated, inbound calls the peer
// initiated) described in spec §3/§5.
type Connection struct {
	ch             *Channel
	log            Logger
	checksumType   ChecksumType
	framePool      FramePool
	conn           net.Conn
	localPeerInfo  PeerInfo
	remotePeerInfo PeerInfo

	sendCh chan *Frame

	state    atomic.Int32
	stateMut sync.RWMutex

	reqMut       sync.Mutex
	activeResChs map[uint32]chan<- *Frame // pending control (init/ping) round trips

	nextMessageId atomic.Uint32

	outbound *outboundCallPipeline
	inbound  *inboundCallPipeline

	closeOnce sync.Once
	closed    chan struct{}

	lastSendMut sync.Mutex
	lastSend    time.Time
}

// newOutboundConnection wraps a freshly dialed net.Conn, ready to sendInit.
func newOutboundConnection(ch *Channel, conn net.Conn, opts *ConnectionOptions) *Connection {
	return newConnection(ch, conn, connectionWaitingToSendInitReq, opts)
}

// newInboundConnection wraps a freshly accepted net.Conn, waiting for the
// peer's init req.
func newInboundConnection(ch *Channel, conn net.Conn, opts *ConnectionOptions) *Connection {
	return newConnection(ch, conn, connectionWaitingToRecvInitReq, opts)
}

func newConnection(ch *Channel, conn net.Conn, initialState connectionState, opts *ConnectionOptions) *Connection {
	if opts == nil {
		opts = &ConnectionOptions{}
	}
	opts = opts.withDefaults()

	c := &Connection{
		ch:            ch,
		log:           opts.Logger,
		conn:          conn,
		framePool:     opts.FramePool,
		sendCh:        make(chan *Frame, opts.SendBufferSize),
		activeResChs:  make(map[uint32]chan<- *Frame),
		localPeerInfo: opts.PeerInfo,
		checksumType:  opts.ChecksumType,
		closed:        make(chan struct{}),
	}
	c.state.Store(int32(initialState))
	// Message id 1 is reserved for the handshake (spec §4.4).
	c.nextMessageId.Store(1)

	c.outbound = newOutboundCallPipeline(c)
	c.outbound.recvBufferSize = opts.RecvBufferSize
	c.inbound = newInboundCallPipeline(c)
	c.inbound.recvBufferSize = opts.RecvBufferSize

	go c.readFrames()
	go c.writeFrames()
	if opts.IdleCheckInterval > 0 {
		go c.keepalive(opts.IdleCheckInterval, opts.PingTimeout)
	}
	return c
}

func (c *Connection) getState() connectionState {
	return connectionState(c.state.Load())
}

func (c *Connection) setState(s connectionState) {
	c.state.Store(int32(s))
}

// NextMessageId allocates the next outbound message id for this
// connection, skipping over ids that are still live in either the control
// or call registries, and wrapping past zero (spec §4.4). Id 0 is never
// issued, and id 1 is reserved for the handshake.
func (c *Connection) NextMessageId() uint32 {
	for {
		id := c.nextMessageId.Inc()
		if id <= 1 {
			// wrapped past the reserved handshake id; restart the sequence
			c.nextMessageId.Store(1)
			continue
		}
		if c.idIsLive(id) {
			continue
		}
		return id
	}
}

func (c *Connection) idIsLive(id uint32) bool {
	c.reqMut.Lock()
	_, controlLive := c.activeResChs[id]
	c.reqMut.Unlock()
	return controlLive || c.outbound.isLive(id)
}

// sendInit performs the handshake as the initiator (spec §4.2).
func (c *Connection) sendInit(ctx context.Context) error {
	if err := c.withStateLock(func() error {
		switch c.getState() {
		case connectionWaitingToSendInitReq:
			c.setState(connectionWaitingToRecvInitRes)
			return nil
		case connectionWaitingToRecvInitReq:
			return ErrConnectionWaitingOnPeerInit
		case connectionClosed, connectionStartClose:
			return ErrConnectionClosed
		default:
			return ErrConnectionAlreadyActive
		}
	}); err != nil {
		return err
	}

	initMsgId := uint32(1) // the reserved handshake id
	initResCh := make(chan *Frame, 1)
	c.withReqLock(func() error {
		c.activeResChs[initMsgId] = initResCh
		return nil
	})
	defer c.forgetControlResponse(initMsgId)

	req := &InitReq{initMessage{id: initMsgId}, CurrentProtocolVersion, InitParams{
		InitParamHostPort:    c.localPeerInfo.HostPort,
		InitParamProcessName: c.localPeerInfo.ProcessName,
	}}

	if err := c.sendMessage(req); err != nil {
		return c.connectionError(err)
	}

	var res InitRes
	if err := c.recvMessage(ctx, &res, initResCh); err != nil {
		return c.connectionError(err)
	}

	if res.Version != CurrentProtocolVersion {
		return c.connectionError(NewProtocolError(true,
			"unsupported protocol version %d from peer", res.Version))
	}

	c.remotePeerInfo.HostPort = res.InitParams[InitParamHostPort]
	c.remotePeerInfo.ProcessName = res.InitParams[InitParamProcessName]

	c.withStateLock(func() error {
		if c.getState() == connectionWaitingToRecvInitRes {
			c.setState(connectionActive)
		}
		return nil
	})

	return nil
}

// handleInitReq replies to the peer's init req and marks the connection
// active (spec §4.2).
func (c *Connection) handleInitReq(frame *Frame) {
	var req InitReq
	rbuf := typed.NewReadBuffer(frame.SizedPayload())
	if err := req.read(rbuf); err != nil {
		c.connectionError(NewProtocolError(true, "could not decode init req: %v", err))
		return
	}

	if req.Version != CurrentProtocolVersion {
		c.connectionError(NewProtocolError(true,
			"unsupported protocol version %d from peer", req.Version))
		return
	}

	c.remotePeerInfo.HostPort = req.InitParams[InitParamHostPort]
	c.remotePeerInfo.ProcessName = req.InitParams[InitParamProcessName]

	res := &InitRes{initMessage{id: frame.Header.Id}, CurrentProtocolVersion, InitParams{
		InitParamHostPort:    c.localPeerInfo.HostPort,
		InitParamProcessName: c.localPeerInfo.ProcessName,
	}}

	if err := c.sendMessage(res); err != nil {
		c.connectionError(err)
		return
	}

	c.withStateLock(func() error {
		if c.getState() == connectionWaitingToRecvInitReq {
			c.setState(connectionActive)
		}
		return nil
	})
}

// handleInitRes forwards an init res to the goroutine blocked in sendInit.
func (c *Connection) handleInitRes(frame *Frame) {
	c.forwardControlFrame(frame)
}

// handlePingReq replies immediately with a ping res echoing the same id
// (spec §4.2).
func (c *Connection) handlePingReq(frame *Frame) {
	if err := c.sendMessage(&PingMessage{id: frame.Header.Id, res: true}); err != nil {
		c.log.Warnf("could not reply to ping from %s: %v", c.remotePeerInfo, err)
	}
}

// handlePingRes forwards a ping res to whatever keepalive goroutine is
// waiting on it.
func (c *Connection) handlePingRes(frame *Frame) {
	c.forwardControlFrame(frame)
}

// handleError routes an error frame either to the in-flight outbound call
// it pertains to, or — for FatalProtocolError — closes the connection
// entirely (spec §4.2, §4.8).
func (c *Connection) handleError(frame *Frame) {
	var em ErrorMessage
	rbuf := typed.NewReadBuffer(frame.SizedPayload())
	if err := em.read(rbuf); err != nil {
		c.connectionError(NewProtocolError(true, "could not decode error frame: %v", err))
		return
	}

	if em.ErrorCode == ErrCodeFatalProtocol {
		c.connectionError(NewSystemError(ErrCodeFatalProtocol, "%s", em.Message))
		return
	}

	if !c.forwardControlFrame(frame) {
		c.outbound.deliverError(frame.Header.Id, NewSystemError(em.ErrorCode, "%s", em.Message))
	}
}

// forwardControlFrame delivers frame to a pending control (init/ping) wait
// channel, returning true if there was one.
func (c *Connection) forwardControlFrame(frame *Frame) bool {
	var ch chan<- *Frame
	c.withReqLock(func() error {
		ch = c.activeResChs[frame.Header.Id]
		return nil
	})

	if ch == nil {
		return false
	}

	select {
	case ch <- frame:
	default:
	}
	return true
}

func (c *Connection) forgetControlResponse(id uint32) {
	c.withReqLock(func() error {
		delete(c.activeResChs, id)
		return nil
	})
}

// sendMessage sends a standalone (non-fragmented) control message.
func (c *Connection) sendMessage(msg Message) error {
	f, err := MarshalMessage(msg, c.framePool)
	if err != nil {
		return err
	}
	return c.enqueueFrame(f)
}

// recvMessage blocks for a control message response or ctx cancellation.
func (c *Connection) recvMessage(ctx context.Context, msg Message, resCh <-chan *Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	case frame := <-resCh:
		msgBuf := typed.NewReadBuffer(frame.SizedPayload())
		err := msg.read(msgBuf)
		c.framePool.Release(frame)
		return err
	}
}

// enqueueFrame pushes f onto the write queue, providing the backpressure
// described in spec §5: if the queue is full, the caller blocks until
// space frees up or the connection closes.
func (c *Connection) enqueueFrame(f *Frame) error {
	select {
	case c.sendCh <- f:
		c.touchLastSend()
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

func (c *Connection) touchLastSend() {
	c.lastSendMut.Lock()
	c.lastSend = time.Now()
	c.lastSendMut.Unlock()
}

func (c *Connection) timeSinceLastSend() time.Duration {
	c.lastSendMut.Lock()
	defer c.lastSendMut.Unlock()
	if c.lastSend.IsZero() {
		return 0
	}
	return time.Since(c.lastSend)
}

// keepalive issues a ping req after idleCheck of outbound inactivity and
// fails the connection if no ping res arrives within pingTimeout (spec
// §4.2).
func (c *Connection) keepalive(idleCheck, pingTimeout time.Duration) {
	ticker := time.NewTicker(idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.getState() != connectionActive {
				continue
			}
			if c.timeSinceLastSend() < idleCheck {
				continue
			}
			if err := c.ping(pingTimeout); err != nil {
				c.connectionError(NewSystemError(ErrCodeNetwork, "keepalive ping failed: %v", err))
				return
			}
		}
	}
}

func (c *Connection) ping(timeout time.Duration) error {
	id := c.NextMessageId()
	resCh := make(chan *Frame, 1)
	c.withReqLock(func() error {
		c.activeResChs[id] = resCh
		return nil
	})
	defer c.forgetControlResponse(id)

	if err := c.sendMessage(&PingMessage{id: id}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var res PingMessage
	return c.recvMessage(ctx, &res, resCh)
}

// connectionError transitions the connection to closed (idempotently),
// tearing down the network and failing every in-flight call. It returns
// its argument unmodified so call sites can `return c.connectionError(err)`.
func (c *Connection) connectionError(err error) error {
	c.closeOnce.Do(func() {
		c.setState(connectionClosed)
		close(c.closed)
		c.conn.Close()
		c.outbound.failAll(NewSystemError(ErrCodeNetwork, "connection closed: %v", err))
		c.inbound.abortAll()
	})
	return err
}

// Close shuts the connection down at once: the network connection is
// closed, new sends are refused, and every in-flight call is failed.
// Frames still waiting in the write queue are not drained and are never
// sent. It returns ErrConnectionClosed.
func (c *Connection) Close() error {
	c.withStateLock(func() error {
		if c.getState() != connectionClosed {
			c.setState(connectionStartClose)
		}
		return nil
	})
	return c.connectionError(ErrConnectionClosed)
}

func (c *Connection) withStateLock(f func() error) error {
	c.stateMut.Lock()
	defer c.stateMut.Unlock()
	return f()
}

func (c *Connection) withReqLock(f func() error) error {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()
	return f()
}

// readFrames is the connection's single reader goroutine: it owns decode
// and demultiplex so reads never overlap on the socket (spec §5).
func (c *Connection) readFrames() {
	for {
		frame, err := ReadFrame(c.conn, c.framePool)
		if err != nil {
			c.connectionError(err)
			return
		}

		switch frame.Header.Type {
		case MessageTypeCallReq:
			c.inbound.handleCallReq(frame)
		case MessageTypeCallReqContinue:
			c.inbound.handleCallReqContinue(frame)
		case MessageTypeCallRes:
			c.outbound.handleCallRes(frame)
		case MessageTypeCallResContinue:
			c.outbound.handleCallResContinue(frame)
		case MessageTypeInitReq:
			c.handleInitReq(frame)
		case MessageTypeInitRes:
			c.handleInitRes(frame)
		case MessageTypePingReq:
			c.handlePingReq(frame)
		case MessageTypePingRes:
			c.handlePingRes(frame)
		case MessageTypeCancel:
			c.inbound.handleCancel(frame)
		case MessageTypeError:
			c.handleError(frame)
		default:
			c.connectionError(NewProtocolError(true, "unknown frame type %s", frame.Header.Type))
			return
		}
	}
}

// writeFrames is the connection's single writer goroutine: interleaving
// bytes from two frames would corrupt the stream, so every frame — control,
// call, or continuation — flows through this one FIFO (spec §5).
func (c *Connection) writeFrames() {
	for f := range c.sendCh {
		if err := WriteFrame(c.conn, f); err != nil {
			c.connectionError(NewWriteIOError("frame-write", err))
			return
		}
		c.framePool.Release(f)
	}
}

// MarshalMessage serializes a standalone (non-fragmented) Message into a
// pooled Frame.
func MarshalMessage(msg Message, pool FramePool) (*Frame, error) {
	f := pool.Get()

	wbuf := typed.NewWriteBuffer(f.Payload[:])
	if err := msg.write(wbuf); err != nil {
		return nil, err
	}

	f.Header.Id = msg.Id()
	f.Header.Type = msg.Type()
	f.Header.Size = uint16(wbuf.BytesWritten() + FrameHeaderSize)
	return f, nil
}
