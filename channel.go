package tchannel

// Copyright (c) 2015 Uber Technologies, Inc.

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ChannelOptions are used to control parameters on creating a Channel.
type ChannelOptions struct {
	// DefaultConnectionOptions are applied to every connection the
	// Channel dials or accepts.
	DefaultConnectionOptions ConnectionOptions

	// ProcessName is reported to peers during the handshake, for logging
	// and reporting.
	ProcessName string

	// Logger receives channel-scoped log lines. Defaults to NullLogger.
	Logger Logger
}

// A Channel is a bi-directional connection to the peering and routing
// network. Applications use a Channel to make service calls to remote peers
// via Call/BeginCall, or to listen for incoming calls from peers. Once the
// channel is created, applications should call ListenAndHandle to accept
// incoming peer connections, even if they offer no services of their own,
// since the same connections carry both directions of traffic (spec §1,
// §6.2).
type Channel struct {
	log               Logger
	hostPort          string
	processName       string
	connectionOptions ConnectionOptions
	handlers          handlerMap
	peers             *PeerList
	retryLimiter      *retryBackoffLimiter

	l net.Listener

	mut         sync.Mutex
	conns       []*Connection
	subChannels map[string]*SubChannel
	closed      bool
}

// NewChannel creates a new Channel bound to hostPort. A port of 0 starts
// the channel on an OS-assigned port; a host with no port is rejected.
func NewChannel(hostPort string, opts *ChannelOptions) (*Channel, error) {
	if opts == nil {
		opts = &ChannelOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = NullLogger{}
	}

	ch := &Channel{
		connectionOptions: opts.DefaultConnectionOptions,
		processName:       opts.ProcessName,
		log:               logger,
		subChannels:       make(map[string]*SubChannel),
		retryLimiter:      newRetryBackoffLimiter(),
	}
	ch.peers = newPeerList(ch)

	addr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		ch.log.Errorf("could not resolve %s: %v", hostPort, err)
		return nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		ch.log.Errorf("could not listen on %s: %v", hostPort, err)
		return nil, err
	}

	ch.l = l
	ch.hostPort = l.Addr().String()
	ch.connectionOptions.PeerInfo.HostPort = ch.hostPort
	ch.connectionOptions.PeerInfo.ProcessName = ch.processName
	if ch.connectionOptions.Logger == nil {
		ch.connectionOptions.Logger = logger
	}
	ch.log.Infof("%s listening on %s", ch.processName, ch.hostPort)
	return ch, nil
}

// HostPort returns the host and port this Channel is listening on.
func (ch *Channel) HostPort() string { return ch.hostPort }

// Register registers a handler for a service+operation pair, reachable by
// any caller regardless of which SubChannel (if any) they went through.
func (ch *Channel) Register(h Handler, serviceName, operationName string) {
	ch.handlers.register(h, serviceName, operationName)
}

// GetSubChannel returns the SubChannel scoped to serviceName, creating it
// on first use (spec §4.5, §6.2 — see SPEC_FULL.md §12).
func (ch *Channel) GetSubChannel(serviceName string) *SubChannel {
	ch.mut.Lock()
	defer ch.mut.Unlock()

	if sc, ok := ch.subChannels[serviceName]; ok {
		return sc
	}
	sc := newSubChannel(ch, serviceName)
	ch.subChannels[serviceName] = sc
	return sc
}

// findSubChannel returns the SubChannel already registered for serviceName,
// without creating one. Used by inbound dispatch, which must not fabricate
// a SubChannel (with its own peer list) just to check for handlers.
func (ch *Channel) findSubChannel(serviceName string) (*SubChannel, bool) {
	ch.mut.Lock()
	defer ch.mut.Unlock()

	sc, ok := ch.subChannels[serviceName]
	return sc, ok
}

// Peers returns the Channel-wide peer pool used by BeginCall/Call when no
// SubChannel is involved.
func (ch *Channel) Peers() *PeerList { return ch.peers }

// BeginCall starts a new call to hostPort, returning an OutboundCall that
// can be used to write the call's arguments directly (spec §4.5).
func (ch *Channel) BeginCall(ctx context.Context, hostPort, serviceName, operationName string, opts *CallOptions) (*OutboundCall, error) {
	opts = opts.withDefaults()

	peer := ch.peers.Add(hostPort)
	peer.onCallStart()

	conn, err := peer.getConnection(ctx)
	if err != nil {
		peer.onCallFailure()
		peer.onCallFinish()
		return nil, err
	}

	call, err := conn.outbound.beginCall(ctx, serviceName, opts.TimeToLive, opts)
	if err != nil {
		peer.onCallFinish()
		return nil, err
	}

	if err := call.WriteArg1(operationName); err != nil {
		peer.onCallFinish()
		return nil, err
	}

	return call, nil
}

// Call performs a full round trip against the Channel's own peer pool,
// selecting and retrying across peers previously seen via BeginCall/Call or
// explicitly added through Peers().Add (spec §4.5, §4.6). Pass a non-empty
// CallOptions.HostPort to pin the call to one peer without using the pool.
func (ch *Channel) Call(ctx context.Context, serviceName, operationName string, opts *CallOptions,
	reqArg2, reqArg3 Output, resArg2, resArg3 Input) (*OutboundCallResponse, error) {

	return roundTrip(ctx, ch.peers, ch.retryLimiter, serviceName, operationName, opts,
		reqArg2, reqArg3, resArg2, resArg3)
}

// ListenAndHandle runs a listener to accept and manage new incoming
// connections. Blocks until the listener is closed.
func (ch *Channel) ListenAndHandle() error {
	acceptBackoff := 0 * time.Millisecond

	for {
		netConn, err := ch.l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if acceptBackoff == 0 {
					acceptBackoff = 5 * time.Millisecond
				} else {
					acceptBackoff *= 2
				}
				if max := 1 * time.Second; acceptBackoff > max {
					acceptBackoff = max
				}
				ch.log.Warnf("accept error: %v; retrying in %v", err, acceptBackoff)
				time.Sleep(acceptBackoff)
				continue
			}

			ch.mut.Lock()
			closed := ch.closed
			ch.mut.Unlock()
			if closed {
				return nil
			}
			ch.log.Errorf("unrecoverable accept error: %v; closing server", err)
			return err
		}

		acceptBackoff = 0

		conn := newInboundConnection(ch, netConn, &ch.connectionOptions)
		ch.mut.Lock()
		ch.conns = append(ch.conns, conn)
		ch.mut.Unlock()
	}
}

// Close shuts down the listener, every accepted inbound connection, and
// every pooled outbound peer connection, aggregating whatever independent
// failures occur into a single error (spec §6.2). Connections and peers are
// closed one after another, and their close failures are combined with
// go.uber.org/multierr rather than reporting only the first one.
func (ch *Channel) Close() error {
	ch.mut.Lock()
	if ch.closed {
		ch.mut.Unlock()
		return nil
	}
	ch.closed = true
	conns := ch.conns
	ch.conns = nil
	ch.mut.Unlock()

	var errs []error
	if ch.l != nil {
		if err := ch.l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, c := range conns {
		if err := c.Close(); err != nil && err != ErrConnectionClosed {
			errs = append(errs, err)
		}
	}

	if err := ch.peers.Close(); err != nil {
		errs = append(errs, err)
	}

	ch.mut.Lock()
	subChannels := make([]*SubChannel, 0, len(ch.subChannels))
	for _, sc := range ch.subChannels {
		subChannels = append(subChannels, sc)
	}
	ch.mut.Unlock()
	for _, sc := range subChannels {
		if err := sc.peers.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return multierrCombine(errs)
}

// multierrCombine merges independent close/teardown failures into one
// error via go.uber.org/multierr, returning nil when errs is empty.
func multierrCombine(errs []error) error {
	return multierr.Combine(errs...)
}
