package tchannel

import (
	"context"
	"sync"
)

// SubChannel is a service-scoped view onto a Channel: its own peer list and
// default CallOptions, matching the yarpc-go call site
// `o.channel.GetSubChannel(req.Service).BeginCall(...)` and the general
// TChannel peer-group-per-service idiom (spec §4.5, §6.2).
type SubChannel struct {
	ch          *Channel
	serviceName string
	peers       *PeerList

	mut            sync.RWMutex
	handlers       handlerMap
	defaultOptions *CallOptions
}

func newSubChannel(ch *Channel, serviceName string) *SubChannel {
	return &SubChannel{
		ch:          ch,
		serviceName: serviceName,
		peers:       newPeerList(ch),
	}
}

// ServiceName returns the service this SubChannel is scoped to.
func (sc *SubChannel) ServiceName() string { return sc.serviceName }

// Peers returns the SubChannel's own peer pool, distinct from the parent
// Channel's.
func (sc *SubChannel) Peers() *PeerList { return sc.peers }

// SetDefaultCallOptions fixes the CallOptions merged into every call made
// through this SubChannel when the caller passes nil.
func (sc *SubChannel) SetDefaultCallOptions(opts *CallOptions) {
	sc.mut.Lock()
	sc.defaultOptions = opts
	sc.mut.Unlock()
}

func (sc *SubChannel) resolveOptions(opts *CallOptions) *CallOptions {
	if opts != nil {
		return opts
	}
	sc.mut.RLock()
	defer sc.mut.RUnlock()
	return sc.defaultOptions
}

// Register registers a handler for one operation, scoped to this
// SubChannel's service only. dispatchInbound consults a service's
// SubChannel (if one exists) before falling back to the parent Channel's
// handlers, so a handler registered here does not also need registering on
// the Channel.
func (sc *SubChannel) Register(h Handler, operationName string) {
	sc.handlers.register(h, sc.serviceName, operationName)
}

// findHandler looks up a handler registered directly on this SubChannel,
// distinct from the parent Channel's channel-wide handlers.
func (sc *SubChannel) findHandler(operationName string) Handler {
	return sc.handlers.find(sc.serviceName, operationName)
}

// BeginCall starts a new call against this SubChannel's peer pool and
// service name.
func (sc *SubChannel) BeginCall(ctx context.Context, operationName string, opts *CallOptions) (*OutboundCall, error) {
	opts = sc.resolveOptions(opts).withDefaults()

	var peer *Peer
	var err error
	if opts.HostPort != "" {
		peer = sc.peers.Add(opts.HostPort)
	} else {
		peer, err = sc.peers.Choose(nil)
		if err != nil {
			return nil, err
		}
	}

	peer.onCallStart()
	conn, err := peer.getConnection(ctx)
	if err != nil {
		peer.onCallFailure()
		peer.onCallFinish()
		return nil, err
	}

	call, err := conn.outbound.beginCall(ctx, sc.serviceName, opts.TimeToLive, opts)
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

// Call performs a full round trip (arg2/arg3 write, response arg2/arg3
// read) against this SubChannel, with retry across its peer pool (spec
// §4.5, §4.6).
func (sc *SubChannel) Call(ctx context.Context, operationName string, opts *CallOptions,
	reqArg2, reqArg3 Output, resArg2, resArg3 Input) (*OutboundCallResponse, error) {

	opts = sc.resolveOptions(opts)
	return roundTrip(ctx, sc.peers, sc.ch.retryLimiter, sc.serviceName, operationName, opts,
		reqArg2, reqArg3, resArg2, resArg3)
}
