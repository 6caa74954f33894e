package tchannel

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// Peer tracks everything known locally about one remote hostPort: its
// current connections and the inputs to its selection score (spec §4.5:
// connection count, in-flight count, last-failure recency, jitter).
type Peer struct {
	ch       *Channel
	hostPort string

	mut         sync.RWMutex
	connections []*Connection

	inFlight    atomic.Int32
	lastFailure atomic.Int64 // unix nanos; zero means "never failed"

	dialGroup singleflight.Group
}

func newPeer(ch *Channel, hostPort string) *Peer {
	return &Peer{ch: ch, hostPort: hostPort}
}

// HostPort returns the peer's address.
func (p *Peer) HostPort() string { return p.hostPort }

// score ranks a peer for selection: lower is better. Connected peers with
// fewer in-flight calls and no recent failures sort first; a small jitter
// term avoids every caller in a fleet converging on the same "best" peer
// at once (spec §4.5).
func (p *Peer) score() float64 {
	p.mut.RLock()
	connCount := len(p.connections)
	p.mut.RUnlock()

	s := float64(p.inFlight.Load())
	if connCount == 0 {
		s += 10 // no warm connection yet: prefer peers we're already talking to
	}

	if lastFail := p.lastFailure.Load(); lastFail != 0 {
		age := time.Since(time.Unix(0, lastFail))
		if age < 0 {
			age = 0
		}
		// A failure in the last 30s contributes up to 5 points of penalty,
		// decaying linearly to zero by the 30s mark.
		const decayWindow = 30 * time.Second
		if age < decayWindow {
			s += 5 * (1 - float64(age)/float64(decayWindow))
		}
	}

	s += rand.Float64() * 0.5
	return s
}

func (p *Peer) onCallStart()    { p.inFlight.Inc() }
func (p *Peer) onCallFinish()   { p.inFlight.Dec() }
func (p *Peer) onCallFailure()  { p.lastFailure.Store(time.Now().UnixNano()) }

// getConnection returns a connected, active Connection to this peer,
// dialing one if necessary. Concurrent callers for the same peer share a
// single in-flight dial via singleflight, matching the "share a single
// dial guard per peer" requirement (spec §4.5).
func (p *Peer) getConnection(ctx context.Context) (*Connection, error) {
	if conn := p.activeConnection(); conn != nil {
		return conn, nil
	}

	v, err, _ := p.dialGroup.Do(p.hostPort, func() (interface{}, error) {
		if conn := p.activeConnection(); conn != nil {
			return conn, nil
		}
		return p.dial(ctx)
	})
	if err != nil {
		p.onCallFailure()
		return nil, err
	}
	return v.(*Connection), nil
}

func (p *Peer) activeConnection() *Connection {
	p.mut.RLock()
	defer p.mut.RUnlock()
	for _, c := range p.connections {
		if c.getState() == connectionActive {
			return c
		}
	}
	return nil
}

func (p *Peer) dial(ctx context.Context) (*Connection, error) {
	var d net.Dialer
	nconn, err := d.DialContext(ctx, "tcp", p.hostPort)
	if err != nil {
		return nil, NewSystemError(ErrCodeNetwork, "dial %s: %v", p.hostPort, err)
	}

	opts := p.ch.connectionOptions
	conn := newOutboundConnection(p.ch, nconn, &opts)
	if err := conn.sendInit(ctx); err != nil {
		nconn.Close()
		return nil, err
	}

	p.addConnection(conn)
	return conn, nil
}

func (p *Peer) addConnection(conn *Connection) {
	p.mut.Lock()
	p.connections = append(p.connections, conn)
	p.mut.Unlock()
}

func (p *Peer) removeConnection(conn *Connection) {
	p.mut.Lock()
	defer p.mut.Unlock()
	for i, c := range p.connections {
		if c == conn {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			return
		}
	}
}

func (p *Peer) closeAll() error {
	p.mut.Lock()
	conns := p.connections
	p.connections = nil
	p.mut.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && err != ErrConnectionClosed && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PeerList is a pool of peers a Channel or SubChannel can select among for
// outbound calls (spec §4.5).
type PeerList struct {
	ch *Channel

	mut   sync.RWMutex
	peers map[string]*Peer
}

func newPeerList(ch *Channel) *PeerList {
	return &PeerList{ch: ch, peers: make(map[string]*Peer)}
}

// Add registers hostPort as a usable peer, returning its Peer (creating it
// if this is the first time it's been seen).
func (l *PeerList) Add(hostPort string) *Peer {
	l.mut.Lock()
	defer l.mut.Unlock()

	if p, ok := l.peers[hostPort]; ok {
		return p
	}
	p := newPeer(l.ch, hostPort)
	l.peers[hostPort] = p
	return p
}

// Get returns the previously added Peer for hostPort, or nil.
func (l *PeerList) Get(hostPort string) *Peer {
	l.mut.RLock()
	defer l.mut.RUnlock()
	return l.peers[hostPort]
}

// Choose picks the best-scoring peer, excluding any hostPort in exclude
// (used by the retry driver to avoid re-trying a peer that just failed).
// Ties are broken deterministically by hostPort (the peer's id) so that
// map iteration order never influences which peer is picked (spec §4.5).
func (l *PeerList) Choose(exclude map[string]bool) (*Peer, error) {
	l.mut.RLock()
	defer l.mut.RUnlock()

	var best *Peer
	var bestHostPort string
	var bestScore float64
	for hostPort, p := range l.peers {
		if exclude[hostPort] {
			continue
		}
		s := p.score()
		if best == nil || s < bestScore || (s == bestScore && hostPort < bestHostPort) {
			best = p
			bestScore = s
			bestHostPort = hostPort
		}
	}

	if best == nil {
		return nil, ErrNoPeersAvailable
	}
	return best, nil
}

// Close tears down every peer's connections.
func (l *PeerList) Close() error {
	l.mut.RLock()
	peers := make([]*Peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mut.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.closeAll(); err != nil {
			errs = append(errs, err)
		}
	}
	return multierrCombine(errs)
}
