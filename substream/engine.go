// Package substream implements the per-connection finite state machines
// that carry a single PBFT request/response exchange across an asynchronous
// byte stream, and the Engine that the node loop polls round-robin across
// all currently active substreams.
package substream

import (
	"net"

	"pbftnode/perr"
)

// Dialer opens a fresh connection to a peer address. Supplied by the node
// loop; the substream engine has no opinion on transport details beyond
// "gives me a net.Conn eventually".
type Dialer func(addr string) (net.Conn, error)

// Engine owns every Outbound and Inbound substream for one replica. It is
// exclusively owned by the Node loop.
type Engine struct {
	dial Dialer

	outbound   map[ConnectionID]*Outbound
	inbound    map[ConnectionID]*Inbound
	nextConnID ConnectionID
}

// NewEngine creates an Engine that uses dial to open outbound substreams.
func NewEngine(dial Dialer) *Engine {
	return &Engine{
		dial:     dial,
		outbound: make(map[ConnectionID]*Outbound),
		inbound:  make(map[ConnectionID]*Inbound),
	}
}

func (e *Engine) allocConnID() ConnectionID {
	e.nextConnID++
	return e.nextConnID
}

// Send opens a new outbound substream to peer at addr carrying msg (one of
// PrePrepare/Prepare/Commit). Called once per connected peer for every
// SendPrePrepare/SendPrepare/SendCommit action.
func (e *Engine) Send(peer PeerID, addr string, msg interface{}) {
	id := e.allocConnID()
	o := NewOutbound(peer, func() (net.Conn, error) { return e.dial(addr) }, msg)
	e.outbound[id] = o
}

// AcceptInbound registers a freshly-accepted connection as a new inbound
// substream and returns its ConnectionID, the "correlation anchor" used
// later by Respond.
func (e *Engine) AcceptInbound(from PeerID, conn net.Conn) ConnectionID {
	id := e.allocConnID()
	e.inbound[id] = NewInbound(id, from, conn)
	return id
}

// Respond supplies the application's answer for a parked inbound substream.
// It reports ErrUnknownConnectionID (logged at warning, never fatal) if no
// substream is parked under connID.
func (e *Engine) Respond(connID ConnectionID, payload []byte) error {
	in, ok := e.inbound[connID]
	if !ok {
		return perr.ErrUnknownConnectionID
	}
	return in.Respond(payload)
}

// DropPeerOutbound tears down every outbound substream addressed to peer,
// e.g. on a discovery Expired/disconnect event.
func (e *Engine) DropPeerOutbound(peer PeerID) {
	for id, o := range e.outbound {
		if o.Peer == peer {
			o.fail(perr.New(perr.Transport, "PeerDisconnected", string(peer)))
			delete(e.outbound, id)
		}
	}
}

// Tick polls every active substream exactly once, in round-robin order, and
// returns whatever upward events were produced this tick. Terminal
// substreams are pruned. The node loop calls Tick once per iteration.
func (e *Engine) Tick() []Event {
	var events []Event

	for id, o := range e.outbound {
		if ev, hasEvent := o.Poll(); hasEvent {
			events = append(events, ev)
		}
		if o.Done() {
			delete(e.outbound, id)
		}
	}

	for id, in := range e.inbound {
		if ev, hasEvent := in.Poll(); hasEvent {
			events = append(events, ev)
		}
		if in.Done() {
			delete(e.inbound, id)
		}
	}

	return events
}

// ActiveCount reports the number of substreams still open, mainly for
// tests and diagnostics.
func (e *Engine) ActiveCount() int {
	return len(e.outbound) + len(e.inbound)
}
