package substream

import (
	"bufio"
	"net"
	"time"

	"pbftnode/perr"
	"pbftnode/wire"
)

// InState is the responder-side state set of an Inbound substream.
type InState int

const (
	InWaitingMessage InState = iota
	InWaitingToProcessMessage
	InPendingSend
	InPendingFlush
	InClosing
	InDone
	InFailed
)

// Inbound drives exactly one request/response exchange offered by a peer.
// InWaitingToProcessMessage is the "correlation anchor": the substream is
// parked there until the application supplies a response for this ConnID
// via Engine.Respond.
type Inbound struct {
	ConnID ConnectionID
	From   PeerID

	state    InState
	conn     net.Conn
	w        *bufio.Writer
	r        *bufio.Reader
	response []byte
	err      error
}

// NewInbound wraps a freshly-accepted connection, ready to read its one
// request frame.
func NewInbound(connID ConnectionID, from PeerID, conn net.Conn) *Inbound {
	return &Inbound{
		ConnID: connID,
		From:   from,
		state:  InWaitingMessage,
		conn:   conn,
		w:      bufio.NewWriter(conn),
		r:      bufio.NewReader(conn),
	}
}

func (i *Inbound) State() InState { return i.state }
func (i *Inbound) Err() error     { return i.err }
func (i *Inbound) Done() bool     { return i.state == InDone || i.state == InFailed }

// Respond supplies the application's response for this parked substream,
// transitioning it out of InWaitingToProcessMessage. It is a no-op (the
// caller should treat it as ErrUnknownConnectionID) if the substream is not
// currently parked there.
func (i *Inbound) Respond(payload []byte) error {
	if i.state != InWaitingToProcessMessage {
		return perr.ErrUnknownConnectionID
	}
	i.response = payload
	i.state = InPendingSend
	return nil
}

// Poll advances the state machine by at most one transition, returning the
// upward Process*Request event the first time a request frame is read.
func (i *Inbound) Poll() (Event, bool) {
	switch i.state {
	case InWaitingMessage:
		return i.pollWaitingMessage()
	case InPendingSend:
		return i.pollPendingSend()
	case InPendingFlush:
		return i.pollPendingFlush()
	case InClosing:
		return i.pollClosing()
	default:
		return Event{}, false
	}
}

func (i *Inbound) fail(err error) (Event, bool) {
	i.err = err
	i.state = InFailed
	i.conn.Close()
	return Event{Kind: SubstreamFailed, FromPeer: i.From, ConnID: i.ConnID}, true
}

func (i *Inbound) pollWaitingMessage() (Event, bool) {
	i.conn.SetReadDeadline(time.Now().Add(pollDeadline))
	msg, err := wire.ReadFrame(i.r, wire.PeerChannel)
	i.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false
		}
		return i.fail(perr.New(perr.Transport, "ReadFailed", err.Error()))
	}

	i.state = InWaitingToProcessMessage

	switch m := msg.(type) {
	case wire.PrePrepare:
		return Event{Kind: ProcessPrePrepareRequest, PrePrepare: m, ConnID: i.ConnID, FromPeer: i.From}, true
	case wire.Prepare:
		return Event{Kind: ProcessPrepareRequest, Prepare: m, ConnID: i.ConnID, FromPeer: i.From}, true
	case wire.Commit:
		return Event{Kind: ProcessCommitRequest, Commit: m, ConnID: i.ConnID, FromPeer: i.From}, true
	default:
		return i.fail(perr.ErrUnexpectedVariant)
	}
}

func (i *Inbound) pollPendingSend() (Event, bool) {
	i.conn.SetWriteDeadline(time.Now().Add(pollDeadline))
	err := wire.WriteRawFrame(i.w, i.response)
	i.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false
		}
		return i.fail(perr.New(perr.Transport, "WriteFailed", err.Error()))
	}
	i.state = InPendingFlush
	return Event{}, false
}

func (i *Inbound) pollPendingFlush() (Event, bool) {
	i.conn.SetWriteDeadline(time.Now().Add(pollDeadline))
	err := i.w.Flush()
	i.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false
		}
		return i.fail(perr.New(perr.Transport, "FlushFailed", err.Error()))
	}
	i.state = InClosing
	return Event{}, false
}

func (i *Inbound) pollClosing() (Event, bool) {
	i.conn.Close()
	i.state = InDone
	return Event{}, false
}
