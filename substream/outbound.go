package substream

import (
	"bufio"
	"net"
	"time"

	"pbftnode/perr"
	"pbftnode/wire"
)

// OutState is the initiator-side state set of an Outbound substream.
type OutState int

const (
	OutPendingOpen OutState = iota
	OutPendingSend
	OutPendingFlush
	OutWaitingAnswer
	OutClosing
	OutDone
	OutFailed
)

// pollDeadline bounds a single non-blocking I/O attempt: long enough for a
// local/LAN round trip to already-buffered data, short enough that a single
// Poll call never suspends the caller.
const pollDeadline = 2 * time.Millisecond

// defaultAnswerTimeout bounds how long an Outbound waits for a response
// after its request has been flushed.
const defaultAnswerTimeout = 10 * time.Second

// dialFunc opens the underlying byte stream. It runs on a background
// goroutine so OutPendingOpen's Poll never blocks.
type dialFunc func() (net.Conn, error)

// Outbound drives exactly one request/response exchange initiated by this
// replica.
type Outbound struct {
	Peer  PeerID
	state OutState

	dial       dialFunc
	dialResult chan dialOutcome
	conn       net.Conn
	w          *bufio.Writer
	r          *bufio.Reader

	message    interface{}
	answerDead time.Time
	err        error
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

// NewOutbound creates an Outbound substream carrying message, to be opened
// via dial on the first Poll call.
func NewOutbound(peer PeerID, dial dialFunc, message interface{}) *Outbound {
	return &Outbound{
		Peer:    peer,
		state:   OutPendingOpen,
		dial:    dial,
		message: message,
	}
}

// State returns the current state, mainly for tests and logging.
func (o *Outbound) State() OutState { return o.state }

// Err returns the terminal error, if the substream failed.
func (o *Outbound) Err() error { return o.err }

// Done reports whether the substream has reached a terminal state and can
// be dropped by its owner.
func (o *Outbound) Done() bool { return o.state == OutDone || o.state == OutFailed }

// Poll advances the state machine by at most one transition. It never
// blocks: any I/O that would block leaves the state unchanged and Poll
// returns (Event{}, false). The returned bool means "an upward event is
// present in Event"; internal transitions that produce no event (e.g. a
// successful dial or a successful flush) return false even though the
// state advanced.
func (o *Outbound) Poll() (Event, bool) {
	switch o.state {
	case OutPendingOpen:
		return o.pollPendingOpen()
	case OutPendingSend:
		return o.pollPendingSend()
	case OutPendingFlush:
		return o.pollPendingFlush()
	case OutWaitingAnswer:
		return o.pollWaitingAnswer()
	case OutClosing:
		return o.pollClosing()
	default:
		return Event{}, false
	}
}

func (o *Outbound) fail(err error) (Event, bool) {
	o.err = err
	o.state = OutFailed
	if o.conn != nil {
		o.conn.Close()
	}
	return Event{Kind: SubstreamFailed, FromPeer: o.Peer}, true
}

func (o *Outbound) pollPendingOpen() (Event, bool) {
	if o.dialResult == nil {
		ch := make(chan dialOutcome, 1)
		o.dialResult = ch
		go func() {
			conn, err := o.dial()
			ch <- dialOutcome{conn, err}
		}()
		return Event{}, false
	}

	select {
	case outcome := <-o.dialResult:
		if outcome.err != nil {
			return o.fail(perr.New(perr.Transport, "DialFailed", outcome.err.Error()))
		}
		o.conn = outcome.conn
		o.w = bufio.NewWriter(outcome.conn)
		o.r = bufio.NewReader(outcome.conn)
		o.state = OutPendingSend
		return Event{}, false
	default:
		return Event{}, false
	}
}

func (o *Outbound) pollPendingSend() (Event, bool) {
	o.conn.SetWriteDeadline(time.Now().Add(pollDeadline))
	err := wire.WriteFrame(o.w, o.message)
	o.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false // buffer full, stay
		}
		return o.fail(perr.New(perr.Transport, "WriteFailed", err.Error()))
	}
	o.state = OutPendingFlush
	return Event{}, false
}

func (o *Outbound) pollPendingFlush() (Event, bool) {
	o.conn.SetWriteDeadline(time.Now().Add(pollDeadline))
	err := o.w.Flush()
	o.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false
		}
		return o.fail(perr.New(perr.Transport, "FlushFailed", err.Error()))
	}
	o.state = OutWaitingAnswer
	o.answerDead = time.Now().Add(defaultAnswerTimeout)
	return Event{}, false
}

func (o *Outbound) pollWaitingAnswer() (Event, bool) {
	if time.Now().After(o.answerDead) {
		return o.fail(perr.ErrResponseTimeout)
	}

	o.conn.SetReadDeadline(time.Now().Add(pollDeadline))
	payload, err := wire.ReadRawFrame(o.r)
	o.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return Event{}, false
		}
		return o.fail(perr.New(perr.Transport, "ReadFailed", err.Error()))
	}

	o.state = OutClosing
	return Event{Kind: ResponseReceived, ResponseBytes: payload, FromPeer: o.Peer}, true
}

func (o *Outbound) pollClosing() (Event, bool) {
	o.conn.Close()
	o.state = OutDone
	return Event{}, false
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
