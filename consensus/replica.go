// Package consensus implements the PBFT agreement state machine: the
// per-message acceptance predicates that drive a client request through
// PRE-PREPARE, PREPARE, COMMIT and REPLY, built on top of the append-only
// log in msglog. It owns the log, the view, the peer table, and the
// outbound action queue that the node loop drains via Poll.
package consensus

import (
	"log"

	"pbftnode/msglog"
	"pbftnode/perr"
	"pbftnode/substream"
	"pbftnode/wire"
)

// PeerID identifies a replica, shared with msglog's bucket keys.
type PeerID = msglog.PeerID

// Executor applies a committed operation to the replicated state machine
// and returns the result string embedded in the ClientReply. The core
// itself does not implement a state machine; callers supply one.
type Executor interface {
	Execute(operation []byte) string
}

// EchoExecutor is the default Executor: it returns the operation bytes
// unmodified, as a string. Enough to exercise the full commit path without
// a real application behind it.
type EchoExecutor struct{}

// Execute implements Executor.
func (EchoExecutor) Execute(operation []byte) string { return string(operation) }

// ActionKind enumerates what the consensus behavior asks the substream
// engine to do.
type ActionKind int

const (
	ActionSendPrePrepare ActionKind = iota
	ActionSendPrepare
	ActionSendCommit
	ActionRespondPrePrepare
	ActionRespondPrepare
	ActionRespondCommit
)

// Action is one outbound instruction drained from the Poll queue. Each Send*
// action goes to the single peer named in Peer (a broadcast enqueues one
// Send* action per connected peer); Respond* actions go back to the
// substream parked at ConnID.
type Action struct {
	Kind          ActionKind
	Peer          PeerID // destination for Send*; unused for Respond*
	PrePrepare    wire.PrePrepare
	Prepare       wire.Prepare
	Commit        wire.Commit
	ResponseBytes []byte
	ConnID        substream.ConnectionID
}

var (
	acceptedResponse = []byte("OK")
)

// Replica is the single-threaded PBFT agreement state machine for one
// node. It is exclusively owned by the node loop; it holds no locks of its
// own.
type Replica struct {
	self  PeerID
	order []PeerID // canonical replica ordering; length N, fixed at construction
	f     int

	addrs     map[PeerID]string
	connected map[PeerID]bool

	log            *msglog.Log
	executor       Executor
	actions        []Action
	pendingReplies []clientReply
}

// NewReplica builds a Replica for identity self among the given canonical
// replica ordering (which must include self exactly once), starting at
// initialView. f is derived as (N-1)/3, the maximum tolerated faulty count
// for N ≥ 3f+1.
func NewReplica(self PeerID, order []PeerID, initialView uint64, executor Executor) *Replica {
	if executor == nil {
		executor = EchoExecutor{}
	}
	return &Replica{
		self:      self,
		order:     append([]PeerID(nil), order...),
		f:         (len(order) - 1) / 3,
		addrs:     make(map[PeerID]string),
		connected: make(map[PeerID]bool),
		log:       msglog.New(initialView),
		executor:  executor,
	}
}

// N returns the configured replica count.
func (r *Replica) N() int { return len(r.order) }

// F returns the maximum tolerated faulty replica count.
func (r *Replica) F() int { return r.f }

func (r *Replica) quorumPrepares() int { return 2 * r.f }
func (r *Replica) quorumCommits() int  { return 2*r.f + 1 }

// View returns the current view number.
func (r *Replica) View() uint64 { return r.log.View() }

// Primary derives the primary identity for the given view: the
// (view mod N)-th peer in the canonical ordering.
func (r *Replica) Primary(view uint64) PeerID {
	return r.order[int(view%uint64(len(r.order)))]
}

// IsPrimary reports whether this replica is the primary of the current view.
func (r *Replica) IsPrimary() bool { return r.Primary(r.View()) == r.self }

// AddPeer records addr for id and marks it as known, idempotent per
// (id, addr). Dialing is the node loop's responsibility; the consensus
// behavior only tracks the address book.
func (r *Replica) AddPeer(id PeerID, addr string) {
	r.addrs[id] = addr
}

// RemovePeer drops id from the connected set. The address table may retain
// the entry for reconnect, so it is left alone here.
func (r *Replica) RemovePeer(id PeerID) {
	delete(r.connected, id)
}

// OnConnected marks id as connected. endpoint is accepted for symmetry with
// OnDisconnected and future logging; the core only tracks the boolean.
func (r *Replica) OnConnected(id PeerID, endpoint string) {
	r.connected[id] = true
}

// OnDisconnected marks id as no longer connected. A peer disconnect removes
// it from the connected set; consensus state is otherwise untouched.
func (r *Replica) OnDisconnected(id PeerID, endpoint string) {
	delete(r.connected, id)
}

// Addr returns the last known address for id, if any.
func (r *Replica) Addr(id PeerID) (string, bool) {
	addr, ok := r.addrs[id]
	return addr, ok
}

// ConnectedPeers returns the identities currently marked connected.
func (r *Replica) ConnectedPeers() []PeerID {
	out := make([]PeerID, 0, len(r.connected))
	for id := range r.connected {
		out = append(out, id)
	}
	return out
}

func (r *Replica) broadcast(build func(peer PeerID) Action) {
	for id := range r.connected {
		r.actions = append(r.actions, build(id))
	}
}

// AddClientRequest is valid only when this replica is primary. It assigns
// the next sequence, builds the PrePrepare, enqueues SendPrePrepare to
// every connected peer, and runs the local process-PRE-PREPARE path as if
// the message had arrived from the network.
func (r *Replica) AddClientRequest(req wire.ClientRequest) error {
	if !r.IsPrimary() {
		return perr.New(perr.Internal, "NotPrimary", "addClientRequest called on a backup")
	}

	seq := r.log.NextSequence()
	pp := wire.NewPrePrepare(r.View(), seq, req)

	log.Printf("[%s] primary assigning seq=%d digest=%s", r.self, seq, pp.Digest)

	r.broadcast(func(peer PeerID) Action {
		return Action{Kind: ActionSendPrePrepare, Peer: peer, PrePrepare: pp}
	})

	return r.processPrePrepare(pp)
}

// OnIncomingRequest dispatches a substream-engine Process*Request event to
// the matching process path, then enqueues the Respond* action carrying
// either the acceptance token or an error name. Sender identity comes from
// the message's own Sender field, not the TCP connection: this core has no
// handshake binding a connection to a replica identity.
func (r *Replica) OnIncomingRequest(ev substream.Event) {
	switch ev.Kind {
	case substream.ProcessPrePrepareRequest:
		r.respondAfter(ActionRespondPrePrepare, ev.ConnID, r.processPrePrepare(ev.PrePrepare))
	case substream.ProcessPrepareRequest:
		r.respondAfter(ActionRespondPrepare, ev.ConnID, r.processPrepare(msglog.PeerID(ev.Prepare.Sender), ev.Prepare))
	case substream.ProcessCommitRequest:
		r.respondAfter(ActionRespondCommit, ev.ConnID, r.processCommit(msglog.PeerID(ev.Commit.Sender), ev.Commit))
	default:
		log.Printf("[%s] OnIncomingRequest: ignoring event kind %d (not a request)", r.self, ev.Kind)
	}
}

func (r *Replica) respondAfter(kind ActionKind, connID substream.ConnectionID, err error) {
	payload := acceptedResponse
	if err != nil {
		log.Printf("[%s] rejecting request on conn %d: %v", r.self, connID, err)
		payload = []byte(errorToken(err))
	}
	r.actions = append(r.actions, Action{Kind: kind, ResponseBytes: payload, ConnID: connID})
}

func errorToken(err error) string {
	if pe, ok := err.(*perr.Error); ok {
		return pe.Name
	}
	return "Error"
}

// processPrePrepare processes an incoming PRE-PREPARE: digest verification,
// view match, and conflicting-PrePrepare checks, in that order; on success
// inserts into the log, derives and logs this replica's own Prepare, and
// enqueues SendPrepare to every connected peer.
func (r *Replica) processPrePrepare(pp wire.PrePrepare) error {
	if pp.Digest != wire.Digest(pp.Request.Operation) {
		return perr.ErrBadDigest
	}
	if pp.View != r.View() {
		return perr.ErrWrongView
	}
	if !r.log.WithinWatermarks(pp.Sequence) {
		return perr.ErrOutOfWatermark
	}
	if err := r.log.InsertPrePrepare(pp); err != nil {
		return err
	}

	ownPrepare := wire.PrepareFrom(pp, string(r.self))
	if err := r.log.InsertPrepare(r.self, ownPrepare); err != nil {
		return err
	}

	r.broadcast(func(peer PeerID) Action {
		return Action{Kind: ActionSendPrepare, Peer: peer, Prepare: ownPrepare}
	})

	r.maybeAdvanceToPrepared(pp.View, pp.Sequence, pp.Digest)

	return nil
}

// processPrepare processes an incoming PREPARE. A Prepare whose matching
// PrePrepare has not yet arrived is buffered (inserted into the log
// regardless); it promotes to prepared once the PrePrepare appears.
func (r *Replica) processPrepare(sender PeerID, p wire.Prepare) error {
	if p.View != r.View() {
		return perr.ErrWrongView
	}
	if !r.log.WithinWatermarks(p.Sequence) {
		return perr.ErrOutOfWatermark
	}
	if pp, ok := r.log.GetPrePrepare(p.View, p.Sequence); ok && pp.Digest != p.Digest {
		return perr.ErrBadDigest
	}
	if err := r.log.InsertPrepare(sender, p); err != nil {
		return err
	}

	r.maybeAdvanceToPrepared(p.View, p.Sequence, p.Digest)
	return nil
}

// processCommit processes an incoming COMMIT, symmetric to processPrepare
// but advancing committed-local instead of prepared.
func (r *Replica) processCommit(sender PeerID, c wire.Commit) error {
	if c.View != r.View() {
		return perr.ErrWrongView
	}
	if !r.log.WithinWatermarks(c.Sequence) {
		return perr.ErrOutOfWatermark
	}
	if pp, ok := r.log.GetPrePrepare(c.View, c.Sequence); ok && pp.Digest != c.Digest {
		return perr.ErrBadDigest
	}
	if err := r.log.InsertCommit(sender, c); err != nil {
		return err
	}

	r.maybeAdvanceToCommittedLocal(c.View, c.Sequence, c.Digest)
	return nil
}

// maybeAdvanceToPrepared fires the prepared(v,n,d) transition at most once:
// when it first becomes true, it derives this replica's own Commit, logs
// it, and enqueues SendCommit to every connected peer.
func (r *Replica) maybeAdvanceToPrepared(view, sequence uint64, digest string) {
	primary := r.Primary(view)
	if !r.log.Prepared(view, sequence, digest, primary, r.quorumPrepares()) {
		return
	}
	if !r.log.MarkPreparedOnce(view, sequence) {
		return
	}

	ownCommit := wire.Commit{View: view, Sequence: sequence, Digest: digest, Sender: string(r.self)}
	if err := r.log.InsertCommit(r.self, ownCommit); err != nil {
		log.Printf("[%s] unexpected equivocation inserting own commit: %v", r.self, err)
		return
	}

	log.Printf("[%s] prepared view=%d seq=%d digest=%s", r.self, view, sequence, digest)

	r.broadcast(func(peer PeerID) Action {
		return Action{Kind: ActionSendCommit, Peer: peer, Commit: ownCommit}
	})

	r.maybeAdvanceToCommittedLocal(view, sequence, digest)
}

// maybeAdvanceToCommittedLocal fires committed-local(v,n,d) at most once:
// when it first becomes true, it executes the request and queues a
// ClientReply. A reply is not a substream Respond (the connection it
// arrived on is peer-to-peer, not the client's), so it goes on the
// separate pendingReplies queue drained by PollClientReply, not Poll.
func (r *Replica) maybeAdvanceToCommittedLocal(view, sequence uint64, digest string) {
	primary := r.Primary(view)
	if !r.log.CommittedLocal(view, sequence, digest, primary, r.quorumPrepares(), r.quorumCommits()) {
		return
	}
	if !r.log.MarkCommittedOnce(view, sequence) {
		return
	}

	pp, ok := r.log.GetPrePrepare(view, sequence)
	if !ok {
		log.Printf("[%s] committed-local fired without a logged PrePrepare at view=%d seq=%d; dropping", r.self, view, sequence)
		return
	}

	result := r.executor.Execute(pp.Request.Operation)
	reply := wire.NewClientReply(string(r.self), pp, wire.Commit{View: view, Sequence: sequence, Digest: digest}, result)

	log.Printf("[%s] committed-local view=%d seq=%d digest=%s", r.self, view, sequence, digest)

	r.pendingReplies = append(r.pendingReplies, clientReply{addr: pp.Request.ReplyAddr, reply: reply})
}

type clientReply struct {
	addr  string
	reply wire.ClientReply
}

// Poll drains at most one outbound Action from the queue and returns it,
// else reports no work.
func (r *Replica) Poll() (Action, bool) {
	if len(r.actions) == 0 {
		return Action{}, false
	}
	a := r.actions[0]
	r.actions = r.actions[1:]
	return a, true
}

// PollClientReply drains at most one pending ClientReply produced by a
// committed-local transition, for the node loop to deliver via its client
// reply dialer.
func (r *Replica) PollClientReply() (string, wire.ClientReply, bool) {
	if len(r.pendingReplies) == 0 {
		return "", wire.ClientReply{}, false
	}
	cr := r.pendingReplies[0]
	r.pendingReplies = r.pendingReplies[1:]
	return cr.addr, cr.reply, true
}
