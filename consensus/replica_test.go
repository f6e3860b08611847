package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbftnode/msglog"
	"pbftnode/perr"
	"pbftnode/substream"
	"pbftnode/wire"
)

// newQuorum builds a connected 4-replica {A,B,C,D} group at view 0 (A
// primary), an N=4,f=1 setup exercising a full quorum with one tolerated
// faulty replica.
func newQuorum(t *testing.T) map[PeerID]*Replica {
	t.Helper()
	order := []PeerID{"A", "B", "C", "D"}
	replicas := make(map[PeerID]*Replica, len(order))
	for _, id := range order {
		replicas[id] = NewReplica(id, order, 0, nil)
	}
	for _, r := range replicas {
		for _, peer := range order {
			if peer == r.self {
				continue
			}
			r.AddPeer(peer, string(peer))
			r.OnConnected(peer, string(peer))
		}
	}
	return replicas
}

// deliver hands msg (a wire.PrePrepare, wire.Prepare or wire.Commit) to dst as if it arrived
// from src over the substream engine, the way the node loop would dispatch
// a Process*Request event.
func deliver(dst *Replica, src PeerID, msg interface{}) {
	switch m := msg.(type) {
	case wire.PrePrepare:
		dst.OnIncomingRequest(substream.Event{Kind: substream.ProcessPrePrepareRequest, PrePrepare: m, FromPeer: substream.PeerID(src)})
	case wire.Prepare:
		if m.Sender == "" {
			m.Sender = string(src)
		}
		dst.OnIncomingRequest(substream.Event{Kind: substream.ProcessPrepareRequest, Prepare: m, FromPeer: substream.PeerID(src)})
	case wire.Commit:
		if m.Sender == "" {
			m.Sender = string(src)
		}
		dst.OnIncomingRequest(substream.Event{Kind: substream.ProcessCommitRequest, Commit: m, FromPeer: substream.PeerID(src)})
	}
}

// drainActions pulls every action currently queued on r.
func drainActions(r *Replica) []Action {
	var out []Action
	for {
		a, ok := r.Poll()
		if !ok {
			return out
		}
		out = append(out, a)
	}
}

// runToQuiescence repeatedly drains every replica's action queue and
// redelivers Send* actions to every other replica, until no replica has
// anything left to send. This models the node loop's substream round-trip
// without needing real connections.
func runToQuiescence(replicas map[PeerID]*Replica) {
	for {
		progressed := false
		for id, r := range replicas {
			for _, a := range drainActions(r) {
				progressed = true
				switch a.Kind {
				case ActionSendPrePrepare:
					for other, dst := range replicas {
						if other != id {
							deliver(dst, id, a.PrePrepare)
						}
					}
				case ActionSendPrepare:
					for other, dst := range replicas {
						if other != id {
							deliver(dst, id, a.Prepare)
						}
					}
				case ActionSendCommit:
					for other, dst := range replicas {
						if other != id {
							deliver(dst, id, a.Commit)
						}
					}
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func TestPrimaryDerivationRoundRobin(t *testing.T) {
	order := []PeerID{"A", "B", "C", "D"}
	r := NewReplica("A", order, 0, nil)
	assert.Equal(t, PeerID("A"), r.Primary(0))
	assert.Equal(t, PeerID("B"), r.Primary(1))
	assert.Equal(t, PeerID("D"), r.Primary(3))
	assert.Equal(t, PeerID("A"), r.Primary(4))
}

func TestHappyPathFourReplicasReachCommittedLocal(t *testing.T) {
	replicas := newQuorum(t)
	primary := replicas["A"]

	req := wire.ClientRequest{Operation: []byte("x"), Timestamp: 42, ReplyAddr: "client:9000"}
	require.NoError(t, primary.AddClientRequest(req))

	runToQuiescence(replicas)

	digest := wire.Digest([]byte("x"))
	for id, r := range replicas {
		pp, ok := r.log.GetPrePrepare(0, 1)
		require.True(t, ok, "replica %s missing PrePrepare", id)
		assert.Equal(t, digest, pp.Digest)
		assert.GreaterOrEqual(t, r.log.PrepareCount(0, 1), 3, "replica %s prepare count", id)
		assert.Equal(t, 4, r.log.CommitCount(0, 1), "replica %s commit count", id)

		addr, reply, ok := r.PollClientReply()
		require.True(t, ok, "replica %s produced no ClientReply", id)
		assert.Equal(t, "client:9000", addr)
		assert.Equal(t, uint64(42), reply.Timestamp)
		assert.Equal(t, "x", reply.Result)

		_, _, again := r.PollClientReply()
		assert.False(t, again, "replica %s emitted more than one ClientReply", id)
	}
}

func TestDuplicateRequestAtPrimaryAssignsDistinctSequences(t *testing.T) {
	replicas := newQuorum(t)
	primary := replicas["A"]

	req := wire.ClientRequest{Operation: []byte("x"), Timestamp: 1}
	require.NoError(t, primary.AddClientRequest(req))
	require.NoError(t, primary.AddClientRequest(req))

	runToQuiescence(replicas)

	digest := wire.Digest([]byte("x"))
	pp1, ok := primary.log.GetPrePrepare(0, 1)
	require.True(t, ok)
	pp2, ok := primary.log.GetPrePrepare(0, 2)
	require.True(t, ok)
	assert.Equal(t, digest, pp1.Digest)
	assert.Equal(t, digest, pp2.Digest)

	var replies int
	for {
		_, _, ok := primary.PollClientReply()
		if !ok {
			break
		}
		replies++
	}
	assert.Equal(t, 2, replies)
}

func TestConflictingPrePrepareFromPrimaryPreventsQuorum(t *testing.T) {
	replicas := newQuorum(t)
	a, b, c, d := replicas["A"], replicas["B"], replicas["C"], replicas["D"]

	ppX := wire.NewPrePrepare(0, 1, wire.ClientRequest{Operation: []byte("x")})
	ppY := wire.NewPrePrepare(0, 1, wire.ClientRequest{Operation: []byte("y")})

	deliver(a, "A", ppX) // primary's own path, matches its own broadcast-to-B
	deliver(b, "A", ppX)
	deliver(c, "A", ppY)
	deliver(d, "A", ppY)

	runToQuiescence(replicas)

	for id, r := range replicas {
		_, _, ok := r.PollClientReply()
		assert.False(t, ok, "replica %s must not reach committed-local under a split PrePrepare", id)
	}
}

func TestDigestTamperingRejectedWithoutLogMutation(t *testing.T) {
	replicas := newQuorum(t)
	b := replicas["B"]

	tampered := wire.PrePrepare{View: 0, Sequence: 1, Digest: wire.Digest([]byte("x")), Request: wire.ClientRequest{Operation: []byte("z")}}

	err := b.processPrePrepare(tampered)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.ErrBadDigest))

	_, ok := b.log.GetPrePrepare(0, 1)
	assert.False(t, ok)
}

func TestLatePrepareBuffersThenPromotesOnPrePrepare(t *testing.T) {
	replicas := newQuorum(t)
	a := replicas["A"]

	digest := wire.Digest([]byte("x"))
	p := wire.Prepare{View: 0, Sequence: 1, Digest: digest}

	deliver(a, "B", p)
	deliver(a, "C", p)
	deliver(a, "D", p)

	assert.Equal(t, 3, a.log.PrepareCount(0, 1))
	_, _, alreadyPrepared := a.PollClientReply()
	assert.False(t, alreadyPrepared)

	pp := wire.NewPrePrepare(0, 1, wire.ClientRequest{Operation: []byte("x")})
	deliver(a, "A", pp)

	var sendCommits int
	for _, act := range drainActions(a) {
		if act.Kind == ActionSendCommit {
			sendCommits++
			assert.Equal(t, digest, act.Commit.Digest)
		}
	}
	assert.Equal(t, 3, sendCommits, "prepared must fire exactly once, broadcasting one Commit per connected peer")
}

func TestWrongViewRejected(t *testing.T) {
	replicas := newQuorum(t)
	b := replicas["B"]

	pp := wire.PrePrepare{View: 7, Sequence: 1, Digest: wire.Digest([]byte("x")), Request: wire.ClientRequest{Operation: []byte("x")}}
	err := b.processPrePrepare(pp)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.ErrWrongView))
}

func TestBackupCannotAddClientRequest(t *testing.T) {
	replicas := newQuorum(t)
	b := replicas["B"]
	err := b.AddClientRequest(wire.ClientRequest{Operation: []byte("x")})
	require.Error(t, err)
}

func TestEquivocatingPrepareRejected(t *testing.T) {
	replicas := newQuorum(t)
	a := replicas["A"]

	p1 := wire.Prepare{View: 0, Sequence: 1, Digest: wire.Digest([]byte("x"))}
	p2 := wire.Prepare{View: 0, Sequence: 1, Digest: wire.Digest([]byte("y"))}

	require.NoError(t, a.processPrepare(msglog.PeerID("B"), p1))
	err := a.processPrepare(msglog.PeerID("B"), p2)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.ErrEquivocation))
}

func TestOnIncomingRequestRespondsOKOnAcceptance(t *testing.T) {
	replicas := newQuorum(t)
	b := replicas["B"]

	pp := wire.NewPrePrepare(0, 1, wire.ClientRequest{Operation: []byte("x")})
	b.OnIncomingRequest(substream.Event{Kind: substream.ProcessPrePrepareRequest, PrePrepare: pp, ConnID: 7, FromPeer: "A"})

	var respond *Action
	for _, a := range drainActions(b) {
		if a.Kind == ActionRespondPrePrepare {
			act := a
			respond = &act
		}
	}
	require.NotNil(t, respond)
	assert.Equal(t, []byte("OK"), respond.ResponseBytes)
	assert.Equal(t, substream.ConnectionID(7), respond.ConnID)
}

func TestOnIncomingRequestRespondsWithErrorTokenOnRejection(t *testing.T) {
	replicas := newQuorum(t)
	b := replicas["B"]

	bad := wire.PrePrepare{View: 0, Sequence: 1, Digest: "not-a-real-digest", Request: wire.ClientRequest{Operation: []byte("x")}}
	b.OnIncomingRequest(substream.Event{Kind: substream.ProcessPrePrepareRequest, PrePrepare: bad, ConnID: 3, FromPeer: "A"})

	var respond *Action
	for _, a := range drainActions(b) {
		if a.Kind == ActionRespondPrePrepare {
			act := a
			respond = &act
		}
	}
	require.NotNil(t, respond)
	assert.Equal(t, []byte("BadDigest"), respond.ResponseBytes)
}
