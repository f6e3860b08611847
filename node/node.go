// Package node is the single-threaded cooperative scheduler: each tick it
// drains one client request, polls the consensus behavior once, polls the
// substream engine once for every active substream, and reacts to
// discovery and peer-accept events, all without ever blocking on I/O for
// longer than a short yield.
package node

import (
	"context"
	"log"
	"net"
	"time"

	"pbftnode/clientio"
	"pbftnode/consensus"
	"pbftnode/discovery"
	"pbftnode/substream"
	"pbftnode/wire"
)

// idleYield bounds how long a tick sleeps when no component made progress.
const idleYield = 5 * time.Millisecond

// Node owns every piece of per-replica state: the consensus behavior, the
// substream engine, the client ingress queue, and the discoverer. It holds
// the consensus behavior exclusively.
type Node struct {
	self    consensus.PeerID
	replica *consensus.Replica
	engine  *substream.Engine
	ingress *clientio.IngressQueue
	reply   clientio.ReplyDialer
	discov  discovery.Discoverer

	peerListener net.Listener
	inboundConns chan net.Conn
}

// New wires a Node together. peerListenAddr is where this replica accepts
// inbound peer connections (distinct from the client-facing ingress
// listener, which clientio.NewIngressQueue already started).
func New(replica *consensus.Replica, ingress *clientio.IngressQueue, discov discovery.Discoverer, self consensus.PeerID, peerListenAddr string) (*Node, error) {
	ln, err := net.Listen("tcp", peerListenAddr)
	if err != nil {
		return nil, err
	}

	n := &Node{
		self:         self,
		replica:      replica,
		engine:       substream.NewEngine(dialTCP),
		ingress:      ingress,
		discov:       discov,
		peerListener: ln,
		inboundConns: make(chan net.Conn, 32),
	}

	log.Printf("[%s] accepting peer connections on %s\n", self, peerListenAddr)

	go n.acceptPeers()

	return n, nil
}

func dialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

func (n *Node) acceptPeers() {
	for {
		conn, err := n.peerListener.Accept()
		if err != nil {
			return
		}
		n.inboundConns <- conn
	}
}

// Run drives the tick loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed := false

		if req, ok := n.ingress.Drain(); ok {
			progressed = true
			n.handleClientRequest(req)
		}

		if action, ok := n.replica.Poll(); ok {
			progressed = true
			n.dispatchAction(action)
		}

		events := n.engine.Tick()
		if len(events) > 0 {
			progressed = true
			for _, ev := range events {
				n.handleSubstreamEvent(ev)
			}
		}

		if addr, reply, ok := n.replica.PollClientReply(); ok {
			progressed = true
			go n.deliverReply(addr, reply)
		}

		select {
		case conn := <-n.inboundConns:
			progressed = true
			// The dialing peer's identity isn't known until its first
			// message arrives (there is no connection handshake); the
			// consensus behavior reads Sender off the Prepare/Commit
			// payload itself rather than off the substream, so the
			// placeholder identity here never reaches a quorum bucket.
			n.engine.AcceptInbound(substream.PeerID(""), conn)
		default:
		}

		if n.discov != nil {
			select {
			case ev, ok := <-n.discov.Events():
				if ok {
					progressed = true
					n.handleDiscoveryEvent(ev)
				}
			default:
			}
		}

		if !progressed {
			time.Sleep(idleYield)
		}
	}
}

func (n *Node) handleClientRequest(req wire.ClientRequest) {
	if n.replica.IsPrimary() {
		if err := n.replica.AddClientRequest(req); err != nil {
			log.Printf("[%s] rejecting client request: %v\n", n.self, err)
		}
		return
	}

	// Backup-to-primary forwarding is a stub: actually routing the request
	// is future work alongside view-change. For now a backup answers the
	// client immediately with the current primary's address rather than
	// leaving it to time out.
	log.Printf("[%s] not primary; rejecting client request %s\n", n.self, req.ClientID)
	if req.ReplyAddr == "" {
		return
	}
	primary := n.replica.Primary(n.replica.View())
	result := "NOT_PRIMARY"
	if addr, ok := n.replica.Addr(primary); ok {
		result = "NOT_PRIMARY forward_to=" + addr
	}
	reply := wire.ClientReply{
		View:      n.replica.View(),
		Timestamp: req.Timestamp,
		ReplicaID: string(n.self),
		Result:    result,
	}
	go n.deliverReply(req.ReplyAddr, reply)
}

func (n *Node) dispatchAction(a consensus.Action) {
	switch a.Kind {
	case consensus.ActionSendPrePrepare:
		n.sendToPeer(a.Peer, a.PrePrepare)
	case consensus.ActionSendPrepare:
		n.sendToPeer(a.Peer, a.Prepare)
	case consensus.ActionSendCommit:
		n.sendToPeer(a.Peer, a.Commit)
	case consensus.ActionRespondPrePrepare, consensus.ActionRespondPrepare, consensus.ActionRespondCommit:
		if err := n.engine.Respond(a.ConnID, a.ResponseBytes); err != nil {
			log.Printf("[%s] %v\n", n.self, err)
		}
	}
}

func (n *Node) sendToPeer(peer consensus.PeerID, msg interface{}) {
	addr, ok := n.replica.Addr(peer)
	if !ok {
		log.Printf("[%s] no known address for peer %s; dropping send\n", n.self, peer)
		return
	}
	n.engine.Send(substream.PeerID(peer), addr, msg)
}

func (n *Node) handleSubstreamEvent(ev substream.Event) {
	switch ev.Kind {
	case substream.ProcessPrePrepareRequest, substream.ProcessPrepareRequest, substream.ProcessCommitRequest:
		n.replica.OnIncomingRequest(ev)
	case substream.ResponseReceived:
		// Acceptance/rejection token from a peer; nothing further to do
		// at this layer.
	case substream.SubstreamFailed:
		log.Printf("[%s] substream to/from %s failed\n", n.self, ev.FromPeer)
	}
}

func (n *Node) handleDiscoveryEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.Discovered:
		n.replica.AddPeer(consensus.PeerID(ev.Peer), ev.Addr)
		n.replica.OnConnected(consensus.PeerID(ev.Peer), ev.Addr)
		log.Printf("[%s] peer %s discovered at %s\n", n.self, ev.Peer, ev.Addr)
	case discovery.Expired:
		n.replica.RemovePeer(consensus.PeerID(ev.Peer))
		n.replica.OnDisconnected(consensus.PeerID(ev.Peer), ev.Addr)
		n.engine.DropPeerOutbound(substream.PeerID(ev.Peer))
		log.Printf("[%s] peer %s expired\n", n.self, ev.Peer)
	}
}

func (n *Node) deliverReply(addr string, reply wire.ClientReply) {
	if err := n.reply.Deliver(addr, reply); err != nil {
		log.Printf("[%s] failed to deliver reply to %s: %v\n", n.self, addr, err)
	}
}

// Close releases the peer listener. The ingress queue and discoverer are
// owned by the caller and closed separately.
func (n *Node) Close() error {
	return n.peerListener.Close()
}
