package substream

import "pbftnode/wire"

// ConnectionID correlates an inbound request with its deferred response.
// It is monotonically increasing per Engine.
type ConnectionID uint64

// PeerID identifies the remote end of an outbound substream.
type PeerID string

// Event is something the substream engine emits upward to the consensus
// behavior.
type Event struct {
	Kind          EventKind
	ConnID        ConnectionID
	PrePrepare    wire.PrePrepare
	Prepare       wire.Prepare
	Commit        wire.Commit
	ResponseBytes []byte
	FromPeer      PeerID
}

// EventKind enumerates the upward event vocabulary.
type EventKind int

const (
	ProcessPrePrepareRequest EventKind = iota
	ProcessPrepareRequest
	ProcessCommitRequest
	ResponseReceived
	SubstreamFailed
)
