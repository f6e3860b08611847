// Package wire converts between the in-memory PBFT message variants and
// length-delimited byte frames, and owns the digest function used as the
// protocol's content-addressed identity for a client operation.
//
// Two disjoint tagged unions make illegal wire states unrepresentable: the
// replica-to-replica channel only ever carries PrePrepare/Prepare/Commit,
// the client-facing channel only ever carries ClientRequest/ClientReply.
package wire

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ClientRequest is the operation a client asks the replica group to order.
type ClientRequest struct {
	Operation []byte `json:"operation"`
	Timestamp uint64 `json:"timestamp"`
	ClientID  string `json:"client_id"`
	ReplyAddr string `json:"reply_addr"`
}

// PrePrepare is the primary's sequence assignment for a ClientRequest.
type PrePrepare struct {
	View     uint64        `json:"view"`
	Sequence uint64        `json:"sequence"`
	Digest   string        `json:"digest"`
	Request  ClientRequest `json:"request"`
}

// Prepare is a replica's vote that it has accepted a PrePrepare. Sender
// identifies the voting replica: this core has no transport-level peer
// identity, so the claim is trusted the same way every other field in a
// Byzantine-tolerant message is trusted, checked by its effect on the log
// rather than by a signature.
type Prepare struct {
	View     uint64 `json:"view"`
	Sequence uint64 `json:"sequence"`
	Digest   string `json:"digest"`
	Sender   string `json:"sender"`
}

// Commit is a replica's vote that it has reached the prepared certificate.
type Commit struct {
	View     uint64 `json:"view"`
	Sequence uint64 `json:"sequence"`
	Digest   string `json:"digest"`
	Sender   string `json:"sender"`
}

// ClientReply is sent once per committed request to the originating client.
type ClientReply struct {
	View      uint64 `json:"view"`
	Timestamp uint64 `json:"timestamp"`
	ReplicaID string `json:"replica_id"`
	Result    string `json:"result"`
}

// NewPrePrepare builds a PrePrepare whose digest is computed from req's
// operation bytes.
func NewPrePrepare(view, sequence uint64, req ClientRequest) PrePrepare {
	return PrePrepare{
		View:     view,
		Sequence: sequence,
		Digest:   Digest(req.Operation),
		Request:  req,
	}
}

// PrepareFrom derives the Prepare a replica emits after accepting pp.
func PrepareFrom(pp PrePrepare, sender string) Prepare {
	return Prepare{View: pp.View, Sequence: pp.Sequence, Digest: pp.Digest, Sender: sender}
}

// CommitFrom derives the Commit a replica emits once prepared.
func CommitFrom(p Prepare, sender string) Commit {
	return Commit{View: p.View, Sequence: p.Sequence, Digest: p.Digest, Sender: sender}
}

// NewClientReply builds a reply echoing the originating request's timestamp.
func NewClientReply(replicaID string, pp PrePrepare, c Commit, result string) ClientReply {
	return ClientReply{
		View:      c.View,
		Timestamp: pp.Request.Timestamp,
		ReplicaID: replicaID,
		Result:    result,
	}
}

// Digest is the deterministic content hash of a client operation: BLAKE2b-512,
// rendered as a lowercase hex string. Identical input always yields an
// identical digest; this is the only identity PrePrepare/Prepare/Commit use
// to refer to a request.
func Digest(operation []byte) string {
	sum := blake2b.Sum512(operation)
	return fmt.Sprintf("%x", sum)
}
