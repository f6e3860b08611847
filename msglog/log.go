// Package msglog holds the per-replica view number, primary-only sequence
// counter, and the append-only PrePrepare/Prepare/Commit log keyed by
// (view, sequence), along with the PBFT acceptance predicates built on top
// of it. It is owned exclusively by the consensus behavior and is never
// accessed concurrently, so it needs no locking of its own
// beyond what its single owner already serializes.
package msglog

import (
	"pbftnode/perr"
	"pbftnode/wire"
)

// PeerID identifies a replica. It is a plain string (not a crypto key) since
// this core does not implement signatures.
type PeerID string

// Key indexes the three log tables.
type Key struct {
	View     uint64
	Sequence uint64
}

// Log is the append-only per-replica message store.
type Log struct {
	view     uint64
	sequence uint64 // primary-only; non-primaries never mutate it

	prePrepares map[Key]wire.PrePrepare
	prepares    map[Key]map[PeerID]wire.Prepare
	commits     map[Key]map[PeerID]wire.Commit

	// preparedOnce/committedOnce record the first moment each predicate
	// fired, so the derived-message emission in the consensus behavior
	// happens exactly once per (v,n).
	preparedOnce  map[Key]bool
	committedOnce map[Key]bool
}

// New creates a Log starting at the given initial view.
func New(initialView uint64) *Log {
	return &Log{
		view:          initialView,
		prePrepares:   make(map[Key]wire.PrePrepare),
		prepares:      make(map[Key]map[PeerID]wire.Prepare),
		commits:       make(map[Key]map[PeerID]wire.Commit),
		preparedOnce:  make(map[Key]bool),
		committedOnce: make(map[Key]bool),
	}
}

// View returns the current view number.
func (l *Log) View() uint64 { return l.view }

// NextSequence increments then returns the sequence counter. Valid for the
// primary only; the caller is responsible for that precondition.
func (l *Log) NextSequence() uint64 {
	l.sequence++
	return l.sequence
}

// InsertPrePrepare stores pp, idempotent on exact equality (same digest at
// the same (v,n)); a second PrePrepare at the same (v,n) with a different
// digest is rejected with ErrConflictingPrePrepare and the log is left
// unchanged.
func (l *Log) InsertPrePrepare(pp wire.PrePrepare) error {
	key := Key{pp.View, pp.Sequence}
	if existing, ok := l.prePrepares[key]; ok {
		if existing.Digest != pp.Digest {
			return perr.Newf(perr.Protocol, "ConflictingPrePrepare",
				"view=%d seq=%d: logged digest %s, new digest %s", pp.View, pp.Sequence, existing.Digest, pp.Digest)
		}
		return nil // idempotent re-insertion
	}
	l.prePrepares[key] = pp
	return nil
}

// GetPrePrepare returns the logged PrePrepare for (view, sequence), if any.
func (l *Log) GetPrePrepare(view, sequence uint64) (wire.PrePrepare, bool) {
	pp, ok := l.prePrepares[Key{view, sequence}]
	return pp, ok
}

// InsertPrepare buckets p by (v,n), keyed uniquely by sender. A second
// insert from the same sender for the same (v,n) must carry an identical
// digest (replacement is a no-op); a differing digest is Byzantine
// equivocation from that sender and is rejected without mutating the log.
func (l *Log) InsertPrepare(sender PeerID, p wire.Prepare) error {
	key := Key{p.View, p.Sequence}
	bucket, ok := l.prepares[key]
	if !ok {
		bucket = make(map[PeerID]wire.Prepare)
		l.prepares[key] = bucket
	}
	if existing, ok := bucket[sender]; ok && existing.Digest != p.Digest {
		return perr.Newf(perr.Protocol, "Equivocation",
			"sender %s: view=%d seq=%d: prior digest %s, new digest %s", sender, p.View, p.Sequence, existing.Digest, p.Digest)
	}
	bucket[sender] = p
	return nil
}

// InsertCommit is the Commit-bucket analogue of InsertPrepare.
func (l *Log) InsertCommit(sender PeerID, c wire.Commit) error {
	key := Key{c.View, c.Sequence}
	bucket, ok := l.commits[key]
	if !ok {
		bucket = make(map[PeerID]wire.Commit)
		l.commits[key] = bucket
	}
	if existing, ok := bucket[sender]; ok && existing.Digest != c.Digest {
		return perr.Newf(perr.Protocol, "Equivocation",
			"sender %s: view=%d seq=%d: prior digest %s, new digest %s", sender, c.View, c.Sequence, existing.Digest, c.Digest)
	}
	bucket[sender] = c
	return nil
}

// PrepareCount returns the number of distinct senders with a Prepare logged
// at (view, sequence), regardless of digest (callers needing a digest-
// specific count use PrepareCountMatching).
func (l *Log) PrepareCount(view, sequence uint64) int {
	return len(l.prepares[Key{view, sequence}])
}

// CommitCount is the Commit-bucket analogue of PrepareCount.
func (l *Log) CommitCount(view, sequence uint64) int {
	return len(l.commits[Key{view, sequence}])
}

// PrepareCountMatching counts distinct senders other than exclude whose
// Prepare at (view, sequence) matches digest. exclude is normally the
// primary of that view: its matching PrePrepare is its prepare-equivalent,
// so a Prepare logged under the primary's identity is not counted.
func (l *Log) PrepareCountMatching(view, sequence uint64, digest string, exclude PeerID) int {
	count := 0
	for sender, p := range l.prepares[Key{view, sequence}] {
		if sender == exclude {
			continue
		}
		if p.Digest == digest {
			count++
		}
	}
	return count
}

// CommitCountMatching counts distinct senders (including self) whose Commit
// at (view, sequence) matches digest.
func (l *Log) CommitCountMatching(view, sequence uint64, digest string) int {
	count := 0
	for _, c := range l.commits[Key{view, sequence}] {
		if c.Digest == digest {
			count++
		}
	}
	return count
}

// PrePrepared reports the pre-prepared(v,n,d) predicate: a PrePrepare for
// (v,n,d) is in the log.
func (l *Log) PrePrepared(view, sequence uint64, digest string) bool {
	pp, ok := l.prePrepares[Key{view, sequence}]
	return ok && pp.Digest == digest
}

// Prepared reports the prepared(v,n,d,m) predicate: pre-prepared
// holds, and at least quorumPrepares distinct senders other than primary
// have a matching Prepare logged.
func (l *Log) Prepared(view, sequence uint64, digest string, primary PeerID, quorumPrepares int) bool {
	if !l.PrePrepared(view, sequence, digest) {
		return false
	}
	return l.PrepareCountMatching(view, sequence, digest, primary) >= quorumPrepares
}

// CommittedLocal reports the committed-local(v,n,d,m) predicate: prepared
// holds, and at least quorumCommits distinct senders (inclusive of
// self) have a matching Commit logged.
func (l *Log) CommittedLocal(view, sequence uint64, digest string, primary PeerID, quorumPrepares, quorumCommits int) bool {
	if !l.Prepared(view, sequence, digest, primary, quorumPrepares) {
		return false
	}
	return l.CommitCountMatching(view, sequence, digest) >= quorumCommits
}

// WithinWatermarks is a reserved hook: the present core accepts any
// sequence number, so it always returns true. A future implementer wiring
// low/high water marks and garbage collection would check n against
// [h, H] here.
func (l *Log) WithinWatermarks(sequence uint64) bool {
	_ = sequence
	return true
}

// MarkPreparedOnce reports whether this is the first time prepared(v,n,d)
// has become true, so the caller can emit the derived Commit exactly once.
func (l *Log) MarkPreparedOnce(view, sequence uint64) bool {
	key := Key{view, sequence}
	if l.preparedOnce[key] {
		return false
	}
	l.preparedOnce[key] = true
	return true
}

// MarkCommittedOnce is the committed-local analogue of MarkPreparedOnce.
func (l *Log) MarkCommittedOnce(view, sequence uint64) bool {
	key := Key{view, sequence}
	if l.committedOnce[key] {
		return false
	}
	l.committedOnce[key] = true
	return true
}
