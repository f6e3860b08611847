package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestDeterministic(t *testing.T) {
	d1 := Digest([]byte("x"))
	d2 := Digest([]byte("x"))
	assert.Equal(t, d1, d2)
}

func TestDigestDiffersForDifferentInput(t *testing.T) {
	assert.NotEqual(t, Digest([]byte("x")), Digest([]byte("y")))
}

func TestRoundTripPrePrepare(t *testing.T) {
	pp := NewPrePrepare(0, 1, ClientRequest{Operation: []byte("x"), Timestamp: 42, ClientID: "c1"})

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, pp))
	require.NoError(t, w.Flush())

	got, err := ReadFrame(bufio.NewReader(&buf), PeerChannel)
	require.NoError(t, err)
	assert.Equal(t, pp, got)
}

func TestRoundTripPrepareAndCommit(t *testing.T) {
	p := Prepare{View: 0, Sequence: 1, Digest: Digest([]byte("x")), Sender: "A"}
	c := CommitFrom(p, "A")

	for _, msg := range []interface{}{p, c} {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		require.NoError(t, WriteFrame(w, msg))
		require.NoError(t, w.Flush())

		got, err := ReadFrame(bufio.NewReader(&buf), PeerChannel)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestRoundTripClientRequestAndReply(t *testing.T) {
	req := ClientRequest{Operation: []byte("x"), Timestamp: 42, ClientID: "c1", ReplyAddr: "127.0.0.1:9000"}
	reply := NewClientReply("r1", NewPrePrepare(0, 1, req), Commit{View: 0, Sequence: 1, Digest: Digest(req.Operation)}, "OK")

	for _, msg := range []interface{}{req, reply} {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		require.NoError(t, WriteFrame(w, msg))
		require.NoError(t, w.Flush())

		got, err := ReadFrame(bufio.NewReader(&buf), ClientChannel)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestUnexpectedVariantRejected(t *testing.T) {
	req := ClientRequest{Operation: []byte("x"), Timestamp: 1}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, req))
	require.NoError(t, w.Flush())

	// ClientRequest is never a legal top-level variant on the peer channel.
	_, err := ReadFrame(bufio.NewReader(&buf), PeerChannel)
	require.Error(t, err)
}

func TestMalformedFrameShortRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x80, 0x80, 0x80, 0x01}) // varint length with no payload
	_, err := ReadFrame(bufio.NewReader(&buf), PeerChannel)
	require.Error(t, err)
}

func TestMalformedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	payload := []byte("{not json")
	var lenBuf [10]byte
	n := 0
	for v := len(payload); ; {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		lenBuf[n] = b
		n++
		if v == 0 {
			break
		}
	}
	w.Write(lenBuf[:n])
	w.Write(payload)
	require.NoError(t, w.Flush())

	_, err := ReadFrame(bufio.NewReader(&buf), PeerChannel)
	require.Error(t, err)
}
