package clientio

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbftnode/wire"
)

func TestIngressQueueAcceptsOneRequestPerConnection(t *testing.T) {
	q, err := NewIngressQueue("127.0.0.1:0", 4)
	require.NoError(t, err)
	defer q.Close()

	addr := q.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	req := wire.ClientRequest{Operation: []byte("x"), Timestamp: 1, ClientID: "c1", ReplyAddr: "127.0.0.1:1"}
	require.NoError(t, wire.WriteFrame(w, req))
	require.NoError(t, w.Flush())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, ok := q.Drain()
	require.True(t, ok)
	assert.Equal(t, req.Operation, got.Operation)
	assert.Equal(t, req.ClientID, got.ClientID)

	_, ok = q.Drain()
	assert.False(t, ok)
}

func TestIngressQueueDropsWhenFull(t *testing.T) {
	q := &IngressQueue{capacity: 1}
	q.push(wire.ClientRequest{ClientID: "first"})
	q.push(wire.ClientRequest{ClientID: "second"})

	assert.Equal(t, 1, q.Len())
	got, ok := q.Drain()
	require.True(t, ok)
	assert.Equal(t, "first", got.ClientID)
}

func TestReplyDialerDeliversFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.ClientReply, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := wire.ReadFrame(bufio.NewReader(conn), wire.ClientChannel)
		if err != nil {
			return
		}
		if reply, ok := msg.(wire.ClientReply); ok {
			received <- reply
		}
	}()

	reply := wire.ClientReply{View: 0, Timestamp: 42, ReplicaID: "A", Result: "x"}
	require.NoError(t, ReplyDialer{}.Deliver(ln.Addr().String(), reply))

	select {
	case got := <-received:
		assert.Equal(t, reply, got)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never delivered")
	}
}
