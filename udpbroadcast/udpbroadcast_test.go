package udpbroadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbftnode/discovery"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	a := announcement{PeerID: "A", Port: 8000}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got announcement
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, a, got)
}

func TestNewTracksKnownPeers(t *testing.T) {
	b, err := New("A", 8000, "127.0.0.1:0", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	b.mu.Lock()
	b.peers["B"] = &peerStatus{addr: "127.0.0.1:8001", lastSeen: time.Now()}
	_, known := b.peers["B"]
	b.mu.Unlock()
	assert.True(t, known)
}

func TestMonitorExpiryDropsStalePeers(t *testing.T) {
	b, err := New("A", 8000, "127.0.0.1:0", "127.0.0.1:0", WithExpiry(20*time.Millisecond))
	require.NoError(t, err)

	b.mu.Lock()
	b.peers["B"] = &peerStatus{addr: "127.0.0.1:8001", lastSeen: time.Now().Add(-time.Hour)}
	b.mu.Unlock()

	select {
	case ev := <-b.Events():
		assert.Equal(t, discovery.Expired, ev.Kind)
		assert.Equal(t, "B", ev.Peer)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an Expired event")
	}

	b.Close()
}
