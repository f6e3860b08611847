// Package udpbroadcast is a LAN peer-discovery Discoverer: each replica
// periodically announces its identity and TCP port over UDP broadcast,
// and tracks liveness of the peers it hears from, expiring any peer that
// has gone quiet for too long.
package udpbroadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"pbftnode/discovery"
)

const (
	defaultAnnounceInterval = 2 * time.Second
	defaultExpiry           = 6 * time.Second
	maxDatagram             = 1024
)

// announcement is the wire payload broadcast on each tick.
type announcement struct {
	PeerID string `json:"peer_id"`
	Port   uint64 `json:"port"`
}

type peerStatus struct {
	addr     string
	lastSeen time.Time
}

// Broadcaster implements discovery.Discoverer over UDP broadcast.
type Broadcaster struct {
	self          string
	advertisePort uint64
	broadcastAddr string

	announceInterval time.Duration
	expiry           time.Duration

	conn *net.UDPConn

	mu    sync.Mutex
	peers map[string]*peerStatus

	events  chan discovery.Event
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option customizes a Broadcaster before its goroutines start.
type Option func(*Broadcaster)

// WithAnnounceInterval overrides the default 2s announcement period.
func WithAnnounceInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.announceInterval = d }
}

// WithExpiry overrides the default 6s peer-expiry timeout.
func WithExpiry(d time.Duration) Option {
	return func(b *Broadcaster) { b.expiry = d }
}

// New creates a Broadcaster for replica self, advertising advertisePort as
// its TCP listen port, broadcasting on broadcastAddr (e.g.
// "255.255.255.255:9999") and listening on listenAddr (e.g. ":9999").
func New(self string, advertisePort uint64, listenAddr, broadcastAddr string, opts ...Option) (*Broadcaster, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	b := &Broadcaster{
		self:             self,
		advertisePort:    advertisePort,
		broadcastAddr:    broadcastAddr,
		announceInterval: defaultAnnounceInterval,
		expiry:           defaultExpiry,
		conn:             conn,
		peers:            make(map[string]*peerStatus),
		events:           make(chan discovery.Event, 64),
		closeCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	log.Printf("[discovery] %s listening for peer announcements on %s\n", self, listenAddr)

	b.wg.Add(3)
	go b.listen()
	go b.periodicAnnounce()
	go b.monitorExpiry()

	return b, nil
}

// Events implements discovery.Discoverer.
func (b *Broadcaster) Events() <-chan discovery.Event { return b.events }

// Close implements discovery.Discoverer.
func (b *Broadcaster) Close() error {
	close(b.closeCh)
	err := b.conn.Close()
	b.wg.Wait()
	close(b.events)
	return err
}

func (b *Broadcaster) emit(ev discovery.Event) {
	select {
	case b.events <- ev:
	case <-b.closeCh:
	}
}

func (b *Broadcaster) listen() {
	defer b.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				log.Printf("[discovery] %s: read error: %v\n", b.self, err)
				return
			}
		}

		var a announcement
		if err := json.Unmarshal(buf[:n], &a); err != nil {
			log.Printf("[discovery] %s: malformed announcement from %s: %v\n", b.self, raddr, err)
			continue
		}
		if a.PeerID == b.self {
			continue
		}

		addr := fmt.Sprintf("%s:%d", raddr.IP.String(), a.Port)

		b.mu.Lock()
		existing, known := b.peers[a.PeerID]
		b.peers[a.PeerID] = &peerStatus{addr: addr, lastSeen: time.Now()}
		b.mu.Unlock()

		if !known {
			log.Printf("[discovery] %s: discovered %s at %s\n", b.self, a.PeerID, addr)
			b.emit(discovery.Event{Kind: discovery.Discovered, Peer: a.PeerID, Addr: addr})
		} else if existing.addr != addr {
			log.Printf("[discovery] %s: %s re-announced at new address %s\n", b.self, a.PeerID, addr)
			b.emit(discovery.Event{Kind: discovery.Discovered, Peer: a.PeerID, Addr: addr})
		}
	}
}

func (b *Broadcaster) periodicAnnounce() {
	defer b.wg.Done()

	raddr, err := net.ResolveUDPAddr("udp4", b.broadcastAddr)
	if err != nil {
		log.Printf("[discovery] %s: bad broadcast address %s: %v\n", b.self, b.broadcastAddr, err)
		return
	}
	payload, err := json.Marshal(announcement{PeerID: b.self, Port: b.advertisePort})
	if err != nil {
		log.Printf("[discovery] %s: failed to encode announcement: %v\n", b.self, err)
		return
	}

	ticker := time.NewTicker(b.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			if _, err := b.conn.WriteToUDP(payload, raddr); err != nil {
				log.Printf("[discovery] %s: broadcast failed: %v\n", b.self, err)
			}
		}
	}
}

func (b *Broadcaster) monitorExpiry() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			var expired []discovery.Event
			b.mu.Lock()
			for id, st := range b.peers {
				if now.Sub(st.lastSeen) > b.expiry {
					expired = append(expired, discovery.Event{Kind: discovery.Expired, Peer: id, Addr: st.addr})
					delete(b.peers, id)
				}
			}
			b.mu.Unlock()

			for _, ev := range expired {
				log.Printf("[discovery] %s: %s expired\n", b.self, ev.Peer)
				b.emit(ev)
			}
		}
	}
}
