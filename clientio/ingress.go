// Package clientio is the one auxiliary thread the core's otherwise
// single-threaded scheduler trusts: it accepts TCP connections from local
// clients, reads one framed ClientRequest per connection, and appends it to
// a bounded mutex-protected FIFO that the node loop drains on every tick.
// It also dials a client's declared reply address to deliver its
// ClientReply once committed.
package clientio

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"pbftnode/perr"
	"pbftnode/wire"
)

// DefaultCapacity is the recommended minimum ingress queue depth.
const DefaultCapacity = 1024

// IngressQueue is the bounded mutex-protected FIFO of client requests
// waiting to be handed to the consensus behavior. It is the only piece of
// state shared across the client-accept goroutine and the node loop.
type IngressQueue struct {
	mu       sync.Mutex
	capacity int
	items    []wire.ClientRequest

	listener net.Listener
	wg       sync.WaitGroup
	closeCh  chan struct{}
}

// NewIngressQueue starts accepting client connections on addr, each
// limited to one framed ClientRequest, feeding into a FIFO of the given
// capacity (DefaultCapacity if zero).
func NewIngressQueue(addr string, capacity int) (*IngressQueue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client ingress listen: %w", err)
	}
	// netutil.LimitListener bounds concurrently-open client connections
	// independent of the logical queue capacity, so a burst of slow
	// clients can't exhaust file descriptors.
	ln = netutil.LimitListener(ln, capacity)

	q := &IngressQueue{
		capacity: capacity,
		listener: ln,
		closeCh:  make(chan struct{}),
	}

	log.Printf("[clientio] accepting client requests on %s\n", addr)

	q.wg.Add(1)
	go q.acceptLoop()

	return q, nil
}

// Addr returns the listener's bound address, mainly useful when addr was
// passed as "host:0" and the OS chose the port.
func (q *IngressQueue) Addr() net.Addr {
	return q.listener.Addr()
}

// Close stops accepting new connections.
func (q *IngressQueue) Close() error {
	close(q.closeCh)
	err := q.listener.Close()
	q.wg.Wait()
	return err
}

func (q *IngressQueue) acceptLoop() {
	defer q.wg.Done()

	for {
		conn, err := q.listener.Accept()
		if err != nil {
			select {
			case <-q.closeCh:
				return
			default:
				log.Printf("[clientio] accept error: %v\n", err)
				return
			}
		}
		q.wg.Add(1)
		go q.handleConnection(conn)
	}
}

func (q *IngressQueue) handleConnection(conn net.Conn) {
	defer q.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	msg, err := wire.ReadFrame(r, wire.ClientChannel)
	if err != nil {
		log.Printf("[clientio] %s: %v\n", conn.RemoteAddr(), err)
		return
	}

	req, ok := msg.(wire.ClientRequest)
	if !ok {
		log.Printf("[clientio] %s: unexpected variant on client channel\n", conn.RemoteAddr())
		return
	}

	q.push(req)
}

func (q *IngressQueue) push(req wire.ClientRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		log.Printf("[clientio] ingress queue full (capacity %d); dropping request from %s\n", q.capacity, req.ClientID)
		return
	}
	q.items = append(q.items, req)
}

// Drain removes and returns at most one queued ClientRequest, for the node
// loop's per-tick drain.
func (q *IngressQueue) Drain() (wire.ClientRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return wire.ClientRequest{}, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// Len reports the current queue depth, mainly for tests and diagnostics.
func (q *IngressQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ReplyDialer delivers one ClientReply by dialing the client's declared
// reply address and writing a single canonical frame.
type ReplyDialer struct{}

// Deliver dials addr and writes reply as one framed message.
func (ReplyDialer) Deliver(addr string, reply wire.ClientReply) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return perr.New(perr.Transport, "ReplyDialFailed", err.Error())
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := wire.WriteFrame(w, reply); err != nil {
		return perr.New(perr.Transport, "ReplyWriteFailed", err.Error())
	}
	return w.Flush()
}
