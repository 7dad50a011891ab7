// Package transport implements the connection-per-message, peer-to-peer
// delivery layer described in §4.2: a listening side that accepts inbound
// TCP connections and enqueues decoded lines, and a sending side that
// dials, writes, and closes a fresh connection per message.
package transport

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"paxosnet/paxos"
)

// PeerAddr is one entry of the static membership directory (§6).
type PeerAddr struct {
	Host    string
	Port    int
	Profile string
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Directory is the known-peer directory, read-mostly after load (§5).
type Directory map[string]PeerAddr

// workerPoolSize is the minimum worker-pool size mandated by §5 ("a small
// pool (≥5) of worker threads that decode a line per accepted connection").
const workerPoolSize = 5

// Inbound is one decoded message arriving from the network, paired with
// the connection it arrived on for diagnostics.
type Inbound struct {
	Message paxos.Message
	From    string
}

// Transport owns the listener, the bounded worker pool, and the inbound
// queue for one peer.
type Transport struct {
	selfID    string
	directory Directory
	listener  net.Listener

	connCh  chan net.Conn
	inbound chan Inbound

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Transport for selfID using directory as the known-peer
// directory. The directory is treated as immutable after this call (§5).
func New(selfID string, directory Directory) *Transport {
	return &Transport{
		selfID:    selfID,
		directory: directory,
		connCh:    make(chan net.Conn, workerPoolSize*4),
		inbound:   make(chan Inbound, 256),
		quit:      make(chan struct{}),
	}
}

// Listen opens the listening socket for selfID and starts the acceptor
// thread plus the bounded worker pool, matching tcp/server.go's
// Start/acceptConnections/handleConnection shape.
func (t *Transport) Listen() error {
	self, ok := t.directory[t.selfID]
	if !ok {
		return fmt.Errorf("transport: %s not present in directory", t.selfID)
	}
	addr := fmt.Sprintf(":%d", self.Port)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
	}
	// Bound concurrent inbound connections to the worker-pool size so the
	// pool's invariant (§5) has a concrete enforcement point instead of an
	// unbounded Accept loop.
	t.listener = netutil.LimitListener(raw, workerPoolSize)
	log.Printf("[%s] transport listening on %s\n", t.selfID, addr)

	t.wg.Add(1)
	go t.acceptConnections()

	for i := 0; i < workerPoolSize; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return nil
}

func (t *Transport) acceptConnections() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
				log.Printf("[%s] accept error: %v\n", t.selfID, err)
				continue
			}
		}
		select {
		case t.connCh <- conn:
		case <-t.quit:
			conn.Close()
			return
		}
	}
}

func (t *Transport) worker() {
	defer t.wg.Done()
	for {
		select {
		case conn, ok := <-t.connCh:
			if !ok {
				return
			}
			t.handleConnection(conn)
		case <-t.quit:
			return
		}
	}
}

func (t *Transport) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = trimNewline(line)

	msg, err := paxos.Decode(line)
	if err != nil {
		log.Printf("[%s] framing error from %s: %v\n", t.selfID, conn.RemoteAddr(), err)
		return
	}

	select {
	case t.inbound <- Inbound{Message: msg, From: conn.RemoteAddr().String()}:
	case <-t.quit:
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Send delivers msg to peer as a single newline-terminated line over a
// fresh connection (§4.2). It returns success iff the bytes were handed to
// the OS; failure is observable but non-fatal, as the protocol relies on
// majorities rather than per-send success (§4.5).
func (t *Transport) Send(peer string, msg paxos.Message) error {
	addr, ok := t.directory[peer]
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peer)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	line := paxos.Encode(msg) + "\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	return nil
}

// Broadcast sends msg to every known peer except self, returning the
// count of successful sends.
func (t *Transport) Broadcast(msg paxos.Message) int {
	sent := 0
	for id := range t.directory {
		if id == t.selfID {
			continue
		}
		if err := t.Send(id, msg); err != nil {
			log.Printf("[%s] broadcast to %s failed: %v\n", t.selfID, id, err)
			continue
		}
		sent++
	}
	return sent
}

// Inbound returns the channel callers dequeue decoded messages from, in
// arrival order (§4.2, §5).
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Peers returns every peer id in the directory except self.
func (t *Transport) Peers() []string {
	peers := make([]string, 0, len(t.directory))
	for id := range t.directory {
		if id != t.selfID {
			peers = append(peers, id)
		}
	}
	return peers
}

// Stop signals all threads and closes the listener. It awaits the
// acceptor and worker pool, matching tcp/server.go's Stop.
func (t *Transport) Stop() {
	close(t.quit)
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	log.Printf("[%s] transport stopped\n", t.selfID)
}
