// Package transport implements the relay's datagram transport: a bound
// UDP socket, per-peer send/receive bookkeeping, and three delivery
// reliability classes layered over inherently unreliable UDP.
//
// The transport never interprets the bytes it carries — that is the
// codec and relay packages' job. Its only obligations are: deliver what
// it can, retransmit reliable-ordered and reliable-sequenced datagrams
// until acknowledged, and report peer lifecycle events to a Listener.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// ReliabilityClass selects how a Send is delivered.
type ReliabilityClass int

const (
	// Unreliable datagrams are sent once and never retransmitted; typical
	// of high-frequency voice data where a stale retransmit is worthless.
	Unreliable ReliabilityClass = iota
	// ReliableOrdered datagrams are retransmitted until acknowledged and
	// delivered to the Listener strictly in send order, buffering
	// out-of-order arrivals until the gap is filled.
	ReliableOrdered
	// ReliableSequenced datagrams are retransmitted until acknowledged,
	// but only the most recently sent one matters: a new send supersedes
	// any still-pending retransmit for the same peer.
	ReliableSequenced
)

// DisconnectReason explains why a peer was dropped.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectTimeout
	DisconnectRejected
	DisconnectLocalShutdown
	DisconnectError
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectTimeout:
		return "timeout"
	case DisconnectRejected:
		return "rejected"
	case DisconnectLocalShutdown:
		return "local_shutdown"
	case DisconnectError:
		return "error"
	default:
		return "unknown"
	}
}

// Listener receives transport lifecycle and data events. Every method is
// invoked synchronously from within Poll (PeerDisconnected also from Stop
// and Disconnect) — implementations must not block. Admission is decided
// by ConnectionRequested's return value; callbacks may call Send.
type Listener interface {
	// ConnectionRequested is invoked for each well-formed datagram from an
	// address that is not yet a peer. Returning true admits the peer
	// (PeerConnected follows immediately); returning false drops the
	// datagram, and the address stays unknown, so its next datagram is
	// offered to ConnectionRequested again.
	ConnectionRequested(addr *net.UDPAddr, token ConnectionToken) bool
	// PeerConnected is invoked once a peer has been admitted.
	PeerConnected(peer *Peer)
	// PeerDisconnected is invoked when a peer is dropped, for any reason.
	PeerDisconnected(peer *Peer, reason DisconnectReason)
	// Receive is invoked for every application datagram delivered from
	// peer, after transport-level reliability processing (ordering,
	// dedup) has already happened.
	Receive(peer *Peer, data []byte)
	// Error reports a non-fatal transport error (malformed datagram,
	// socket read error on one iteration, etc).
	Error(err error)
}

// ConnectionToken is the pre-shared connection key exchanged during
// admission, per the relay's "shared connection key" handshake.
type ConnectionToken [32]byte

// Config controls Transport construction.
type Config struct {
	ListenAddr      string
	RecvBufferBytes int // socket SO_RCVBUF; 0 leaves the OS default
	SendBufferBytes int // socket SO_SNDBUF; 0 leaves the OS default
	PeerTimeout     time.Duration
	RetransmitEvery time.Duration
}

// DefaultConfig returns sane defaults for Config's zero-value fields.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":10515",
		RecvBufferBytes: 4 << 20,
		SendBufferBytes: 4 << 20,
		PeerTimeout:     15 * time.Second,
		RetransmitEvery: 100 * time.Millisecond,
	}
}

// Transport owns one bound UDP socket and the set of peers currently
// talking to it.
type Transport struct {
	log      zerolog.Logger
	cfg      Config
	listener Listener

	conn   *net.UDPConn
	pktConn *ipv4.PacketConn

	mu    sync.RWMutex
	peers map[string]*Peer // keyed by UDPAddr.String()

	recvBuf []byte
}

// New constructs a Transport. Call Start to bind the socket.
func New(log zerolog.Logger, cfg Config, listener Listener) *Transport {
	return &Transport{
		log:      log.With().Str("component", "transport").Logger(),
		cfg:      cfg,
		listener: listener,
		peers:    make(map[string]*Peer),
		recvBuf:  make([]byte, 64*1024),
	}
}

// Start binds the listening socket and tunes its buffers.
func (t *Transport) Start() error {
	addr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", t.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %q: %w", t.cfg.ListenAddr, err)
	}
	t.conn = conn
	t.pktConn = ipv4.NewPacketConn(conn)
	// Expedited Forwarding (DSCP 46) marks outbound voice traffic for
	// priority queuing on routers that honor it; harmless where they don't.
	const dscpExpeditedForwarding = 46 << 2
	if err := t.pktConn.SetTOS(dscpExpeditedForwarding); err != nil {
		t.log.Debug().Err(err).Msg("could not set outbound TOS/DSCP marking")
	}
	if err := tuneBuffers(conn, t.cfg.RecvBufferBytes, t.cfg.SendBufferBytes); err != nil {
		t.log.Warn().Err(err).Msg("could not tune socket buffers")
	}
	t.log.Info().Str("addr", conn.LocalAddr().String()).Msg("transport listening")
	return nil
}

// Stop closes the listening socket and disconnects every peer.
func (t *Transport) Stop() error {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*Peer)
	t.mu.Unlock()

	for _, p := range peers {
		t.listener.PeerDisconnected(p, DisconnectLocalShutdown)
	}
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Poll performs one pass: reads and processes datagrams until
// readDeadline (measured from now) expires or a non-timeout read error
// occurs, then retransmits due reliable sends and times out idle peers.
// A pass therefore lasts about readDeadline even when no datagram arrives.
func (t *Transport) Poll(now time.Time, readDeadline time.Duration) error {
	if err := t.conn.SetReadDeadline(now.Add(readDeadline)); err != nil {
		return fmt.Errorf("transport: set read deadline: %w", err)
	}

	for {
		n, addr, err := t.conn.ReadFromUDP(t.recvBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			t.listener.Error(fmt.Errorf("transport: read: %w", err))
			break
		}
		t.handleDatagram(addr, t.recvBuf[:n])
	}

	t.retransmitDue(now)
	t.timeoutIdle(now)
	return nil
}

func (t *Transport) handleDatagram(addr *net.UDPAddr, data []byte) {
	key := addr.String()

	t.mu.RLock()
	peer, known := t.peers[key]
	t.mu.RUnlock()

	if !known {
		frame, err := decodeFrame(data)
		if err != nil {
			t.listener.Error(fmt.Errorf("transport: malformed admission datagram from %s: %w", key, err))
			return
		}
		if !t.listener.ConnectionRequested(addr, frame.token) {
			return
		}
		peer = newPeer(addr, t)
		t.mu.Lock()
		t.peers[key] = peer
		t.mu.Unlock()
		t.listener.PeerConnected(peer)
		peer.ingest(frame, t.log, t.listener)
		return
	}

	frame, err := decodeFrame(data)
	if err != nil {
		t.listener.Error(fmt.Errorf("transport: malformed datagram from %s: %w", key, err))
		return
	}
	peer.touch()
	peer.ingest(frame, t.log, t.listener)
}

func (t *Transport) retransmitDue(now time.Time) {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		p.retransmitDue(now, t.cfg.RetransmitEvery)
	}
}

func (t *Transport) timeoutIdle(now time.Time) {
	t.mu.Lock()
	var dropped []*Peer
	for key, p := range t.peers {
		if now.Sub(p.lastSeen()) > t.cfg.PeerTimeout {
			delete(t.peers, key)
			dropped = append(dropped, p)
		}
	}
	t.mu.Unlock()

	for _, p := range dropped {
		t.listener.PeerDisconnected(p, DisconnectTimeout)
	}
}

// Disconnect forcibly drops peer.
func (t *Transport) Disconnect(peer *Peer, reason DisconnectReason) {
	t.mu.Lock()
	_, ok := t.peers[peer.addr.String()]
	delete(t.peers, peer.addr.String())
	t.mu.Unlock()
	if ok {
		t.listener.PeerDisconnected(peer, reason)
	}
}

// Send transmits data to peer under the given reliability class.
func (t *Transport) Send(peer *Peer, data []byte, class ReliabilityClass) error {
	return peer.send(t.conn, data, class)
}

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
