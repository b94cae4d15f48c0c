package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Circuit breaker constants for per-peer send health, mirrored from the
// voice-room fan-out pattern this relay replaces: after enough
// consecutive send failures, stop wasting effort on an unreachable peer,
// but keep probing so it can recover.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// pendingSend is one not-yet-acknowledged reliable datagram.
type pendingSend struct {
	seq      uint16
	data     []byte
	lastSent time.Time
}

// Peer is one remote endpoint talking to the transport. All exported
// accessors are safe for concurrent use; mutation only happens from
// within Transport.Poll.
type Peer struct {
	addr *net.UDPAddr
	conn *net.UDPConn

	health sendHealth

	mu sync.Mutex

	lastSeenAt time.Time

	outSeq map[ReliabilityClass]uint16
	// pendingOrdered holds every unacknowledged reliable-ordered send,
	// keyed by sequence number, retransmitted until acked.
	pendingOrdered map[uint16]*pendingSend
	// pendingSequenced holds at most one unacknowledged reliable-sequenced
	// send; a newer Send replaces it outright.
	pendingSequenced *pendingSend

	// inOrderedExpected is the next reliable-ordered sequence number the
	// peer expects to deliver to the listener; inOrderedBuffer holds
	// arrivals received ahead of that sequence.
	inOrderedExpected uint16
	inOrderedBuffer   map[uint16][]byte

	// inSequencedLatest is the highest reliable-sequenced sequence number
	// delivered so far; older arrivals are dropped as stale.
	inSequencedLatest uint16
	haveSequenced     bool

	// Value is free-form per-peer application state (e.g. *registry
	// bindings); the transport never reads it.
	Value any
}

func newPeer(addr *net.UDPAddr, t *Transport) *Peer {
	return &Peer{
		addr:            addr,
		conn:            t.conn,
		lastSeenAt:      time.Now(),
		outSeq:          make(map[ReliabilityClass]uint16),
		pendingOrdered:  make(map[uint16]*pendingSend),
		inOrderedBuffer: make(map[uint16][]byte),
	}
}

// NewPeer constructs a standalone Peer not bound to any Transport's
// socket. Transport.Send still reaches it through the transport's own
// socket, but the Peer itself never sends acks or retransmits, and no
// Transport tracks it (admission creates its own Peer for an address);
// this constructor exists for tests and for application code that needs
// to hold a Peer handle (e.g. keyed application state) before the
// transport layer has seen traffic from it.
func NewPeer(addr *net.UDPAddr) *Peer {
	return &Peer{
		addr:            addr,
		lastSeenAt:      time.Now(),
		outSeq:          make(map[ReliabilityClass]uint16),
		pendingOrdered:  make(map[uint16]*pendingSend),
		inOrderedBuffer: make(map[uint16][]byte),
	}
}

// Addr returns the peer's remote UDP address.
func (p *Peer) Addr() *net.UDPAddr { return p.addr }

func (p *Peer) lastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeenAt
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeenAt = time.Now()
	p.mu.Unlock()
}

func (p *Peer) send(conn *net.UDPConn, payload []byte, class ReliabilityClass) error {
	if conn == nil {
		return fmt.Errorf("transport: peer %s is not attached to a socket", p.addr)
	}
	if p.health.shouldSkip() {
		return nil
	}

	var datagram []byte
	var tracked *pendingSend

	p.mu.Lock()
	switch class {
	case Unreliable:
		datagram = encodeDataFrame(class, 0, payload)
	case ReliableOrdered:
		seq := p.outSeq[class]
		p.outSeq[class] = seq + 1
		datagram = encodeDataFrame(class, seq, payload)
		tracked = &pendingSend{seq: seq, data: datagram, lastSent: time.Now()}
		p.pendingOrdered[seq] = tracked
	case ReliableSequenced:
		seq := p.outSeq[class]
		p.outSeq[class] = seq + 1
		datagram = encodeDataFrame(class, seq, payload)
		tracked = &pendingSend{seq: seq, data: datagram, lastSent: time.Now()}
		p.pendingSequenced = tracked
	}
	p.mu.Unlock()

	_, err := conn.WriteToUDP(datagram, p.addr)
	if err != nil {
		p.health.recordFailure()
		return err
	}
	p.health.recordSuccess()
	return nil
}

func (p *Peer) retransmitDue(now time.Time, every time.Duration) {
	var due [][]byte

	p.mu.Lock()
	for _, ps := range p.pendingOrdered {
		if now.Sub(ps.lastSent) >= every {
			ps.lastSent = now
			due = append(due, ps.data)
		}
	}
	if p.pendingSequenced != nil && now.Sub(p.pendingSequenced.lastSent) >= every {
		p.pendingSequenced.lastSent = now
		due = append(due, p.pendingSequenced.data)
	}
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return
	}
	for _, d := range due {
		if p.health.shouldSkip() {
			continue
		}
		if _, err := conn.WriteToUDP(d, p.addr); err != nil {
			p.health.recordFailure()
		} else {
			p.health.recordSuccess()
		}
	}
}

// ingest processes one received frame: acks are applied to the send
// side's pending tables, data frames are ordered/deduped per their
// class and handed to the listener in the correct order.
func (p *Peer) ingest(f frame, log zerolog.Logger, listener Listener) {
	switch f.kind {
	case frameHello:
		if len(f.payload) > 0 {
			listener.Receive(p, f.payload)
		}
	case frameAck:
		p.applyAck(f.class, f.seq)
	case frameData:
		p.deliverData(f, log, listener)
	}
}

func (p *Peer) applyAck(class ReliabilityClass, seq uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch class {
	case ReliableOrdered:
		delete(p.pendingOrdered, seq)
	case ReliableSequenced:
		if p.pendingSequenced != nil && p.pendingSequenced.seq == seq {
			p.pendingSequenced = nil
		}
	}
}

func (p *Peer) deliverData(f frame, log zerolog.Logger, listener Listener) {
	switch f.class {
	case Unreliable:
		listener.Receive(p, f.payload)
		return
	case ReliableOrdered:
		p.ackIncoming(f.class, f.seq)
		ready := p.reorderedLocked(f.seq, f.payload)
		for _, payload := range ready {
			listener.Receive(p, payload)
		}
	case ReliableSequenced:
		p.ackIncoming(f.class, f.seq)
		if p.acceptSequencedLocked(f.seq) {
			listener.Receive(p, f.payload)
		}
	}
}

func (p *Peer) ackIncoming(class ReliabilityClass, seq uint16) {
	ack := encodeAckFrame(class, seq)
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.WriteToUDP(ack, p.addr) //nolint:errcheck // best-effort ack, sender will retransmit
	}
}

// reorderedLocked buffers an out-of-order arrival and returns every
// payload now ready for in-order delivery, including any previously
// buffered payloads the new arrival unblocks.
func (p *Peer) reorderedLocked(seq uint16, payload []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seqLess(seq, p.inOrderedExpected) {
		return nil // duplicate of an already-delivered sequence
	}
	p.inOrderedBuffer[seq] = payload

	var ready [][]byte
	for {
		next, ok := p.inOrderedBuffer[p.inOrderedExpected]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(p.inOrderedBuffer, p.inOrderedExpected)
		p.inOrderedExpected++
	}
	return ready
}

// acceptSequencedLocked reports whether seq is newer than every sequence
// already delivered, accounting for 16-bit wraparound.
func (p *Peer) acceptSequencedLocked(seq uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSequenced || seqLess(p.inSequencedLatest, seq) {
		p.inSequencedLatest = seq
		p.haveSequenced = true
		return true
	}
	return false
}

// seqLess compares 16-bit sequence numbers under wraparound, treating a
// gap of more than half the space as "behind" rather than "way ahead".
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
