// Package relay implements the voice relay's state machine: it sits
// between the transport and the session registry, classifies every
// inbound voice message by its discriminant, and drives the registry
// mutations and outbound fan-out each message implies.
//
// Relay is the transport.Listener. Every method below runs synchronously
// from the single poll loop in cmd/relayd — no relay method spawns a
// goroutine or touches the registry from anywhere else, matching the
// single-threaded concurrency model the whole server is built around.
package relay

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"voicerelay/internal/codec"
	"voicerelay/internal/metrics"
	"voicerelay/internal/registry"
	"voicerelay/internal/transport"
	"voicerelay/internal/voice"
)

const (
	voiceUpType       = "voice_up"
	voiceDownType     = "voice_down"
	voiceDirectedType = "voice_directed"
)

// handshakeRateLimit bounds how many handshake attempts a single peer
// may make per second before being dropped — the source protocol's own
// per-IP control-message throttle, generalized to one limiter per peer.
const (
	handshakeRateLimit = 2
	handshakeBurst     = 4
)

// PeerState is the per-connection state the relay attaches to every
// transport.Peer via its Value field.
type PeerState struct {
	Player      voice.PlayerIdentifier
	PlayerKnown bool

	ClientID   voice.ClientIdentifier
	Registered bool

	handshakeLimiter *rate.Limiter
}

// Config controls Relay construction.
type Config struct {
	PresharedKey []byte
}

// Relay wires together the codec, registry, and metrics, and implements
// transport.Listener.
type Relay struct {
	log       zerolog.Logger
	transport *transport.Transport
	codec     *codec.Codec
	registry  *registry.Registry
	metrics   *metrics.Metrics

	expectedToken transport.ConnectionToken

	mu            sync.RWMutex
	peersByClient map[voice.ClientIdentifier]*transport.Peer
}

// New constructs a Relay. Call AttachTransport before the transport starts polling.
func New(log zerolog.Logger, cfg Config, t *transport.Transport, reg *registry.Registry, m *metrics.Metrics) *Relay {
	r := &Relay{
		log:           log.With().Str("component", "relay").Logger(),
		transport:     t,
		codec:         codec.New(log),
		registry:      reg,
		metrics:       m,
		peersByClient: make(map[voice.ClientIdentifier]*transport.Peer),
	}
	r.expectedToken = deriveToken(cfg.PresharedKey)
	r.registerCodec()
	return r
}

// AttachTransport wires t as the transport Relay sends through. It exists
// because Transport itself requires a Listener at construction time: the
// caller builds the Relay first, passes it to transport.New, then calls
// AttachTransport to close the cycle before Start/Poll run.
func (r *Relay) AttachTransport(t *transport.Transport) {
	r.transport = t
}

func deriveToken(presharedKey []byte) transport.ConnectionToken {
	sum := blake2b.Sum256(presharedKey)
	var tok transport.ConnectionToken
	copy(tok[:], sum[:])
	return tok
}

func (r *Relay) registerCodec() {
	r.codec.Register(voiceUpType, serializeVoiceUp, deserializeVoiceUp)
	r.codec.Register(voiceDownType, serializeVoiceDown, deserializeVoiceDown)
	r.codec.Register(voiceDirectedType, serializeVoiceDirected, deserializeVoiceDirected)
	r.codec.Subscribe(voiceUpType, r.handleVoiceUp)             //nolint:errcheck // registered above, cannot fail
	r.codec.Subscribe(voiceDirectedType, r.handleVoiceDirected) //nolint:errcheck
}

// ConnectionRequested validates the shared connection token before
// admitting a peer; this is the expansion's admission-control tightening
// of the source protocol's "shared connection key" comment into an
// enforced check.
func (r *Relay) ConnectionRequested(addr *net.UDPAddr, token transport.ConnectionToken) bool {
	ok := subtle.ConstantTimeCompare(token[:], r.expectedToken[:]) == 1
	if !ok {
		r.metrics.ErrorsBySubsystem.WithLabelValues("transport").Inc()
		r.log.Warn().Str("addr", addr.String()).Msg("rejected connection: bad token")
	}
	return ok
}

// PeerConnected attaches fresh PeerState to peer.
func (r *Relay) PeerConnected(peer *transport.Peer) {
	peer.Value = &PeerState{
		handshakeLimiter: rate.NewLimiter(rate.Limit(handshakeRateLimit), handshakeBurst),
	}
	r.log.Debug().Str("addr", peer.Addr().String()).Msg("peer connected")
}

// PeerDisconnected unwinds any registry state the peer had accumulated
// and notifies every other registered client, whatever rooms they are in.
func (r *Relay) PeerDisconnected(peer *transport.Peer, reason transport.DisconnectReason) {
	st, _ := peer.Value.(*PeerState)
	r.metrics.DisconnectsByReason.WithLabelValues(reason.String()).Inc()
	if st == nil || !st.Registered {
		return
	}
	r.removeClient(st.ClientID)
}

func (r *Relay) removeClient(id voice.ClientIdentifier) {
	player, ok := r.registry.Unbind(id)
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.peersByClient, id)
	r.mu.Unlock()

	r.metrics.PlayersLeft.Inc()
	r.metrics.SetPlayersConnected(r.registry.Count())
	r.log.Info().Uint16("client_id", uint16(id)).Str("player", player.String()).Msg("client removed")

	notice := voice.EncodeRemoveClient(r.registry.Session(), id)
	for _, dest := range r.registry.PeersExcept(id) {
		r.sendVoiceDown(dest, voice.ZeroPlayer, notice, transport.ReliableOrdered)
	}
}

// Receive handles one transport-delivered payload. The first payload a
// newly admitted peer sends carries its 16-byte PlayerIdentifier
// (assigned upstream by the game's own join flow); every payload after
// that is a codec-wrapped voice envelope.
func (r *Relay) Receive(peer *transport.Peer, data []byte) {
	st, ok := peer.Value.(*PeerState)
	if !ok {
		st = &PeerState{}
		peer.Value = st
	}

	if !st.PlayerKnown {
		var player voice.PlayerIdentifier
		if len(data) != len(player) {
			r.metrics.ErrorsBySubsystem.WithLabelValues("transport").Inc()
			r.log.Warn().Int("len", len(data)).Msg("malformed player identity datagram")
			return
		}
		copy(player[:], data)
		st.Player = player
		st.PlayerKnown = true
		return
	}

	r.metrics.PacketsIn.Inc()
	r.metrics.BytesIn.Add(float64(len(data)))

	if err := r.codec.Read(data, peer); err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("codec").Inc()
		r.log.Debug().Err(err).Msg("codec read failed")
	}
}

// Error reports a transport-level error.
func (r *Relay) Error(err error) {
	r.metrics.ErrorsBySubsystem.WithLabelValues("transport").Inc()
	r.log.Warn().Err(err).Msg("transport error")
}

// sendVoiceDown wraps payload in a VoiceDown envelope and sends it to
// dest if dest currently has a live transport.Peer.
func (r *Relay) sendVoiceDown(dest voice.ClientIdentifier, from voice.PlayerIdentifier, payload []byte, class transport.ReliabilityClass) {
	r.mu.RLock()
	peer, ok := r.peersByClient[dest]
	r.mu.RUnlock()
	if !ok {
		return
	}

	down := voice.VoiceDown{FromPlayer: from, Reliable: class != transport.Unreliable, Payload: payload}
	out, err := r.codec.Write(voiceDownType, down)
	if err != nil {
		r.log.Error().Err(err).Msg("encode voice_down")
		return
	}
	if err := r.transport.Send(peer, out, class); err != nil {
		r.log.Debug().Err(err).Uint16("client_id", uint16(dest)).Msg("send voice_down failed")
		return
	}
	r.metrics.PacketsOut.Inc()
	r.metrics.BytesOut.Add(float64(len(out)))
}

func normalizeName(s string) string {
	return norm.NFC.String(s)
}

func voicePeer(p any) (*transport.Peer, *PeerState, error) {
	peer, ok := p.(*transport.Peer)
	if !ok {
		return nil, nil, fmt.Errorf("relay: dispatch context is not a *transport.Peer")
	}
	st, ok := peer.Value.(*PeerState)
	if !ok {
		return nil, nil, fmt.Errorf("relay: peer has no state attached")
	}
	return peer, st, nil
}
