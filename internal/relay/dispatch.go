package relay

import (
	"bytes"
	"fmt"

	"voicerelay/internal/transport"
	"voicerelay/internal/voice"
)

func serializeVoiceUp(buf *bytes.Buffer, msg any) error {
	voice.EncodeVoiceUp(buf, msg.(voice.VoiceUp))
	return nil
}

func deserializeVoiceUp(r *bytes.Reader) (any, error) {
	return voice.DecodeVoiceUp(r)
}

func serializeVoiceDown(buf *bytes.Buffer, msg any) error {
	voice.EncodeVoiceDown(buf, msg.(voice.VoiceDown))
	return nil
}

func deserializeVoiceDown(r *bytes.Reader) (any, error) {
	return voice.DecodeVoiceDown(r)
}

func serializeVoiceDirected(buf *bytes.Buffer, msg any) error {
	voice.EncodeVoiceDirected(buf, msg.(voice.VoiceDirected))
	return nil
}

func deserializeVoiceDirected(r *bytes.Reader) (any, error) {
	return voice.DecodeVoiceDirected(r)
}

// handleVoiceUp is the codec handler for client -> server envelopes. It
// parses the inner voice-payload header and dispatches on the message
// type discriminant, matching the control-switch shape of the datagram
// handler this package replaces.
func (r *Relay) handleVoiceUp(peerAny any, msgAny any) error {
	peer, st, err := voicePeer(peerAny)
	if err != nil {
		return err
	}
	up := msgAny.(voice.VoiceUp)

	hdr, err := voice.ParseHeader(up.Payload)
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: parse voice payload header: %w", err)
	}

	switch hdr.Type {
	case voice.HandshakeRequest:
		return r.handleHandshakeRequest(peer, st, up.Payload)
	case voice.VoiceData:
		return r.handleVoiceData(peer, st, up)
	case voice.ClientState:
		return r.handleClientState(peer, st, up.Payload)
	case voice.DeltaChannelState:
		return r.handleDeltaChannelState(peer, st, up.Payload)
	case voice.TextData:
		return r.handleTextData(peer, st, up.Payload)
	case voice.ServerRelayReliable:
		return r.handleServerRelay(peer, st, up.Payload, transport.ReliableOrdered)
	case voice.ServerRelayUnreliable:
		return r.handleServerRelay(peer, st, up.Payload, transport.Unreliable)
	case voice.HandshakePeerToPeer:
		// Peer-to-peer handshake negotiation is between clients directly;
		// the relay has nothing to do but drop it, matching the source
		// protocol's "is simply dropped" handling for this discriminant.
		return nil
	default:
		// Any other discriminant is rebroadcast verbatim as voice data to
		// every other registered peer.
		return r.handleVoiceData(peer, st, up)
	}
}

// handleVoiceDirected handles a client (acting as a peer-to-peer host)
// asking the relay to forward a payload to one specific player.
func (r *Relay) handleVoiceDirected(peerAny any, msgAny any) error {
	_, st, err := voicePeer(peerAny)
	if err != nil {
		return err
	}
	if !st.Registered {
		return fmt.Errorf("relay: voice_directed before handshake complete")
	}
	directed := msgAny.(voice.VoiceDirected)

	hdr, err := voice.ParseHeader(directed.Payload)
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: parse voice_directed payload header: %w", err)
	}
	if voice.IsServerOnly(hdr.Type) {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return nil
	}

	destID, ok := r.registry.ClientIDFor(directed.TargetPlayer)
	if !ok {
		return nil // target not connected; silently drop
	}

	class := transport.Unreliable
	if directed.Reliable {
		class = transport.ReliableOrdered
	}
	r.sendVoiceDown(destID, st.Player, directed.Payload, class)
	return nil
}

func (r *Relay) handleHandshakeRequest(peer *transport.Peer, st *PeerState, payload []byte) error {
	req, err := voice.DecodeHandshakeRequest(payload[voice.MinPayloadLen:])
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: decode handshake request: %w", err)
	}

	if !st.PlayerKnown {
		return fmt.Errorf("relay: handshake request before player identity established")
	}
	if !st.handshakeLimiter.Allow() {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: handshake request rate exceeded")
	}

	meta := voice.ClientMetadata{Name: normalizeName(req.Name), Codec: req.Codec}
	id, err := r.registry.Bind(st.Player, meta)
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: bind client: %w", err)
	}

	st.ClientID = id
	st.Registered = true

	r.mu.Lock()
	r.peersByClient[id] = peer
	r.mu.Unlock()

	r.metrics.PlayersJoined.Inc()
	r.metrics.SetPlayersConnected(r.registry.Count())
	r.log.Info().Uint16("client_id", uint16(id)).Str("name", meta.Name).Msg("handshake complete")

	others := r.registry.AllMetadataExcept(id)
	resp := voice.EncodeHandshakeResponse(r.registry.Session(), id, others)
	r.sendVoiceDown(id, voice.ZeroPlayer, resp, transport.ReliableOrdered)
	return nil
}

func (r *Relay) handleVoiceData(peer *transport.Peer, st *PeerState, up voice.VoiceUp) error {
	if !st.Registered {
		return fmt.Errorf("relay: voice data before handshake complete")
	}

	class := transport.Unreliable
	if up.Reliable {
		class = transport.ReliableSequenced
	}

	for _, dest := range r.registry.PeersExcept(st.ClientID) {
		r.sendVoiceDown(dest, st.Player, up.Payload, class)
	}
	return nil
}

func (r *Relay) checkSession(st *PeerState, session voice.SessionID) bool {
	if session == r.registry.Session() {
		return true
	}
	errPayload := voice.EncodeErrorWrongSession(r.registry.Session())
	r.sendVoiceDown(st.ClientID, voice.ZeroPlayer, errPayload, transport.ReliableOrdered)
	return false
}

func (r *Relay) handleClientState(peer *transport.Peer, st *PeerState, payload []byte) error {
	if !st.Registered {
		return fmt.Errorf("relay: client_state before handshake complete")
	}
	body, err := voice.DecodeClientState(payload[voice.MinPayloadLen:])
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: decode client_state: %w", err)
	}
	if !r.checkSession(st, body.Session) {
		return nil
	}
	r.registry.ReplaceRooms(st.ClientID, body.Rooms)

	for _, dest := range r.registry.PeersExcept(st.ClientID) {
		r.sendVoiceDown(dest, st.Player, payload, transport.ReliableOrdered)
	}
	return nil
}

func (r *Relay) handleDeltaChannelState(peer *transport.Peer, st *PeerState, payload []byte) error {
	if !st.Registered {
		return fmt.Errorf("relay: delta_channel_state before handshake complete")
	}
	delta, err := voice.DecodeDeltaChannelState(payload[voice.MinPayloadLen:])
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: decode delta_channel_state: %w", err)
	}
	if !r.checkSession(st, delta.Session) {
		return nil
	}

	if delta.Join {
		r.registry.JoinRoom(st.ClientID, delta.Room)
	} else {
		r.registry.LeaveRoom(st.ClientID, delta.Room)
	}

	broadcast := voice.EncodeDeltaChannelStateBroadcast(r.registry.Session(), st.ClientID, delta)
	for _, dest := range r.registry.PeersExcept(st.ClientID) {
		r.sendVoiceDown(dest, st.Player, broadcast, transport.ReliableOrdered)
	}
	return nil
}

// handleServerRelay implements the client-initiated generic forwarding
// mechanism: a client asks the relay to deliver an arbitrary inner voice
// message to a set of destination client ids. The relay validates the
// embedded session id before forwarding anything, and refuses to broker a
// peer-to-peer handshake through this path.
func (r *Relay) handleServerRelay(peer *transport.Peer, st *PeerState, payload []byte, class transport.ReliabilityClass) error {
	if !st.Registered {
		return fmt.Errorf("relay: server_relay before handshake complete")
	}
	body, err := voice.DecodeServerRelay(payload[voice.MinPayloadLen:])
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: decode server_relay: %w", err)
	}
	if !r.checkSession(st, body.Session) {
		return nil
	}

	innerHdr, err := voice.ParseHeader(body.Inner)
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: parse server_relay inner header: %w", err)
	}
	if innerHdr.Type == voice.HandshakePeerToPeer {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return nil
	}

	for _, dest := range body.Destinations {
		r.sendVoiceDown(dest, st.Player, body.Inner, class)
	}
	return nil
}

func (r *Relay) handleTextData(peer *transport.Peer, st *PeerState, payload []byte) error {
	if !st.Registered {
		return fmt.Errorf("relay: text_data before handshake complete")
	}
	body, err := voice.DecodeTextData(payload[voice.MinPayloadLen:])
	if err != nil {
		r.metrics.ErrorsBySubsystem.WithLabelValues("relay").Inc()
		return fmt.Errorf("relay: decode text_data: %w", err)
	}
	if !r.checkSession(st, body.Session) {
		return nil
	}

	var dests []voice.ClientIdentifier
	switch body.Addressing {
	case voice.TextUnicast:
		dests = []voice.ClientIdentifier{body.Destination}
	case voice.TextMulticast:
		dests = r.registry.PeersExcept(st.ClientID)
	}

	for _, dest := range dests {
		r.sendVoiceDown(dest, st.Player, payload, transport.ReliableOrdered)
	}
	return nil
}
