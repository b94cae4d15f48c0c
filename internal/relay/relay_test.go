package relay

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicerelay/internal/codec"
	"voicerelay/internal/metrics"
	"voicerelay/internal/registry"
	"voicerelay/internal/transport"
	"voicerelay/internal/voice"
)

const testSession = voice.SessionID(0xC0FFEE)

// newTestRelay wires a Relay to a real transport bound to loopback, so
// sends actually travel over a UDP socket and tests can observe the exact
// bytes a real client would see.
func newTestRelay(t *testing.T) (*Relay, *registry.Registry) {
	t.Helper()
	log := zerolog.Nop()
	reg := registry.New(log, testSession)
	m := metrics.New(log, prometheus.NewRegistry())

	r := New(log, Config{PresharedKey: []byte("test-preshared-key")}, nil, reg, m)
	tr := transport.New(log, transport.Config{
		ListenAddr:      "127.0.0.1:0",
		PeerTimeout:     time.Minute,
		RetransmitEvery: time.Hour,
	}, r)
	r.AttachTransport(tr)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() }) //nolint:errcheck

	return r, reg
}

// fakeClient is a simulated voice-chat client: a real loopback UDP socket
// that can observe what the relay sends it, paired with the transport.Peer
// handle the relay addresses it by.
type fakeClient struct {
	conn   *net.UDPConn
	peer   *transport.Peer
	player voice.PlayerIdentifier
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	addr := conn.LocalAddr().(*net.UDPAddr)
	return &fakeClient{
		conn:   conn,
		peer:   transport.NewPeer(addr),
		player: uuid.New(),
	}
}

// join drives fakeClient through admission, player binding, and a
// handshake request, returning the assigned ClientIdentifier.
func (f *fakeClient) join(t *testing.T, r *Relay, name string) voice.ClientIdentifier {
	t.Helper()
	r.PeerConnected(f.peer)
	r.Receive(f.peer, f.player[:])

	var codecBytes voice.CodecSettings
	for i := range codecBytes {
		codecBytes[i] = 0x11
	}
	payload := voice.EncodeHandshakeRequest(voice.HandshakeRequestBody{Codec: codecBytes, Name: name})
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(f.peer, up)

	st := f.peer.Value.(*PeerState)
	require.True(t, st.Registered)
	return st.ClientID
}

// recvVoiceDown reads one datagram off conn, strips the transport frame
// header and codec type-hash, and decodes the remaining bytes as a
// VoiceDown envelope. ok is false if nothing arrived within timeout.
func recvVoiceDown(t *testing.T, conn *net.UDPConn, timeout time.Duration) (voice.VoiceDown, bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return voice.VoiceDown{}, false
		}
		require.NoError(t, err)
	}

	raw := buf[:n]
	require.GreaterOrEqual(t, len(raw), 4+codec.HashLen, "datagram too short for frame+hash")
	body := raw[4+codec.HashLen:] // frame header (kind+class+seq) then codec type-hash
	down, err := voice.DecodeVoiceDown(bytes.NewReader(body))
	require.NoError(t, err)
	return down, true
}

func assertNoVoiceDown(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	_, ok := recvVoiceDown(t, conn, 50*time.Millisecond)
	assert.False(t, ok, "expected no VoiceDown to be sent")
}

// --- Scenario A: single-client handshake -----------------------------------

func TestScenarioA_HandshakeRoundTrip(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)

	id := p1.join(t, r, "A")

	down, ok := recvVoiceDown(t, p1.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, voice.ZeroPlayer, down.FromPlayer)
	assert.True(t, down.Reliable)

	resp, err := voice.DecodeHandshakeResponse(down.Payload)
	require.NoError(t, err)
	assert.Equal(t, testSession, resp.Session)
	assert.Equal(t, id, resp.Assigned)
	assert.Empty(t, resp.Others)

	// Byte-exact: magic, type, session, assigned id, other_count=0, channel_count=0.
	expected := []byte{0x8B, 0xC7, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	expected[3] = byte(testSession >> 24)
	expected[4] = byte(testSession >> 16)
	expected[5] = byte(testSession >> 8)
	expected[6] = byte(testSession)
	expected[7] = byte(id >> 8)
	expected[8] = byte(id)
	assert.Equal(t, expected, down.Payload)
}

func TestIdempotentHandshakeReturnsSameID(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)

	id1 := p1.join(t, r, "A")
	_, _ = recvVoiceDown(t, p1.conn, time.Second) // drain first response

	id2 := p1.join(t, r, "A-renamed")
	down, ok := recvVoiceDown(t, p1.conn, time.Second)
	require.True(t, ok)
	resp, err := voice.DecodeHandshakeResponse(down.Payload)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, resp.Assigned)
}

// --- Scenario B: two-client fan-out -----------------------------------------

func TestScenarioB_VoiceDataFansOutToAllOtherPeers(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)
	// Neither client has joined any room: VoiceData fans out to every
	// other registered peer regardless of room membership.

	voicePayload := append([]byte{0x8B, 0xC7, byte(voice.VoiceData)}, make([]byte, 12)...)
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: false, Payload: voicePayload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	down, ok := recvVoiceDown(t, p2.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, p1.player, down.FromPlayer)
	assert.False(t, down.Reliable)
	assert.Equal(t, voicePayload, down.Payload)

	assertNoVoiceDown(t, p1.conn)
}

func TestUnrecognizedDiscriminantIsRebroadcastAsVoiceData(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	const unknownType = 200
	payload := append([]byte{0x8B, 0xC7, unknownType}, []byte("xyz")...)
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	down, ok := recvVoiceDown(t, p2.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, p1.player, down.FromPlayer)
	assert.Equal(t, payload, down.Payload)
}

func TestClientStateRebroadcastsToAllOtherPeers(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	payload := voice.EncodeClientState(voice.ClientStateBody{Session: testSession, Rooms: []string{"lobby"}})
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	down, ok := recvVoiceDown(t, p2.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, p1.player, down.FromPlayer)
	assert.Equal(t, payload, down.Payload)
}

func TestDeltaChannelStateBroadcastsToAllOtherPeersNotJustRoomMembers(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)
	// p2 never joins "lobby" — the broadcast must still reach it.

	payload := voice.EncodeDeltaChannelState(voice.RoomDelta{Session: testSession, Join: true, Room: "lobby"})
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	down, ok := recvVoiceDown(t, p2.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, p1.player, down.FromPlayer)
	hdr, err := voice.ParseHeader(down.Payload)
	require.NoError(t, err)
	assert.Equal(t, voice.DeltaChannelState, hdr.Type)
}

// --- VoiceDirected drops ServerOnly inner discriminants ---------------------

func TestVoiceDirectedDropsServerOnlyPayload(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	serverOnlyPayload := []byte{0x8B, 0xC7, byte(voice.TextData)}
	out, err := r.codec.Write(voiceDirectedType, voice.VoiceDirected{TargetPlayer: p2.player, Reliable: true, Payload: serverOnlyPayload})
	require.NoError(t, err)
	r.Receive(p1.peer, out)

	assertNoVoiceDown(t, p2.conn)
}

// --- Scenario C: session-mismatch ServerRelay -------------------------------

func TestScenarioC_ServerRelayWrongSessionRepliesError(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	badSession := testSession ^ 1
	inner := []byte{1, 2, 3}
	relayPayload := voice.EncodeServerRelay(badSession, []voice.ClientIdentifier{99}, inner, true)
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: relayPayload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	down, ok := recvVoiceDown(t, p1.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, voice.ZeroPlayer, down.FromPlayer)
	hdr, err := voice.ParseHeader(down.Payload)
	require.NoError(t, err)
	assert.Equal(t, voice.ErrorWrongSession, hdr.Type)

	assertNoVoiceDown(t, p2.conn)
}

// --- Scenario D: directed voice to a valid target ---------------------------

func TestScenarioD_VoiceDirectedReachesOnlyTarget(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	payload := append([]byte{0x8B, 0xC7, byte(voice.VoiceData)}, []byte("hi")...)
	out, err := r.codec.Write(voiceDirectedType, voice.VoiceDirected{TargetPlayer: p2.player, Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(p1.peer, out)

	down, ok := recvVoiceDown(t, p2.conn, time.Second)
	require.True(t, ok)
	assert.Equal(t, p1.player, down.FromPlayer)
	assert.Equal(t, payload, down.Payload)

	assertNoVoiceDown(t, p1.conn)
}

// --- Scenario E: disconnect broadcast ----------------------------------------

func TestScenarioE_DisconnectBroadcastsRemoveClient(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)
	p3 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	id2 := p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)
	p3.join(t, r, "p3")
	_, _ = recvVoiceDown(t, p3.conn, time.Second)

	r.PeerDisconnected(p2.peer, transport.DisconnectTimeout)

	for _, fc := range []*fakeClient{p1, p3} {
		down, ok := recvVoiceDown(t, fc.conn, time.Second)
		require.True(t, ok)
		assert.Equal(t, voice.ZeroPlayer, down.FromPlayer)
		session, departing, reason, err := voice.DecodeRemoveClient(down.Payload)
		require.NoError(t, err)
		assert.Equal(t, testSession, session)
		assert.Equal(t, id2, departing)
		assert.Equal(t, uint16(0), reason)
	}
}

// --- Scenario F: blocked peer-to-peer handshake via ServerRelay -------------

func TestScenarioF_ServerRelayBlocksPeerToPeerHandshake(t *testing.T) {
	r, _ := newTestRelay(t)
	p1 := newFakeClient(t)
	p2 := newFakeClient(t)

	p1.join(t, r, "p1")
	_, _ = recvVoiceDown(t, p1.conn, time.Second)
	id2 := p2.join(t, r, "p2")
	_, _ = recvVoiceDown(t, p2.conn, time.Second)

	innerHandshake := []byte{0x8B, 0xC7, byte(voice.HandshakePeerToPeer)}
	relayPayload := voice.EncodeServerRelay(testSession, []voice.ClientIdentifier{id2}, innerHandshake, true)
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: relayPayload})
	require.NoError(t, err)
	r.Receive(p1.peer, up)

	assertNoVoiceDown(t, p1.conn)
	assertNoVoiceDown(t, p2.conn)
}

// --- Fan-out completeness property ------------------------------------------

func TestFanoutCompleteness_VoiceDataReachesEveryPeer(t *testing.T) {
	r, _ := newTestRelay(t)
	clients := make([]*fakeClient, 4)
	for i := range clients {
		clients[i] = newFakeClient(t)
		clients[i].join(t, r, "n")
		_, _ = recvVoiceDown(t, clients[i].conn, time.Second)
	}
	// No client has joined a room: fan-out must still reach every other
	// registered peer.

	payload := append([]byte{0x8B, 0xC7, byte(voice.VoiceData)}, []byte("abc")...)
	up, err := r.codec.Write(voiceUpType, voice.VoiceUp{Reliable: true, Payload: payload})
	require.NoError(t, err)
	r.Receive(clients[0].peer, up)

	for i := 1; i < len(clients); i++ {
		down, ok := recvVoiceDown(t, clients[i].conn, time.Second)
		require.True(t, ok, "client %d should have received the fan-out", i)
		assert.Equal(t, clients[0].player, down.FromPlayer)
		assert.Equal(t, payload, down.Payload)
	}
	assertNoVoiceDown(t, clients[0].conn)
}
