// Package voice defines the wire-level voice envelopes and the inner
// voice-protocol payload layout that the relay inspects and fans out.
//
// Field endianness follows spec section 6: the three transport envelopes
// (VoiceUp/VoiceDown/VoiceDirected) use little-endian integers throughout,
// while every field inside the opaque voice payload — magic, session id,
// client ids, lengths — is big-endian. Mixing the two up is the single
// easiest way to break interop with the real client: the envelope
// length-prefix helpers (writeLPBytes/readLPBytes) are the only
// little-endian code here; everything else is big-endian.
package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PlayerIdentifier is the 128-bit identity the host application assigns a
// peer at game-join time. It is byte-for-byte a UUID, so we reuse the real
// uuid.UUID type instead of rolling our own [16]byte wrapper.
type PlayerIdentifier = uuid.UUID

// ZeroPlayer is the sentinel "no player" identifier used as the from_player
// of server-originated VoiceDown messages (handshake responses, errors,
// RemoveClient notifications).
var ZeroPlayer PlayerIdentifier

// ClientIdentifier is the relay-assigned 16-bit handle used inside voice
// payloads. 1 is the first id ever handed out; NoDestination is reserved.
type ClientIdentifier uint16

// NoDestination is the ClientIdentifier sentinel meaning "no destination".
const NoDestination ClientIdentifier = 0xFFFF

// SessionID tags a single relay process lifetime; every voice message from
// a client must carry the relay's current value.
type SessionID uint32

// Magic marks the start of every voice payload, big-endian on the wire.
const Magic uint16 = 0x8BC7

// MessageType is the one-byte discriminant following Magic in a voice payload.
type MessageType byte

const (
	ClientState          MessageType = 1
	VoiceData            MessageType = 2
	TextData             MessageType = 3
	HandshakeRequest     MessageType = 4
	HandshakeResponse    MessageType = 5
	ErrorWrongSession    MessageType = 6
	ServerRelayReliable  MessageType = 7
	ServerRelayUnreliable MessageType = 8
	DeltaChannelState    MessageType = 9
	RemoveClient         MessageType = 10
	HandshakePeerToPeer  MessageType = 11
)

// serverOnly holds the discriminants the relay never forwards inside a
// VoiceDirected envelope: every type defined above except VoiceData.
var serverOnly = map[MessageType]bool{
	ClientState:           true,
	TextData:              true,
	HandshakeRequest:      true,
	HandshakeResponse:     true,
	ErrorWrongSession:     true,
	ServerRelayReliable:   true,
	ServerRelayUnreliable: true,
	DeltaChannelState:     true,
	RemoveClient:          true,
	HandshakePeerToPeer:   true,
}

// IsServerOnly reports whether t is in the ServerOnly predicate from
// spec section 4.5.1.
func IsServerOnly(t MessageType) bool { return serverOnly[t] }

// --- Dissonance string convention -----------------------------------------
//
// u16 length, big-endian, followed by that many raw UTF-8 bytes. Zero
// means an empty string.

// WritePString appends s using the Dissonance length-prefix convention.
func WritePString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s))) //nolint:errcheck // bytes.Buffer.Write never fails
	buf.WriteString(s)
}

// ReadPString reads a Dissonance length-prefixed string from r.
func ReadPString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("read string body: %w", err)
	}
	return string(out), nil
}

// --- The three transport-level relay envelopes (spec section 3, 6) --------

// VoiceUp is sent client -> server.
type VoiceUp struct {
	Reliable bool
	Payload  []byte
}

// VoiceDown is sent server -> client.
type VoiceDown struct {
	FromPlayer PlayerIdentifier
	Reliable   bool
	Payload    []byte
}

// VoiceDirected is sent client (acting as host) -> server, for relaying to
// one specific peer.
type VoiceDirected struct {
	TargetPlayer PlayerIdentifier
	Reliable     bool
	Payload      []byte
}

func writeLPBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b))) //nolint:errcheck
	buf.Write(b)
}

func readLPBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("read length-prefixed body: %w", err)
	}
	return out, nil
}

// EncodeVoiceUp serializes a VoiceUp body (without the codec type-hash).
func EncodeVoiceUp(buf *bytes.Buffer, m VoiceUp) {
	buf.WriteByte(boolByte(m.Reliable))
	writeLPBytes(buf, m.Payload)
}

// DecodeVoiceUp parses a VoiceUp body.
func DecodeVoiceUp(r *bytes.Reader) (VoiceUp, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return VoiceUp{}, fmt.Errorf("read reliable flag: %w", err)
	}
	payload, err := readLPBytes(r)
	if err != nil {
		return VoiceUp{}, err
	}
	return VoiceUp{Reliable: flag != 0, Payload: payload}, nil
}

// EncodeVoiceDown serializes a VoiceDown body.
func EncodeVoiceDown(buf *bytes.Buffer, m VoiceDown) {
	writeLPBytes(buf, m.FromPlayer[:])
	buf.WriteByte(boolByte(m.Reliable))
	writeLPBytes(buf, m.Payload)
}

// DecodeVoiceDown parses a VoiceDown body.
func DecodeVoiceDown(r *bytes.Reader) (VoiceDown, error) {
	idBytes, err := readLPBytes(r)
	if err != nil {
		return VoiceDown{}, fmt.Errorf("read from_player: %w", err)
	}
	var from PlayerIdentifier
	if len(idBytes) != len(from) {
		return VoiceDown{}, fmt.Errorf("from_player: expected %d bytes, got %d", len(from), len(idBytes))
	}
	copy(from[:], idBytes)
	flag, err := r.ReadByte()
	if err != nil {
		return VoiceDown{}, fmt.Errorf("read reliable flag: %w", err)
	}
	payload, err := readLPBytes(r)
	if err != nil {
		return VoiceDown{}, err
	}
	return VoiceDown{FromPlayer: from, Reliable: flag != 0, Payload: payload}, nil
}

// EncodeVoiceDirected serializes a VoiceDirected body.
func EncodeVoiceDirected(buf *bytes.Buffer, m VoiceDirected) {
	writeLPBytes(buf, m.TargetPlayer[:])
	buf.WriteByte(boolByte(m.Reliable))
	writeLPBytes(buf, m.Payload)
}

// DecodeVoiceDirected parses a VoiceDirected body.
func DecodeVoiceDirected(r *bytes.Reader) (VoiceDirected, error) {
	idBytes, err := readLPBytes(r)
	if err != nil {
		return VoiceDirected{}, fmt.Errorf("read target_player: %w", err)
	}
	var target PlayerIdentifier
	if len(idBytes) != len(target) {
		return VoiceDirected{}, fmt.Errorf("target_player: expected %d bytes, got %d", len(target), len(idBytes))
	}
	copy(target[:], idBytes)
	flag, err := r.ReadByte()
	if err != nil {
		return VoiceDirected{}, fmt.Errorf("read reliable flag: %w", err)
	}
	payload, err := readLPBytes(r)
	if err != nil {
		return VoiceDirected{}, err
	}
	return VoiceDirected{TargetPlayer: target, Reliable: flag != 0, Payload: payload}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// PayloadHeader is the 3-byte prefix (magic + message type) present on
// every voice payload.
type PayloadHeader struct {
	Magic uint16
	Type  MessageType
}

// MinPayloadLen is the smallest a voice payload may be and still carry a
// header.
const MinPayloadLen = 3

// ParseHeader reads the magic + type prefix from payload. Returns an error
// if payload is too short or the magic does not match.
func ParseHeader(payload []byte) (PayloadHeader, error) {
	if len(payload) < MinPayloadLen {
		return PayloadHeader{}, fmt.Errorf("voice payload too short: %d bytes", len(payload))
	}
	magic := binary.BigEndian.Uint16(payload[0:2])
	if magic != Magic {
		return PayloadHeader{}, fmt.Errorf("bad magic %#x", magic)
	}
	return PayloadHeader{Magic: magic, Type: MessageType(payload[2])}, nil
}
