package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CodecSettingsLen is the fixed size of the opaque per-client codec blob
// captured verbatim from a handshake request.
const CodecSettingsLen = 9

// CodecSettings is the 9-byte opaque codec-settings blob.
type CodecSettings [CodecSettingsLen]byte

// ClientMetadata is the per-ClientIdentifier record the registry keeps and
// the handshake response replays to newly joining clients.
type ClientMetadata struct {
	ClientID ClientIdentifier
	Name     string
	Codec    CodecSettings
}

// HandshakeRequestBody is the payload of a HandshakeRequest voice message,
// after the 3-byte magic+type header.
type HandshakeRequestBody struct {
	Codec CodecSettings
	Name  string
}

// DecodeHandshakeRequest parses the body of a HandshakeRequest payload
// (payload[3:]).
func DecodeHandshakeRequest(body []byte) (HandshakeRequestBody, error) {
	r := bytes.NewReader(body)
	var codec CodecSettings
	if _, err := io.ReadFull(r, codec[:]); err != nil {
		return HandshakeRequestBody{}, fmt.Errorf("read codec settings: %w", err)
	}
	name, err := ReadPString(r)
	if err != nil {
		return HandshakeRequestBody{}, fmt.Errorf("read display name: %w", err)
	}
	return HandshakeRequestBody{Codec: codec, Name: name}, nil
}

// EncodeHandshakeRequest builds a full HandshakeRequest voice payload.
func EncodeHandshakeRequest(req HandshakeRequestBody) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)  //nolint:errcheck
	buf.WriteByte(byte(HandshakeRequest))       //nolint:errcheck
	buf.Write(req.Codec[:])
	WritePString(buf, req.Name)
	return buf.Bytes()
}

// EncodeHandshakeResponse builds the full voice payload (including the
// magic+type header) for a HandshakeResponse, per spec section 4.5.3.
// others must already exclude the recipient and any client lacking
// complete metadata.
func EncodeHandshakeResponse(session SessionID, assigned ClientIdentifier, others []ClientMetadata) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)                  //nolint:errcheck
	buf.WriteByte(byte(HandshakeResponse))                       //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(session))         //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(assigned))        //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(len(others)))     //nolint:errcheck
	for _, o := range others {
		WritePString(buf, o.Name)
		binary.Write(buf, binary.BigEndian, uint16(o.ClientID)) //nolint:errcheck
		buf.Write(o.Codec[:])
	}
	binary.Write(buf, binary.BigEndian, uint16(0)) //nolint:errcheck // channel_count, always 0
	return buf.Bytes()
}

// HandshakeResponseBody is a parsed HandshakeResponse, used by tests that
// assert on what the relay sent back to a client.
type HandshakeResponseBody struct {
	Session  SessionID
	Assigned ClientIdentifier
	Others   []ClientMetadata
}

// DecodeHandshakeResponse parses a full HandshakeResponse voice payload,
// including the magic+type header.
func DecodeHandshakeResponse(payload []byte) (HandshakeResponseBody, error) {
	hdr, err := ParseHeader(payload)
	if err != nil {
		return HandshakeResponseBody{}, err
	}
	if hdr.Type != HandshakeResponse {
		return HandshakeResponseBody{}, fmt.Errorf("not a HandshakeResponse payload: type=%d", hdr.Type)
	}
	r := bytes.NewReader(payload[MinPayloadLen:])
	var session uint32
	if err := binary.Read(r, binary.BigEndian, &session); err != nil {
		return HandshakeResponseBody{}, fmt.Errorf("read session id: %w", err)
	}
	var assigned, count uint16
	if err := binary.Read(r, binary.BigEndian, &assigned); err != nil {
		return HandshakeResponseBody{}, fmt.Errorf("read assigned client id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return HandshakeResponseBody{}, fmt.Errorf("read other client count: %w", err)
	}
	others := make([]ClientMetadata, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := ReadPString(r)
		if err != nil {
			return HandshakeResponseBody{}, fmt.Errorf("read other[%d] name: %w", i, err)
		}
		var id uint16
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return HandshakeResponseBody{}, fmt.Errorf("read other[%d] id: %w", i, err)
		}
		var codec CodecSettings
		if _, err := io.ReadFull(r, codec[:]); err != nil {
			return HandshakeResponseBody{}, fmt.Errorf("read other[%d] codec: %w", i, err)
		}
		others = append(others, ClientMetadata{ClientID: ClientIdentifier(id), Name: name, Codec: codec})
	}
	var channelCount uint16
	if err := binary.Read(r, binary.BigEndian, &channelCount); err != nil {
		return HandshakeResponseBody{}, fmt.Errorf("read channel count: %w", err)
	}
	return HandshakeResponseBody{Session: SessionID(session), Assigned: ClientIdentifier(assigned), Others: others}, nil
}

// EncodeErrorWrongSession builds the 11-byte payload from spec section 4.5.4:
// magic, type=6, the relay's actual session id repeated twice.
func EncodeErrorWrongSession(session SessionID) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)            //nolint:errcheck
	buf.WriteByte(byte(ErrorWrongSession))                //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(session))  //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(session))  //nolint:errcheck
	return buf.Bytes()
}

// EncodeRemoveClient builds the 11-byte payload from spec section 4.5.5:
// magic, type=10, session id, departing client id, reason code (always 0).
func EncodeRemoveClient(session SessionID, departing ClientIdentifier) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)                //nolint:errcheck
	buf.WriteByte(byte(RemoveClient))                         //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(session))      //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(departing))    //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(0))            //nolint:errcheck // reason code
	return buf.Bytes()
}

// DecodeRemoveClient parses a RemoveClient payload, including header.
func DecodeRemoveClient(payload []byte) (session SessionID, departing ClientIdentifier, reason uint16, err error) {
	hdr, err := ParseHeader(payload)
	if err != nil {
		return 0, 0, 0, err
	}
	if hdr.Type != RemoveClient {
		return 0, 0, 0, fmt.Errorf("not a RemoveClient payload: type=%d", hdr.Type)
	}
	r := bytes.NewReader(payload[MinPayloadLen:])
	var s uint32
	var c, rc uint16
	if err := binary.Read(r, binary.BigEndian, &s); err != nil {
		return 0, 0, 0, fmt.Errorf("read session id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &c); err != nil {
		return 0, 0, 0, fmt.Errorf("read departing client id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &rc); err != nil {
		return 0, 0, 0, fmt.Errorf("read reason code: %w", err)
	}
	return SessionID(s), ClientIdentifier(c), rc, nil
}

// ServerRelayBody is the inner payload of a ServerRelayReliable/Unreliable
// voice message, per spec section 4.5.2.
type ServerRelayBody struct {
	Session      SessionID
	Destinations []ClientIdentifier
	Inner        []byte
}

// DecodeServerRelay parses the body (payload[3:]) of a ServerRelay* message.
func DecodeServerRelay(body []byte) (ServerRelayBody, error) {
	r := bytes.NewReader(body)
	var session uint32
	if err := binary.Read(r, binary.BigEndian, &session); err != nil {
		return ServerRelayBody{}, fmt.Errorf("read session id: %w", err)
	}
	count, err := r.ReadByte()
	if err != nil {
		return ServerRelayBody{}, fmt.Errorf("read destination count: %w", err)
	}
	dests := make([]ClientIdentifier, 0, count)
	for i := 0; i < int(count); i++ {
		var id uint16
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return ServerRelayBody{}, fmt.Errorf("read destination[%d]: %w", i, err)
		}
		dests = append(dests, ClientIdentifier(id))
	}
	var innerLen uint16
	if err := binary.Read(r, binary.BigEndian, &innerLen); err != nil {
		return ServerRelayBody{}, fmt.Errorf("read inner length: %w", err)
	}
	inner := make([]byte, innerLen)
	if _, err := io.ReadFull(r, inner); err != nil {
		return ServerRelayBody{}, fmt.Errorf("read inner payload: %w", err)
	}
	return ServerRelayBody{Session: SessionID(session), Destinations: dests, Inner: inner}, nil
}

// EncodeServerRelay builds a full ServerRelay voice payload (including the
// magic+type header); reliable selects ServerRelayReliable vs
// ServerRelayUnreliable.
func EncodeServerRelay(session SessionID, dests []ClientIdentifier, inner []byte, reliable bool) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic) //nolint:errcheck
	if reliable {
		buf.WriteByte(byte(ServerRelayReliable)) //nolint:errcheck
	} else {
		buf.WriteByte(byte(ServerRelayUnreliable)) //nolint:errcheck
	}
	binary.Write(buf, binary.BigEndian, uint32(session)) //nolint:errcheck
	buf.WriteByte(byte(len(dests)))                       //nolint:errcheck
	for _, d := range dests {
		binary.Write(buf, binary.BigEndian, uint16(d)) //nolint:errcheck
	}
	binary.Write(buf, binary.BigEndian, uint16(len(inner))) //nolint:errcheck
	buf.Write(inner)
	return buf.Bytes()
}

// RoomDelta is the decoded body of a DeltaChannelState message: a single
// room join or leave for the sending client.
//
// The exact addressing of ClientState/DeltaChannelState/TextData room
// names is left unspecified by the source protocol description beyond "a
// one-bit flag distinguishes a join from a leave for a single room" — the
// concrete layout below is this implementation's resolution, recorded in
// DESIGN.md.
type RoomDelta struct {
	Session SessionID
	Join    bool
	Room    string
}

// DecodeDeltaChannelState parses a DeltaChannelState body (payload[3:]).
func DecodeDeltaChannelState(body []byte) (RoomDelta, error) {
	r := bytes.NewReader(body)
	var session uint32
	if err := binary.Read(r, binary.BigEndian, &session); err != nil {
		return RoomDelta{}, fmt.Errorf("read session id: %w", err)
	}
	flag, err := r.ReadByte()
	if err != nil {
		return RoomDelta{}, fmt.Errorf("read join flag: %w", err)
	}
	room, err := ReadPString(r)
	if err != nil {
		return RoomDelta{}, fmt.Errorf("read room name: %w", err)
	}
	return RoomDelta{Session: SessionID(session), Join: flag != 0, Room: room}, nil
}

// EncodeDeltaChannelState builds a full DeltaChannelState voice payload,
// in the client-request shape (no origin client id — the relay already
// knows the sender from the connection it arrived on).
func EncodeDeltaChannelState(d RoomDelta) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)            //nolint:errcheck
	buf.WriteByte(byte(DeltaChannelState))                //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(d.Session)) //nolint:errcheck
	buf.WriteByte(boolByte(d.Join))                        //nolint:errcheck
	WritePString(buf, d.Room)
	return buf.Bytes()
}

// EncodeDeltaChannelStateBroadcast builds the relay's fan-out shape of a
// DeltaChannelState notification: the same fields plus the originating
// client's identifier, so recipients know who joined or left.
func EncodeDeltaChannelStateBroadcast(session SessionID, origin ClientIdentifier, d RoomDelta) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)             //nolint:errcheck
	buf.WriteByte(byte(DeltaChannelState))                 //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(session))   //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(origin))    //nolint:errcheck
	buf.WriteByte(boolByte(d.Join))                        //nolint:errcheck
	WritePString(buf, d.Room)
	return buf.Bytes()
}

// ClientStateBody is the decoded body of a ClientState message: the full
// set of rooms the sending client now listens to, replacing its previous
// membership.
type ClientStateBody struct {
	Session SessionID
	Rooms   []string
}

// DecodeClientState parses a ClientState body (payload[3:]).
func DecodeClientState(body []byte) (ClientStateBody, error) {
	r := bytes.NewReader(body)
	var session uint32
	if err := binary.Read(r, binary.BigEndian, &session); err != nil {
		return ClientStateBody{}, fmt.Errorf("read session id: %w", err)
	}
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return ClientStateBody{}, fmt.Errorf("read room count: %w", err)
	}
	rooms := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		room, err := ReadPString(r)
		if err != nil {
			return ClientStateBody{}, fmt.Errorf("read room[%d]: %w", i, err)
		}
		rooms = append(rooms, room)
	}
	return ClientStateBody{Session: SessionID(session), Rooms: rooms}, nil
}

// EncodeClientState builds a full ClientState voice payload.
func EncodeClientState(c ClientStateBody) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)            //nolint:errcheck
	buf.WriteByte(byte(ClientState))                      //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(c.Session)) //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint16(len(c.Rooms))) //nolint:errcheck
	for _, room := range c.Rooms {
		WritePString(buf, room)
	}
	return buf.Bytes()
}

// TextAddressing distinguishes a one-to-one TextData message from a
// room-addressed (multicast) one.
type TextAddressing byte

const (
	TextUnicast   TextAddressing = 0
	TextMulticast TextAddressing = 1
)

// TextDataBody is the decoded body of a TextData message.
//
// As with RoomDelta, the precise addressing header for TextData is left
// unspecified by the source description beyond "parse session and
// addressing header; if unicast, send to one peer; if multicast (room),
// fan out". The layout below is this implementation's resolution,
// recorded in DESIGN.md.
type TextDataBody struct {
	Session     SessionID
	Addressing  TextAddressing
	Destination ClientIdentifier // valid when Addressing == TextUnicast
	Room        string           // valid when Addressing == TextMulticast
	Text        []byte
}

// DecodeTextData parses a TextData body (payload[3:]).
func DecodeTextData(body []byte) (TextDataBody, error) {
	r := bytes.NewReader(body)
	var session uint32
	if err := binary.Read(r, binary.BigEndian, &session); err != nil {
		return TextDataBody{}, fmt.Errorf("read session id: %w", err)
	}
	mode, err := r.ReadByte()
	if err != nil {
		return TextDataBody{}, fmt.Errorf("read addressing mode: %w", err)
	}
	out := TextDataBody{Session: SessionID(session), Addressing: TextAddressing(mode)}
	switch out.Addressing {
	case TextUnicast:
		var dest uint16
		if err := binary.Read(r, binary.BigEndian, &dest); err != nil {
			return TextDataBody{}, fmt.Errorf("read destination: %w", err)
		}
		out.Destination = ClientIdentifier(dest)
	case TextMulticast:
		room, err := ReadPString(r)
		if err != nil {
			return TextDataBody{}, fmt.Errorf("read room: %w", err)
		}
		out.Room = room
	default:
		return TextDataBody{}, fmt.Errorf("unknown text addressing mode %d", mode)
	}
	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return TextDataBody{}, fmt.Errorf("read text body: %w", err)
	}
	out.Text = rest
	return out, nil
}

// EncodeTextData builds a full TextData voice payload.
func EncodeTextData(t TextDataBody) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)            //nolint:errcheck
	buf.WriteByte(byte(TextData))                         //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(t.Session)) //nolint:errcheck
	buf.WriteByte(byte(t.Addressing))                      //nolint:errcheck
	switch t.Addressing {
	case TextUnicast:
		binary.Write(buf, binary.BigEndian, uint16(t.Destination)) //nolint:errcheck
	case TextMulticast:
		WritePString(buf, t.Room)
	}
	buf.Write(t.Text)
	return buf.Bytes()
}
