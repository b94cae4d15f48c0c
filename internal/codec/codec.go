// Package codec implements the stable, hash-tagged message codec every
// transport datagram is wrapped in: an 8-byte type hash, followed by the
// type's own serialization.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/murmur3"
)

// HashLen is the width of the stable type-hash prefixing every message.
const HashLen = 8

// TypeHash is the stable 8-byte identifier derived from a message's
// canonical name.
type TypeHash [HashLen]byte

// Hash derives the stable type-hash for name. The hash is stable across
// process restarts and builds: it is a pure function of name.
func Hash(name string) TypeHash {
	sum := murmur3.Sum64([]byte(name))
	var h TypeHash
	binary.LittleEndian.PutUint64(h[:], sum)
	return h
}

// Serializer encodes a message value into buf.
type Serializer func(buf *bytes.Buffer, msg any) error

// Deserializer decodes a message value out of r.
type Deserializer func(r *bytes.Reader) (any, error)

// Handler processes a decoded message from peer. peer is an opaque
// dispatch-context value (normally the sending *transport.Peer); codec
// does not depend on the transport package to avoid an import cycle, so
// it is passed through as `any`.
type Handler func(peer any, msg any) error

type registration struct {
	name         string
	serialize    Serializer
	deserialize  Deserializer
	handlers     []Handler
}

// Codec is a registry mapping message type-hashes to serializers,
// deserializers, and subscribed handlers. The zero value is not usable;
// construct with New.
type Codec struct {
	log zerolog.Logger

	mu      sync.RWMutex
	byHash  map[TypeHash]*registration
	byName  map[string]TypeHash
}

// New constructs an empty Codec.
func New(log zerolog.Logger) *Codec {
	return &Codec{
		log:    log.With().Str("component", "codec").Logger(),
		byHash: make(map[TypeHash]*registration),
		byName: make(map[string]TypeHash),
	}
}

// Register associates name with its wire serialization. name's hash must
// not collide with a previously registered name; Register panics on
// collision since that can only happen from a programming error (two
// messages sharing a canonical name, or an actual murmur3 collision,
// which registration-time detection exists precisely to catch).
func (c *Codec) Register(name string, ser Serializer, de Deserializer) TypeHash {
	h := Hash(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byHash[h]; ok && existing.name != name {
		panic(fmt.Sprintf("codec: hash collision between %q and %q", existing.name, name))
	}
	c.byHash[h] = &registration{name: name, serialize: ser, deserialize: de}
	c.byName[name] = h
	return h
}

// Subscribe attaches handler to every message decoded for name. name must
// already be registered.
func (c *Codec) Subscribe(name string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("codec: subscribe to unregistered type %q", name)
	}
	reg := c.byHash[h]
	reg.handlers = append(reg.handlers, handler)
	return nil
}

// Write serializes msg, registered under name, prefixed with its type hash.
func (c *Codec) Write(name string, msg any) ([]byte, error) {
	c.mu.RLock()
	h, ok := c.byName[name]
	var reg *registration
	if ok {
		reg = c.byHash[h]
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("codec: write of unregistered type %q", name)
	}

	buf := new(bytes.Buffer)
	buf.Write(h[:])
	if err := reg.serialize(buf, msg); err != nil {
		return nil, fmt.Errorf("codec: serialize %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// ErrShortMessage is returned by Read when data is shorter than the
// type-hash prefix. The relay's Receive discards such messages and
// counts them with every other codec read error.
var ErrShortMessage = fmt.Errorf("codec: message shorter than %d-byte hash prefix", HashLen)

// ErrUnknownType is returned by Read when data's hash prefix matches no
// registered type.
type ErrUnknownType struct {
	Hash TypeHash
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("codec: unknown type hash %x", e.Hash[:])
}

// Read decodes data's type hash, deserializes the remainder with the
// matching registration, and invokes every subscribed handler with peer
// as dispatch context. A handler panic is recovered and logged, a handler
// error is logged, and neither stops dispatch to the remaining handlers — matching the
// "a handler exception is contained" requirement.
func (c *Codec) Read(data []byte, peer any) error {
	if len(data) < HashLen {
		return ErrShortMessage
	}
	var h TypeHash
	copy(h[:], data[:HashLen])

	c.mu.RLock()
	reg, ok := c.byHash[h]
	c.mu.RUnlock()
	if !ok {
		return &ErrUnknownType{Hash: h}
	}

	msg, err := reg.deserialize(bytes.NewReader(data[HashLen:]))
	if err != nil {
		return fmt.Errorf("codec: deserialize %q: %w", reg.name, err)
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), reg.handlers...)
	c.mu.RUnlock()

	for _, handler := range handlers {
		c.dispatch(reg.name, peer, msg, handler)
	}
	return nil
}

func (c *Codec) dispatch(name string, peer any, msg any, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("type", name).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := handler(peer, msg); err != nil {
		c.log.Warn().Err(err).Str("type", name).Msg("handler returned error")
	}
}
