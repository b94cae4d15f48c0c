// Package registry tracks the relay's session-scoped state: which
// PlayerIdentifier is bound to which ClientIdentifier, each client's
// handshake metadata, and which rooms each client currently listens to.
//
// All mutation happens synchronously from the single poll loop that also
// drives the transport and relay state machine, but the registry still
// takes its own mutex so that it can be read safely from outside that
// loop (tests do).
package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"voicerelay/internal/voice"
)

// Registry is the relay's session-scoped directory of connected clients.
type Registry struct {
	log zerolog.Logger

	mu sync.RWMutex

	session voice.SessionID
	nextID  uint32 // monotonic counter; wraps into voice.ClientIdentifier space

	byClient map[voice.ClientIdentifier]voice.PlayerIdentifier
	byPlayer map[voice.PlayerIdentifier]voice.ClientIdentifier
	meta     map[voice.ClientIdentifier]voice.ClientMetadata

	rooms *RoomMembership
}

// New constructs an empty Registry scoped to session.
func New(log zerolog.Logger, session voice.SessionID) *Registry {
	return &Registry{
		log:      log.With().Str("component", "registry").Logger(),
		session:  session,
		byClient: make(map[voice.ClientIdentifier]voice.PlayerIdentifier),
		byPlayer: make(map[voice.PlayerIdentifier]voice.ClientIdentifier),
		meta:     make(map[voice.ClientIdentifier]voice.ClientMetadata),
		rooms:    NewRoomMembership(),
	}
}

// Session returns the relay's current session id.
func (r *Registry) Session() voice.SessionID {
	return r.session
}

// ErrExhausted is returned by Bind when every ClientIdentifier in the
// 16-bit space (less 0 and the NoDestination sentinel) is simultaneously bound
// to a live player. allocateLocked otherwise reuses ids freed by Unbind
// once the monotonic counter wraps around. The source protocol leaves
// id-space exhaustion behavior unspecified; this implementation treats
// it as a hard connection-admission failure rather than evicting an
// existing client.
var ErrExhausted = fmt.Errorf("registry: client identifier space exhausted")

// Bind assigns a fresh ClientIdentifier to player and records meta (with
// the assigned id filled in), returning the id. If player is already
// bound, Bind refreshes its metadata (a repeated handshake may carry a
// new display name or codec) but returns the existing id — handshake
// retries must not mint a second identity for the same player.
func (r *Registry) Bind(player voice.PlayerIdentifier, meta voice.ClientMetadata) (voice.ClientIdentifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPlayer[player]; ok {
		meta.ClientID = id
		r.meta[id] = meta
		return id, nil
	}

	id, err := r.allocateLocked()
	if err != nil {
		return 0, err
	}

	meta.ClientID = id
	r.byClient[id] = player
	r.byPlayer[player] = id
	r.meta[id] = meta
	r.log.Info().Uint16("client_id", uint16(id)).Str("player", player.String()).Msg("client bound")
	return id, nil
}

func (r *Registry) allocateLocked() (voice.ClientIdentifier, error) {
	for i := 0; i < 1<<16; i++ {
		candidate := voice.ClientIdentifier(r.nextID & 0xFFFF)
		r.nextID++
		if candidate == voice.NoDestination || candidate == 0 {
			continue
		}
		if _, taken := r.byClient[candidate]; !taken {
			return candidate, nil
		}
	}
	return 0, ErrExhausted
}

// Unbind removes id (and its backing player) from the registry, along
// with all room memberships. Returns the player that was bound, and
// whether id was actually registered.
func (r *Registry) Unbind(id voice.ClientIdentifier) (voice.PlayerIdentifier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, ok := r.byClient[id]
	if !ok {
		return voice.ZeroPlayer, false
	}
	delete(r.byClient, id)
	delete(r.byPlayer, player)
	delete(r.meta, id)
	r.rooms.removeClientLocked(id)
	r.log.Info().Uint16("client_id", uint16(id)).Str("player", player.String()).Msg("client unbound")
	return player, true
}

// PlayerFor returns the PlayerIdentifier bound to id.
func (r *Registry) PlayerFor(id voice.ClientIdentifier) (voice.PlayerIdentifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byClient[id]
	return p, ok
}

// ClientIDFor returns the ClientIdentifier bound to player.
func (r *Registry) ClientIDFor(player voice.PlayerIdentifier) (voice.ClientIdentifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlayer[player]
	return id, ok
}

// MetadataFor returns the handshake metadata recorded for id.
func (r *Registry) MetadataFor(id voice.ClientIdentifier) (voice.ClientMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[id]
	return m, ok
}

// AllMetadataExcept returns a snapshot of every registered client's
// metadata except excluded, in no particular order — used to build a
// HandshakeResponse's "other clients" list.
func (r *Registry) AllMetadataExcept(excluded voice.ClientIdentifier) []voice.ClientMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]voice.ClientMetadata, 0, len(r.meta))
	for id, m := range r.meta {
		if id == excluded {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PeersExcept returns every bound ClientIdentifier except excluded.
func (r *Registry) PeersExcept(excluded voice.ClientIdentifier) []voice.ClientIdentifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]voice.ClientIdentifier, 0, len(r.byClient))
	for id := range r.byClient {
		if id == excluded {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Count returns the number of currently bound clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// Rooms returns the registry's room membership index. Callers must not
// mutate it without going through Registry (JoinRoom/LeaveRoom) except
// for read-only queries, which RoomMembership itself protects.
func (r *Registry) Rooms() *RoomMembership {
	return r.rooms
}

// JoinRoom adds id to room's membership.
func (r *Registry) JoinRoom(id voice.ClientIdentifier, room string) {
	r.rooms.join(id, room)
}

// LeaveRoom removes id from room's membership.
func (r *Registry) LeaveRoom(id voice.ClientIdentifier, room string) {
	r.rooms.leave(id, room)
}

// ReplaceRooms replaces id's entire room membership set with rooms,
// matching a ClientState message's "full state, not a delta" semantics.
func (r *Registry) ReplaceRooms(id voice.ClientIdentifier, rooms []string) {
	r.rooms.replace(id, rooms)
}
