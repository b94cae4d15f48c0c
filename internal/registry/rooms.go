package registry

import (
	"sync"

	"voicerelay/internal/voice"
)

// RoomMembership maintains a dual inverted index between clients and the
// rooms they listen to, mirroring the mutex-protected map pattern the
// teacher's Room type uses for its client/channel bookkeeping, but keyed
// by room name rather than a single numeric channel id (voice rooms are
// not mutually exclusive: a client may listen to several at once).
type RoomMembership struct {
	mu          sync.RWMutex
	roomToClients map[string]map[voice.ClientIdentifier]struct{}
	clientToRooms map[voice.ClientIdentifier]map[string]struct{}
}

// NewRoomMembership constructs an empty RoomMembership.
func NewRoomMembership() *RoomMembership {
	return &RoomMembership{
		roomToClients: make(map[string]map[voice.ClientIdentifier]struct{}),
		clientToRooms: make(map[voice.ClientIdentifier]map[string]struct{}),
	}
}

func (m *RoomMembership) join(id voice.ClientIdentifier, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinLocked(id, room)
}

func (m *RoomMembership) joinLocked(id voice.ClientIdentifier, room string) {
	if m.roomToClients[room] == nil {
		m.roomToClients[room] = make(map[voice.ClientIdentifier]struct{})
	}
	m.roomToClients[room][id] = struct{}{}
	if m.clientToRooms[id] == nil {
		m.clientToRooms[id] = make(map[string]struct{})
	}
	m.clientToRooms[id][room] = struct{}{}
}

func (m *RoomMembership) leave(id voice.ClientIdentifier, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(id, room)
}

func (m *RoomMembership) leaveLocked(id voice.ClientIdentifier, room string) {
	if clients, ok := m.roomToClients[room]; ok {
		delete(clients, id)
		if len(clients) == 0 {
			delete(m.roomToClients, room)
		}
	}
	if rooms, ok := m.clientToRooms[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.clientToRooms, id)
		}
	}
}

// replace sets id's membership to exactly rooms, leaving every room not
// present in rooms and joining every one newly present.
func (m *RoomMembership) replace(id voice.ClientIdentifier, rooms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		want[room] = struct{}{}
	}

	for room := range m.clientToRooms[id] {
		if _, keep := want[room]; !keep {
			m.leaveLocked(id, room)
		}
	}
	for room := range want {
		m.joinLocked(id, room)
	}
}

// removeClientLocked drops id from every room it belongs to. Callers
// hold the owning Registry's lock; RoomMembership's own lock is still
// acquired since it can be read independently of Registry.
func (m *RoomMembership) removeClientLocked(id voice.ClientIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for room := range m.clientToRooms[id] {
		if clients, ok := m.roomToClients[room]; ok {
			delete(clients, id)
			if len(clients) == 0 {
				delete(m.roomToClients, room)
			}
		}
	}
	delete(m.clientToRooms, id)
}

// Members returns a snapshot of the clients currently in room.
func (m *RoomMembership) Members(room string) []voice.ClientIdentifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := m.roomToClients[room]
	out := make([]voice.ClientIdentifier, 0, len(clients))
	for id := range clients {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms id currently listens to.
func (m *RoomMembership) RoomsOf(id voice.ClientIdentifier) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.clientToRooms[id]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

// SharesRoom reports whether a and b have at least one room in common.
func (m *RoomMembership) SharesRoom(a, b voice.ClientIdentifier) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomsA := m.clientToRooms[a]
	roomsB := m.clientToRooms[b]
	if len(roomsA) == 0 || len(roomsB) == 0 {
		return false
	}
	small, big := roomsA, roomsB
	if len(roomsB) < len(roomsA) {
		small, big = roomsB, roomsA
	}
	for room := range small {
		if _, ok := big[room]; ok {
			return true
		}
	}
	return false
}
