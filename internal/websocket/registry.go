package websocket

import (
	"sync"

	"huddle/pkg/types"
)

// Registry tracks live connections and their room membership. A connection
// is in no room until MoveTo is called and in exactly one room afterwards.
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: read-heavy fan-out lookups
	connections map[string]*Connection
	rooms       map[types.Room]map[string]*Connection
	roomOf      map[string]types.Room
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms: map[types.Room]map[string]*Connection{
			types.RoomPermanent: make(map[string]*Connection),
			types.RoomEphemeral: make(map[string]*Connection),
		},
		roomOf: make(map[string]types.Room),
	}
}

// Add registers conn under its id.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateID
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Remove drops conn from the registry and its room. It is idempotent and
// leaves a different connection registered under the same id untouched.
func (r *Registry) Remove(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())
	if room, ok := r.roomOf[conn.ID()]; ok {
		delete(r.rooms[room], conn.ID())
		delete(r.roomOf, conn.ID())
	}
}

// MoveTo leaves the connection's current room, if any, and joins room.
func (r *Registry) MoveTo(conn *Connection, room types.Room) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return ErrUnknownRoom
	}
	if registered, exists := r.connections[conn.ID()]; !exists || registered != conn {
		return ErrConnectionClosed
	}
	if current, ok := r.roomOf[conn.ID()]; ok {
		delete(r.rooms[current], conn.ID())
	}
	members[conn.ID()] = conn
	r.roomOf[conn.ID()] = room
	return nil
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// RoomOf reports the room conn is currently joined to.
func (r *Registry) RoomOf(id string) (types.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.roomOf[id]
	return room, ok
}

// RoomConnections returns a snapshot of the members of room.
func (r *Registry) RoomConnections(room types.Room) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// Authenticated returns a snapshot of every connection that has passed the
// session gate.
func (r *Registry) Authenticated() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.Session().IsAuthenticated() {
			out = append(out, conn)
		}
	}
	return out
}

// Stats returns counts for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	authenticated := 0
	for _, conn := range r.connections {
		if conn.Session().IsAuthenticated() {
			authenticated++
		}
	}

	stats := map[string]int{
		"total_connections":         len(r.connections),
		"authenticated_connections": authenticated,
	}
	for room, members := range r.rooms {
		stats["room_"+string(room)] = len(members)
	}
	return stats
}
