package interfaces

import "huddle/pkg/types"

// Broadcaster is the room-scoped and global fan-out surface of the transport.
type Broadcaster interface {
	// EmitToRoom delivers to authenticated sessions currently in room.
	EmitToRoom(room types.Room, event string, data interface{})

	// EmitGlobal delivers to every authenticated session except the one
	// identified by exceptConnID (empty excludes nobody).
	EmitGlobal(event string, data interface{}, exceptConnID string)

	// EmitTo delivers to a single authenticated connection and reports
	// whether it was found.
	EmitTo(connID string, event string, data interface{}) bool
}
