package types

import (
	"time"
)

// Room is a logical broadcast scope. There are exactly two.
type Room string

const (
	RoomPermanent Room = "permanent"
	RoomEphemeral Room = "ephemeral"
)

// DefaultRoom is assigned to every session on successful authentication.
const DefaultRoom = RoomPermanent

// ParseRoom maps a switch-mode value onto a Room.
func ParseRoom(mode string) (Room, error) {
	switch Room(mode) {
	case RoomPermanent, RoomEphemeral:
		return Room(mode), nil
	default:
		return "", ErrInvalidRoom
	}
}

// Kind discriminates plain text from the three attachment kinds.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// IsAttachment reports whether k names one of the attachment kinds.
func (k Kind) IsAttachment() bool {
	switch k {
	case KindImage, KindAudio, KindDocument:
		return true
	default:
		return false
	}
}

// Message is the only durable entity. ID and Timestamp are assigned on insert.
// A nil ExpiresAt means the message is permanent.
type Message struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Text      string     `json:"text"`
	FileName  string     `json:"fileName,omitempty"`
	Type      Kind       `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Edited    bool       `json:"edited"`
	Reactions Reactions  `json:"reactions"`
}

// Room derives the broadcast scope from the message's permanence.
func (m *Message) Room() Room {
	if m.ExpiresAt == nil {
		return RoomPermanent
	}
	return RoomEphemeral
}

// HasAttachment reports whether the message carries an attachment reference.
func (m *Message) HasAttachment() bool {
	return m.FileName != ""
}

// Reactions maps identity -> reaction symbol. One reaction per identity.
type Reactions map[string]string

// Toggle applies the toggle rule for identity: the same symbol removes the
// reaction, anything else sets or replaces it. It reports whether a reaction
// is present afterwards.
func (r Reactions) Toggle(identity, symbol string) bool {
	if current, ok := r[identity]; ok && current == symbol {
		delete(r, identity)
		return false
	}
	r[identity] = symbol
	return true
}

// Clone returns an independent copy; a nil map clones to an empty one.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
