// Package journal publishes committed message lifecycle events to an
// external log so other services can follow the chat without a socket.
package journal

import (
	"context"
	"time"

	"huddle/pkg/types"
)

// Kind names a committed lifecycle transition.
type Kind string

const (
	KindCreated Kind = "created"
	KindEdited  Kind = "edited"
	KindUnsent  Kind = "unsent"
	KindReacted Kind = "reacted"
)

// Event is one committed transition. Message is the record after the
// change, or the removed record for KindUnsent.
type Event struct {
	Kind    Kind           `json:"kind"`
	Actor   string         `json:"actor"`
	Room    types.Room     `json:"room"`
	Message *types.Message `json:"message"`
	At      time.Time      `json:"at"`
}

// Journal accepts events after they are persisted. Publish must not block
// the caller on network I/O.
type Journal interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
