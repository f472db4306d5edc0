package interfaces

import (
	"context"
	"time"

	"huddle/pkg/types"
)

// HistoryQuery selects the newest Limit messages of one room. Results are
// returned oldest first.
type HistoryQuery struct {
	Room  types.Room
	Limit int
	// Now is the instant used to exclude expired records; zero means time.Now().
	Now time.Time
}

// MessageStore is the document store adapter. Implementations must delete
// records whose expiry has passed without being polled by the application,
// and must never return such records from a query.
type MessageStore interface {
	// Insert assigns ID (and Timestamp when zero) and persists the message.
	Insert(ctx context.Context, message *types.Message) error

	// History runs a filtered, timestamp-ordered query with a limit.
	History(ctx context.Context, query HistoryQuery) ([]*types.Message, error)

	// Get loads one live message by id.
	Get(ctx context.Context, id string) (*types.Message, error)

	// UpdateText sets text and the edited flag only if author wrote the
	// message. Missing message and author mismatch both return ErrNotFound.
	UpdateText(ctx context.Context, id, author, text string) (*types.Message, error)

	// DeleteOwned removes the message only if author wrote it and returns
	// the removed record.
	DeleteOwned(ctx context.Context, id, author string) (*types.Message, error)

	// ToggleReaction applies types.Reactions.Toggle atomically against the
	// persisted reaction map and returns the updated message.
	ToggleReaction(ctx context.Context, id, identity, symbol string) (*types.Message, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
