package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"huddle/internal/journal"
	"huddle/internal/logger"
	"huddle/internal/metrics"
	"huddle/internal/session"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

const (
	DefaultRetention    = 24 * time.Hour
	DefaultStoreTimeout = 10 * time.Second
)

type Options struct {
	// Retention is how long an ephemeral message lives.
	Retention time.Duration
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Manager runs the message lifecycle: validate, persist, then broadcast the
// stored state to the room the message belongs to. Only successful
// transitions are broadcast.
type Manager struct {
	store       interfaces.MessageStore
	broadcaster interfaces.Broadcaster
	journal     journal.Journal
	metrics     *metrics.Metrics
	log         *zap.Logger

	retention    time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// NewManager wires the lifecycle. j and m may be nil.
func NewManager(store interfaces.MessageStore, broadcaster interfaces.Broadcaster, j journal.Journal, m *metrics.Metrics, opts Options, log *zap.Logger) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if j == nil {
		j = journal.Nop{}
	}
	return &Manager{
		store:        store,
		broadcaster:  broadcaster,
		journal:      j,
		metrics:      m,
		log:          logger.Or(log).Named("message"),
		retention:    opts.Retention,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Clock,
	}
}

// Send validates and stores a new message and broadcasts the stored record
// to the room implied by its permanence, not the sender's current room.
func (m *Manager) Send(ctx context.Context, sess *session.Session, req types.ChatRequest) (*types.Message, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}

	now := m.now()
	msg := &types.Message{
		Username:  sess.Identity(),
		Text:      req.Text,
		FileName:  req.FileName,
		Type:      req.Type,
		Timestamp: now,
		Reactions: types.Reactions{},
	}
	if req.IsTemp {
		expires := now.Add(m.retention)
		msg.ExpiresAt = &expires
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.Insert(ctx, msg); err != nil {
		return nil, m.storeFailure("insert", err)
	}

	room := msg.Room()
	m.metrics.MessageStored(string(room))
	m.log.Debug("message_stored",
		zap.String("id", msg.ID),
		zap.String("author", msg.Username),
		zap.String("room", string(room)),
		zap.String("type", string(msg.Type)))

	m.broadcaster.EmitToRoom(room, types.EventChatMessage, msg)
	m.publish(ctx, journal.KindCreated, sess.Identity(), msg)
	return msg, nil
}

// Edit replaces the text of a message the caller wrote. A foreign or
// missing message returns interfaces.ErrNotFound and broadcasts nothing.
func (m *Manager) Edit(ctx context.Context, sess *session.Session, req types.EditRequest) (*types.Message, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, types.ErrMissingMessageID
	}
	if err := types.ValidateText(req.NewText); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	updated, err := m.store.UpdateText(ctx, req.MessageID, sess.Identity(), req.NewText)
	if err != nil {
		return nil, m.mutationFailure("update", err)
	}

	m.broadcaster.EmitToRoom(updated.Room(), types.EventMessageEdited, types.MessageEdit{
		MessageID: updated.ID,
		NewText:   updated.Text,
	})
	m.publish(ctx, journal.KindEdited, sess.Identity(), updated)
	return updated, nil
}

// Unsend deletes a message the caller wrote. Unsending twice, or unsending
// someone else's message, is a silent no-op.
func (m *Manager) Unsend(ctx context.Context, sess *session.Session, req types.UnsendRequest) (*types.Message, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, types.ErrMissingMessageID
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	deleted, err := m.store.DeleteOwned(ctx, req.MessageID, sess.Identity())
	if err != nil {
		return nil, m.mutationFailure("delete", err)
	}

	m.broadcaster.EmitToRoom(deleted.Room(), types.EventMessageUnsent, types.MessageUnsent{MessageID: deleted.ID})
	m.publish(ctx, journal.KindUnsent, sess.Identity(), deleted)
	return deleted, nil
}

// React toggles the caller's reaction and broadcasts the whole map. The
// toggle runs against the persisted map in one atomic store operation.
func (m *Manager) React(ctx context.Context, sess *session.Session, req types.ReactRequest) (*types.Message, error) {
	if err := session.Require(sess); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, types.ErrMissingMessageID
	}
	if !types.IsValidReaction(req.Reaction) {
		return nil, types.ErrInvalidReaction
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	updated, err := m.store.ToggleReaction(ctx, req.MessageID, sess.Identity(), req.Reaction)
	if err != nil {
		return nil, m.mutationFailure("react", err)
	}

	m.broadcaster.EmitToRoom(updated.Room(), types.EventUpdateReaction, types.ReactionUpdate{
		MessageID: updated.ID,
		Reactions: updated.Reactions,
	})
	m.publish(ctx, journal.KindReacted, sess.Identity(), updated)
	return updated, nil
}

// mutationFailure passes not-found through untouched; it covers both a
// missing record and a non-author, and is never logged above debug.
func (m *Manager) mutationFailure(op string, err error) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		m.log.Debug("mutation_not_applied", zap.String("op", op))
		return err
	}
	return m.storeFailure(op, err)
}

func (m *Manager) storeFailure(op string, err error) error {
	m.metrics.StoreError(op)
	m.log.Error("store_unavailable", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", interfaces.ErrStoreUnavailable, op, err)
}

func (m *Manager) publish(ctx context.Context, kind journal.Kind, actor string, msg *types.Message) {
	event := journal.Event{
		Kind:    kind,
		Actor:   actor,
		Room:    msg.Room(),
		Message: msg,
		At:      m.now(),
	}
	if err := m.journal.Publish(ctx, event); err != nil {
		m.log.Warn("journal_publish_failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
