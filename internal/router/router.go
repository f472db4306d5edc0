package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/internal/websocket"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// DefaultHistoryLimit caps every history page.
const DefaultHistoryLimit = 50

// Options tune the router.
type Options struct {
	HistoryLimit    int
	EventsPerSecond float64
	Burst           int
}

// Router owns room assignment and fan-out.
// ARCHITECTURAL DISCOVERY: recipients are resolved from the registry at
// emit time, so a broadcast reaches exactly the sessions in the room when it
// is issued.
type Router struct {
	registry     *websocket.Registry
	store        interfaces.MessageStore
	historyLimit int
	rateLimiter  *RateLimiter
	log          *zap.Logger
}

var _ interfaces.Broadcaster = (*Router)(nil)

func NewRouter(registry *websocket.Registry, store interfaces.MessageStore, opts Options, log *zap.Logger) *Router {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Router{
		registry:     registry,
		store:        store,
		historyLimit: opts.HistoryLimit,
		rateLimiter:  NewRateLimiter(opts.EventsPerSecond, opts.Burst),
		log:          logger.Or(log).Named("router"),
	}
}

// AssignDefault places a freshly authenticated connection in the default
// room and returns that room's history page.
func (r *Router) AssignDefault(ctx context.Context, conn *websocket.Connection) ([]*types.Message, error) {
	return r.SwitchRoom(ctx, conn, types.DefaultRoom)
}

// SwitchRoom moves conn to target and returns target's history page. The
// move happens before the query, so a message broadcast in between may show
// up twice but is never missed.
func (r *Router) SwitchRoom(ctx context.Context, conn *websocket.Connection, target types.Room) ([]*types.Message, error) {
	if !conn.Session().IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if _, err := types.ParseRoom(string(target)); err != nil {
		return nil, err
	}
	if err := r.registry.MoveTo(conn, target); err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", target, err)
	}

	return r.History(ctx, target)
}

// History returns the newest page of room, oldest first.
func (r *Router) History(ctx context.Context, room types.Room) ([]*types.Message, error) {
	messages, err := r.store.History(ctx, interfaces.HistoryQuery{Room: room, Limit: r.historyLimit})
	if err != nil {
		return nil, fmt.Errorf("%w: %s history: %v", interfaces.ErrStoreUnavailable, room, err)
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	return messages, nil
}

func (r *Router) EmitToRoom(room types.Room, event string, data interface{}) {
	for _, conn := range r.registry.RoomConnections(room) {
		if !conn.Session().IsAuthenticated() {
			continue
		}
		r.deliver(conn, event, data)
	}
}

func (r *Router) EmitGlobal(event string, data interface{}, exceptConnID string) {
	for _, conn := range r.registry.Authenticated() {
		if conn.ID() == exceptConnID {
			continue
		}
		r.deliver(conn, event, data)
	}
}

func (r *Router) EmitTo(connID string, event string, data interface{}) bool {
	conn, ok := r.registry.Get(connID)
	if !ok || !conn.Session().IsAuthenticated() {
		return false
	}
	r.deliver(conn, event, data)
	return true
}

// Allow applies the per-connection event rate limit.
func (r *Router) Allow(connID string) bool {
	return r.rateLimiter.Allow(connID)
}

// Forget drops per-connection state after disconnect.
func (r *Router) Forget(connID string) {
	r.rateLimiter.Forget(connID)
}

// Stats exposes registry counts.
func (r *Router) Stats() map[string]int {
	return r.registry.Stats()
}

// FUNCTIONAL DISCOVERY: one slow or closed peer must not stop delivery to
// the rest of the room. A peer with a full queue is evicted instead of
// waited on.
func (r *Router) deliver(conn *websocket.Connection, event string, data interface{}) {
	if err := conn.TryEmit(event, data); err != nil {
		r.log.Debug("deliver_failed",
			zap.String("conn", conn.ID()),
			zap.String("event", event),
			zap.Error(err))
	}
}
