package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/internal/message"
	"huddle/internal/metrics"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/session"
	"huddle/internal/signaling"
	"huddle/internal/websocket"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// Hub is the connection orchestrator. It binds each connection's session
// gate to the other components and dispatches every inbound event.
// ARCHITECTURAL DISCOVERY: events are handled on the connection's own read
// goroutine, which gives per-connection ordering without a central queue;
// different connections interleave only at store calls.
type Hub struct {
	registry *websocket.Registry
	gate     *session.Gate
	router   *router.Router
	messages *message.Manager
	presence *presence.Tracker
	relay    *signaling.Relay
	metrics  *metrics.Metrics
	log      *zap.Logger

	connections atomic.Int64

	running bool
	mu      sync.RWMutex
}

const unknownEventLabel = "unknown"

// Deps are the components the hub dispatches to.
type Deps struct {
	Registry *websocket.Registry
	Gate     *session.Gate
	Router   *router.Router
	Messages *message.Manager
	Presence *presence.Tracker
	Relay    *signaling.Relay
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewHub(deps Deps) *Hub {
	return &Hub{
		registry: deps.Registry,
		gate:     deps.Gate,
		router:   deps.Router,
		messages: deps.Messages,
		presence: deps.Presence,
		relay:    deps.Relay,
		metrics:  deps.Metrics,
		log:      logger.Or(deps.Logger).Named("hub"),
	}
}

// Start begins accepting events. The hub stops on its own when ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.log.Info("hub_started")

	go func() {
		<-ctx.Done()
		_ = h.Stop()
	}()
	return nil
}

// Stop refuses further events and closes every open connection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	conns := h.registry.All()
	for _, conn := range conns {
		_ = conn.Close()
	}
	h.log.Info("hub_stopped", zap.Int("closed_connections", len(conns)))
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) HandleConnect(conn *websocket.Connection) {
	n := h.connections.Add(1)
	h.metrics.SetConnections(int(n))
	h.log.Debug("connected", zap.String("conn", conn.ID()))
}

// HandleDisconnect tears down everything the connection owned. In-flight
// store work for the connection is not rolled back.
func (h *Hub) HandleDisconnect(conn *websocket.Connection) {
	n := h.connections.Add(-1)
	h.metrics.SetConnections(int(n))

	h.presence.Unregister(conn.ID())
	h.router.Forget(conn.ID())
	h.log.Debug("disconnected",
		zap.String("conn", conn.ID()),
		zap.String("identity", conn.Session().Identity()))
}

// HandleEvent dispatches one inbound event. Every error means the event was
// dropped without any broadcast; none of them is reported to the peer.
func (h *Hub) HandleEvent(ctx context.Context, conn *websocket.Connection, env types.Envelope) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	label := metricLabel(env.Event)
	err := h.dispatch(ctx, conn, env)
	if err != nil {
		h.metrics.DroppedEvent(label, dropReason(err))
		return err
	}
	h.metrics.Event(label)
	return nil
}

// metricLabel keeps the event label set closed. Peer-chosen names, even
// from unauthenticated sockets, all collapse into one series.
func metricLabel(event string) string {
	if event == types.EventJoin || isKnown(event) {
		return event
	}
	return unknownEventLabel
}

func (h *Hub) dispatch(ctx context.Context, conn *websocket.Connection, env types.Envelope) error {
	if env.Event == types.EventJoin {
		return h.join(ctx, conn, env)
	}
	if !isKnown(env.Event) {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	sess := conn.Session()
	if err := session.Require(sess); err != nil {
		return err
	}
	if isLimited(env.Event) && !h.router.Allow(conn.ID()) {
		return ErrRateLimited
	}

	switch env.Event {
	case types.EventSwitchMode:
		var req types.SwitchModeRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		room, err := types.ParseRoom(req.Mode)
		if err != nil {
			return err
		}
		history, err := h.router.SwitchRoom(ctx, conn, room)
		if err != nil {
			return err
		}
		return conn.Emit(types.EventLoadHistory, history)

	case types.EventChatMessage:
		var req types.ChatRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.messages.Send(ctx, sess, req)
		return err

	case types.EventEditMessage:
		var req types.EditRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.messages.Edit(ctx, sess, req)
		return err

	case types.EventUnsendMessage:
		var req types.UnsendRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.messages.Unsend(ctx, sess, req)
		return err

	case types.EventReact:
		var req types.ReactRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.messages.React(ctx, sess, req)
		return err

	case types.EventTyping:
		h.router.EmitGlobal(types.EventDisplayTyping, types.TypingNotice{Username: sess.Identity()}, conn.ID())
		return nil

	case types.EventStopTyping:
		h.router.EmitGlobal(types.EventHideTyping, nil, conn.ID())
		return nil

	case types.EventCallOffer:
		var req types.CallOfferRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		h.relay.Offer(conn.ID(), req.Offer)
		return nil

	case types.EventCallAnswer:
		var req types.CallAnswerRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		h.relay.Answer(conn.ID(), req.To, req.Answer)
		return nil

	case types.EventIceCandidate:
		var req types.IceCandidateRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		h.relay.Candidate(conn.ID(), req.To, req.Candidate)
		return nil

	case types.EventHangUp:
		h.relay.HangUp(conn.ID())
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// join runs the session gate. Success sends auth-success, then the default
// room's history, then announces presence. A rejected join only sends
// auth-fail. Joining again after success does nothing.
func (h *Hub) join(ctx context.Context, conn *websocket.Connection, env types.Envelope) error {
	sess := conn.Session()
	if sess.IsAuthenticated() {
		return session.ErrAlreadyAuthenticated
	}
	if !h.router.Allow(conn.ID()) {
		_ = conn.Emit(types.EventAuthFail, struct{}{})
		return ErrRateLimited
	}

	var req types.JoinRequest
	if err := decode(env, &req); err != nil {
		_ = conn.Emit(types.EventAuthFail, struct{}{})
		return err
	}

	if err := h.gate.Authenticate(sess, req.Code, req.Username); err != nil {
		h.log.Info("auth_rejected", zap.String("conn", conn.ID()), zap.Error(err))
		_ = conn.Emit(types.EventAuthFail, struct{}{})
		return err
	}

	h.log.Info("auth_accepted", zap.String("conn", conn.ID()), zap.String("identity", sess.Identity()))
	if err := conn.Emit(types.EventAuthSuccess, struct{}{}); err != nil {
		return err
	}

	history, err := h.router.AssignDefault(ctx, conn)
	if err != nil {
		// The session stays authenticated and in its room; only the
		// history page is lost.
		h.log.Error("history_unavailable", zap.String("conn", conn.ID()), zap.Error(err))
	} else if err := conn.Emit(types.EventLoadHistory, history); err != nil {
		return err
	}

	h.presence.Register(conn.ID(), sess.Identity())
	return nil
}

func decode(env types.Envelope, v interface{}) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func isKnown(event string) bool {
	switch event {
	case types.EventSwitchMode, types.EventChatMessage, types.EventTyping, types.EventStopTyping,
		types.EventReact, types.EventEditMessage, types.EventUnsendMessage,
		types.EventCallOffer, types.EventCallAnswer, types.EventIceCandidate, types.EventHangUp:
		return true
	default:
		return false
	}
}

// isLimited reports whether event draws from the connection's rate bucket.
// Call signaling and stop-typing are exempt.
func isLimited(event string) bool {
	switch event {
	case types.EventSwitchMode, types.EventChatMessage, types.EventTyping,
		types.EventReact, types.EventEditMessage, types.EventUnsendMessage:
		return true
	default:
		return false
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return metrics.ReasonAlreadyJoined
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrRejected),
		errors.Is(err, router.ErrNotAuthenticated):
		return metrics.ReasonUnauthenticated
	case errors.Is(err, ErrRateLimited):
		return metrics.ReasonRateLimited
	case errors.Is(err, ErrUnknownEvent):
		return metrics.ReasonUnknownEvent
	case errors.Is(err, interfaces.ErrNotFound):
		return metrics.ReasonNotAuthorized
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		return metrics.ReasonStoreError
	default:
		return metrics.ReasonValidation
	}
}
