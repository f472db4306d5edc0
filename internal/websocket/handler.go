package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/pkg/types"
)

// EventHandler receives the lifecycle of every connection. HandleEvent is
// called from the connection's read goroutine, so events from one
// connection are handled one at a time and in arrival order.
type EventHandler interface {
	HandleConnect(conn *Connection)
	HandleEvent(ctx context.Context, conn *Connection, env types.Envelope) error
	HandleDisconnect(conn *Connection)
}

// Options configure the socket heartbeat and limits.
type Options struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BufferSize      int
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// Handler upgrades HTTP requests and runs each connection's read pump.
type Handler struct {
	registry *Registry
	events   EventHandler
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewHandler(registry *Registry, events EventHandler, opts Options, log *zap.Logger) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		registry: registry,
		events:   events,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.BufferSize,
			WriteBufferSize: opts.BufferSize,
			// FUNCTIONAL DISCOVERY: browsers load the client from the same
			// origin or from a dev server, so origins are not checked.
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		log: logger.Or(log).Named("websocket"),
	}
}

// HandleWebSocket upgrades the request. Authentication happens later, over
// the socket, through the join event.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade_failed", zap.Error(err))
		return
	}

	conn := NewConnection(uuid.New().String(), ws, h.opts.WriteTimeout)
	if err := h.registry.Add(conn); err != nil {
		h.log.Warn("register_failed", zap.String("conn", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.events.HandleConnect(conn)
	go h.handleConnection(conn, ws)
}

func (h *Handler) handleConnection(conn *Connection, ws *websocket.Conn) {
	defer func() {
		h.events.HandleDisconnect(conn)
		h.registry.Remove(conn)
		_ = conn.Close()
	}()

	ws.SetReadLimit(h.opts.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn, ws)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read_failed", zap.String("conn", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.log.Debug("malformed_frame", zap.String("conn", conn.ID()))
			continue
		}

		// Store work started here runs to completion even if the peer
		// disconnects, so the connection's own context is not used.
		if err := h.events.HandleEvent(context.Background(), conn, env); err != nil {
			h.log.Debug("event_dropped",
				zap.String("conn", conn.ID()),
				zap.String("event", env.Event),
				zap.Error(err))
		}
	}
}

func (h *Handler) pingLoop(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
