package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"huddle/internal/session"
	"huddle/pkg/types"
)

// Socket is the write side of a websocket. *websocket.Conn satisfies it.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const (
	defaultWriteTimeout = 5 * time.Second
	writeBufferSize     = 100
)

// Connection wraps one participant's socket.
// ARCHITECTURAL DISCOVERY: websocket writes must be serialized, so every
// frame goes through writeCh and a single writer goroutine.
type Connection struct {
	id           string
	sock         Socket
	session      *session.Session
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection starts the writer for sock. writeTimeout bounds both the
// per-frame write deadline and how long Emit waits on a full queue; zero
// means five seconds.
func NewConnection(id string, sock Socket, writeTimeout time.Duration) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           id,
		sock:         sock,
		session:      session.New(),
		writeCh:      make(chan []byte, writeBufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string { return c.id }

// Session returns the connection's gate state.
func (c *Connection) Session() *session.Session { return c.session }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Emit queues a named event. Frames queued by one goroutine are written in
// the order they were queued.
func (c *Connection) Emit(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return ErrInvalidJSON
	}
	frame, err := json.Marshal(types.Envelope{Event: event, Data: payload})
	if err != nil {
		return ErrInvalidJSON
	}
	return c.enqueue(frame)
}

func (c *Connection) enqueue(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- frame:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TryEmit queues a named event without waiting. A peer whose queue is
// full is evicted: the connection is closed and ErrSlowConsumer returned.
// Fan-out uses it so one stalled peer cannot hold up the others.
func (c *Connection) TryEmit(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return ErrInvalidJSON
	}
	frame, err := json.Marshal(types.Envelope{Event: event, Data: payload})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
		// Stop the writer now; the socket close may block, so it runs aside.
		c.cancel()
		go c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.sock != nil {
			err = c.sock.Close()
		}
	})
	return err
}
