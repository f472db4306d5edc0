package integration

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"huddle/internal/store"
	"huddle/internal/websocket"
	"huddle/pkg/types"
)

// OpenTestStore opens a SQLite store in a temp dir with the sweeper off.
func OpenTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return OpenTestStoreWithClock(t, time.Now)
}

func OpenTestStoreWithClock(t *testing.T, clock func() time.Time) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "huddle.db"), store.Options{
		SweepInterval: -1,
		Logger:        zap.NewNop(),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// FakeSocket stands in for a websocket and records every frame written.
type FakeSocket struct {
	mu      sync.Mutex
	frames  chan types.Envelope
	closed  bool
	gate    chan struct{}
	blocked chan struct{}
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		frames:  make(chan types.Envelope, 512),
		blocked: make(chan struct{}, 1),
	}
}

// Stall makes every later write block until the returned resume func runs.
func (s *FakeSocket) Stall() (resume func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Blocked is signalled when a write starts waiting on a stall.
func (s *FakeSocket) Blocked() <-chan struct{} { return s.blocked }

func (s *FakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *FakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case s.blocked <- struct{}{}:
		default:
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("use of closed socket")
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.frames <- env
	return nil
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Next returns the next frame or fails the test after two seconds.
func (s *FakeSocket) Next(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
		return types.Envelope{}
	}
}

// Expect returns the next frame and fails unless it is event. When v is
// non-nil the payload is decoded into it.
func (s *FakeSocket) Expect(t *testing.T, event string, v interface{}) types.Envelope {
	t.Helper()
	env := s.Next(t)
	if env.Event != event {
		t.Fatalf("Expected event %q, got %q (%s)", event, env.Event, env.Data)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("Failed to decode %s payload: %v", event, err)
		}
	}
	return env
}

// ExpectNone fails if any frame arrives within wait.
func (s *FakeSocket) ExpectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case env := <-s.frames:
		t.Fatalf("Expected no frame, got %q (%s)", env.Event, env.Data)
	case <-time.After(wait):
	}
}

// Drain discards frames already queued.
func (s *FakeSocket) Drain() {
	for {
		select {
		case <-s.frames:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// Connect registers a connection backed by a FakeSocket.
func Connect(t *testing.T, registry *websocket.Registry, id string) (*websocket.Connection, *FakeSocket) {
	t.Helper()
	sock := NewFakeSocket()
	conn := websocket.NewConnection(id, sock, 0)
	if err := registry.Add(conn); err != nil {
		t.Fatalf("Failed to register %s: %v", id, err)
	}
	t.Cleanup(func() {
		registry.Remove(conn)
		_ = conn.Close()
	})
	return conn, sock
}
