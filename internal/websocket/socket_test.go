package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"huddle/pkg/types"
)

// fakeSocket records frames written by a Connection.
type fakeSocket struct {
	mu      sync.Mutex
	frames  chan []byte
	closed  bool
	failErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan []byte, 256)}
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.closed {
		return errors.New("use of closed socket")
	}
	s.frames <- data
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) next(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case frame := <-s.frames:
		var env types.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("Frame is not an envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
		return types.Envelope{}
	}
}
