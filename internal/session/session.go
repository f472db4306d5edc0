package session

import "sync"

// State is the authentication state of one connection.
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Session is the per-connection gate state. It is created on connect,
// discarded on disconnect and never persisted. Room membership lives in the
// websocket registry.
type Session struct {
	mu       sync.RWMutex
	state    State
	identity string
}

func New() *Session {
	return &Session{}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// Identity returns the bound identity, empty until authenticated.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// bind performs the one-way transition to Authenticated.
func (s *Session) bind(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Authenticated {
		return ErrAlreadyAuthenticated
	}
	s.state = Authenticated
	s.identity = identity
	return nil
}
