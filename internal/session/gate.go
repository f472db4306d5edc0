package session

import (
	"crypto/subtle"
	"strings"

	"huddle/pkg/types"
)

// Gate checks join attempts against the shared passcode.
type Gate struct {
	passcode []byte
}

// NewGate returns a gate for passcode. An empty passcode is honored as
// configured: only an empty secret will match it.
func NewGate(passcode string) *Gate {
	return &Gate{passcode: []byte(passcode)}
}

// Authenticate binds identity to sess when secret matches. On any error the
// session is left exactly as it was.
func (g *Gate) Authenticate(sess *Session, secret, identity string) error {
	if sess.IsAuthenticated() {
		return ErrAlreadyAuthenticated
	}
	if subtle.ConstantTimeCompare([]byte(secret), g.passcode) != 1 {
		return ErrRejected
	}

	identity = strings.TrimSpace(identity)
	if !types.IsValidIdentity(identity) {
		return types.ErrInvalidIdentity
	}
	return sess.bind(identity)
}

// Require returns ErrNotAuthenticated unless sess has passed the gate.
func Require(sess *Session) error {
	if sess == nil || !sess.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return nil
}
