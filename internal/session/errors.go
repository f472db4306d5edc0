package session

import "errors"

var (
	ErrRejected             = errors.New("passcode rejected")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrNotAuthenticated     = errors.New("session not authenticated")
)
