package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrSlowConsumer     = errors.New("write queue full, peer evicted")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrDuplicateID   = errors.New("connection id already registered")
	ErrUnknownRoom   = errors.New("unknown room")
)
