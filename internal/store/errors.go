package store

import "errors"

var (
	ErrMissingURI        = errors.New("store URI is required")
	ErrUnsupportedScheme = errors.New("unsupported store URI scheme")
)
