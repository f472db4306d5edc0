package config

import "errors"

var (
	ErrMissingStoreURI = errors.New("store URI is required (HUDDLE_STORE_URI or MONGO_URI)")
	ErrInvalidConfig   = errors.New("invalid configuration")
)
