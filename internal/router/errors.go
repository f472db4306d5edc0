package router

import "errors"

var ErrNotAuthenticated = errors.New("connection not authenticated")
