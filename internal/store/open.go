package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/pkg/interfaces"
)

// Options tune a store. Zero values take the defaults below.
type Options struct {
	// Timeout bounds connect and index setup for network backends.
	Timeout time.Duration
	// SweepInterval is how often the SQLite backend purges expired rows.
	// Mongo relies on its TTL monitor instead.
	SweepInterval time.Duration
	// Database is the Mongo database name.
	Database string
	// Collection is the Mongo collection name.
	Collection string
	Logger     *zap.Logger
	Clock      func() time.Time
}

const (
	DefaultTimeout       = 10 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultDatabase      = "huddle"
	DefaultCollection    = "messages"
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Database == "" {
		o.Database = DefaultDatabase
	}
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Open picks a backend from the URI scheme: mongodb:// and mongodb+srv://
// open MongoDB, sqlite:// and file: open an embedded SQLite file.
func Open(ctx context.Context, uri string, opts Options) (interfaces.MessageStore, error) {
	switch {
	case uri == "":
		return nil, ErrMissingURI
	case strings.HasPrefix(uri, "mongodb://"), strings.HasPrefix(uri, "mongodb+srv://"):
		return NewMongoStore(ctx, uri, opts)
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(uri, "sqlite://"), opts)
	case strings.HasPrefix(uri, "file:"):
		return NewSQLiteStore(uri, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, schemeOf(uri))
	}
}

func schemeOf(uri string) string {
	if i := strings.Index(uri, ":"); i > 0 {
		return uri[:i]
	}
	return uri
}
