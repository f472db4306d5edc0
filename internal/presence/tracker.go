package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/internal/metrics"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// Mirror receives the online set after every change. Publish must not
// block on I/O.
type Mirror interface {
	Publish(identities []string)
}

// Tracker owns the process-wide presence set: connection id -> identity.
// The broadcast happens while the lock is held, so every peer observes the
// sets in the order they were computed. Fan-out never waits on a peer: a
// peer whose queue is full is evicted.
type Tracker struct {
	mu          sync.Mutex
	conns       map[string]string
	broadcaster interfaces.Broadcaster
	mirror      Mirror
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// NewTracker returns an empty tracker. mirror and m may be nil.
func NewTracker(broadcaster interfaces.Broadcaster, mirror Mirror, m *metrics.Metrics, log *zap.Logger) *Tracker {
	return &Tracker{
		conns:       make(map[string]string),
		broadcaster: broadcaster,
		mirror:      mirror,
		metrics:     m,
		log:         logger.Or(log).Named("presence"),
	}
}

// Register records identity for connID and announces the new online set.
func (t *Tracker) Register(connID, identity string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[connID] = identity
	return t.announceLocked()
}

// Unregister forgets connID. It reports false, and announces nothing, when
// connID was never registered.
func (t *Tracker) Unregister(connID string) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connID]; !ok {
		return nil, false
	}
	delete(t.conns, connID)
	return t.announceLocked(), true
}

// Online returns the distinct sorted identities currently connected.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

func (t *Tracker) onlineLocked() []string {
	seen := make(map[string]struct{}, len(t.conns))
	online := make([]string, 0, len(t.conns))
	for _, identity := range t.conns {
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		online = append(online, identity)
	}
	sort.Strings(online)
	return online
}

func (t *Tracker) announceLocked() []string {
	online := t.onlineLocked()

	t.broadcaster.EmitGlobal(types.EventPresenceUpdate, online, "")
	if t.mirror != nil {
		t.mirror.Publish(online)
	}
	t.metrics.SetOnline(len(online))
	t.log.Debug("presence_changed", zap.Int("online", len(online)), zap.Int("connections", len(t.conns)))
	return online
}
