package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

const DefaultRedisKey = "huddle:online"

// RedisMirror keeps a Redis set equal to the online set so other services
// can read presence without a socket. Updates are coalesced: only the most
// recent set is written.
type RedisMirror struct {
	client *redis.Client
	key    string
	write  func(ctx context.Context, identities []string) error
	log    *zap.Logger

	mu      sync.Mutex
	pending []string
	dirty   bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRedisMirror connects to addr and starts the writer.
func NewRedisMirror(ctx context.Context, addr, key string, log *zap.Logger) (*RedisMirror, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	m := newMirror(logger.Or(log).Named("presence_mirror"), nil)
	m.client = client
	m.key = key
	m.write = m.replace
	m.start()

	m.log.Info("redis_mirror_started", zap.String("addr", addr), zap.String("key", key))
	return m, nil
}

func newMirror(log *zap.Logger, write func(context.Context, []string) error) *RedisMirror {
	return &RedisMirror{
		write: write,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (m *RedisMirror) start() {
	m.wg.Add(1)
	go m.loop()
}

// Publish schedules identities to be written.
func (m *RedisMirror) Publish(identities []string) {
	m.mu.Lock()
	m.pending = append(m.pending[:0:0], identities...)
	m.dirty = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RedisMirror) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.done:
			m.flush()
			return
		}
	}
}

func (m *RedisMirror) flush() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	identities := m.pending
	m.dirty = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.write(ctx, identities); err != nil {
		m.log.Warn("presence_mirror_failed", zap.Error(err))
	}
}

// replace swaps the set contents in one MULTI/EXEC.
func (m *RedisMirror) replace(ctx context.Context, identities []string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(identities) > 0 {
			members := make([]interface{}, len(identities))
			for i, id := range identities {
				members[i] = id
			}
			pipe.SAdd(ctx, m.key, members...)
		}
		return nil
	})
	return err
}

// Members reads the mirrored set back.
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}

// Close flushes any pending set and closes the client.
func (m *RedisMirror) Close() error {
	close(m.done)
	m.wg.Wait()
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
