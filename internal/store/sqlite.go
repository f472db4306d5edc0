package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// SQLiteStore is the embedded MessageStore. All writes, including the
// read-modify-write of reactions, run on one writer goroutine, which makes
// every mutation atomic per record. Reads go straight to the pool.
type SQLiteStore struct {
	db           *sql.DB
	log          *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	now          func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens path, applies migrations and starts the writer and
// the TTL sweeper.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		log:          logger.Or(opts.Logger).Named("sqlite"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		now:          opts.Clock,
	}

	s.wg.Add(1)
	go s.writeLoop()

	if opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(opts.SweepInterval)
	}

	s.log.Info("sqlite_store_opened", zap.String("path", path))
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

// executeWrite queues operation on the writer and waits for it. Once queued
// the operation always runs to completion, even if ctx is cancelled.
func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}
}

func (s *SQLiteStore) Insert(ctx context.Context, message *types.Message) error {
	message.ID = uuid.New().String()
	if message.Timestamp.IsZero() {
		message.Timestamp = s.now()
	}
	if message.Reactions == nil {
		message.Reactions = types.Reactions{}
	}

	reactions, err := json.Marshal(message.Reactions)
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO messages (id, username, text, file_name, kind, timestamp, expires_at, edited, reactions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			message.ID,
			message.Username,
			message.Text,
			message.FileName,
			string(message.Type),
			message.Timestamp.UnixNano(),
			nullableNanos(message.ExpiresAt),
			message.Edited,
			string(reactions),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) History(ctx context.Context, query interfaces.HistoryQuery) ([]*types.Message, error) {
	now := query.Now
	if now.IsZero() {
		now = s.now()
	}

	var (
		where string
		args  []interface{}
	)
	switch query.Room {
	case types.RoomPermanent:
		where = "expires_at IS NULL"
	case types.RoomEphemeral:
		where = "expires_at IS NOT NULL AND expires_at > ?"
		args = append(args, now.UnixNano())
	default:
		return nil, types.ErrInvalidRoom
	}
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, text, file_name, kind, timestamp, expires_at, edited, reactions
		FROM messages
		WHERE `+where+`
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	reverse(messages)
	return messages, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Message, error) {
	return getLive(ctx, s.db, id, "", s.now())
}

func (s *SQLiteStore) UpdateText(ctx context.Context, id, author, text string) (*types.Message, error) {
	var updated *types.Message
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(db, func(tx *sql.Tx) error {
			message, err := getLive(context.Background(), tx, id, author, s.now())
			if err != nil {
				return err
			}
			if _, err := tx.Exec("UPDATE messages SET text = ?, edited = 1 WHERE id = ?", text, id); err != nil {
				return fmt.Errorf("failed to update message: %w", err)
			}
			message.Text = text
			message.Edited = true
			updated = message
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) DeleteOwned(ctx context.Context, id, author string) (*types.Message, error) {
	var deleted *types.Message
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(db, func(tx *sql.Tx) error {
			message, err := getLive(context.Background(), tx, id, author, s.now())
			if err != nil {
				return err
			}
			if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
			deleted = message
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *SQLiteStore) ToggleReaction(ctx context.Context, id, identity, symbol string) (*types.Message, error) {
	var updated *types.Message
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(db, func(tx *sql.Tx) error {
			message, err := getLive(context.Background(), tx, id, "", s.now())
			if err != nil {
				return err
			}
			message.Reactions.Toggle(identity, symbol)

			encoded, err := json.Marshal(message.Reactions)
			if err != nil {
				return fmt.Errorf("failed to marshal reactions: %w", err)
			}
			if _, err := tx.Exec("UPDATE messages SET reactions = ? WHERE id = ?", string(encoded), id); err != nil {
				return fmt.Errorf("failed to update reactions: %w", err)
			}
			updated = message
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// PurgeExpired deletes every record whose expiry is at or before now and
// returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec("DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to purge expired messages: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func (s *SQLiteStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.PurgeExpired(context.Background(), s.now())
			if err != nil {
				if !errors.Is(err, interfaces.ErrStoreClosed) {
					s.log.Warn("ttl_sweep_failed", zap.Error(err))
				}
				continue
			}
			if removed > 0 {
				s.log.Debug("ttl_sweep", zap.Int64("removed", removed))
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// getLive loads an unexpired message, optionally requiring its author.
func getLive(ctx context.Context, q queryer, id, author string, now time.Time) (*types.Message, error) {
	query := `
		SELECT id, username, text, file_name, kind, timestamp, expires_at, edited, reactions
		FROM messages
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []interface{}{id, now.UnixNano()}
	if author != "" {
		query += " AND username = ?"
		args = append(args, author)
	}

	message, err := scanMessage(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	return message, err
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		message   types.Message
		kind      string
		timestamp int64
		expiresAt sql.NullInt64
		reactions string
	)
	err := row.Scan(
		&message.ID,
		&message.Username,
		&message.Text,
		&message.FileName,
		&kind,
		&timestamp,
		&expiresAt,
		&message.Edited,
		&reactions,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}

	message.Type = types.Kind(kind)
	message.Timestamp = time.Unix(0, timestamp).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		message.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(reactions), &message.Reactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reactions: %w", err)
	}
	if message.Reactions == nil {
		message.Reactions = types.Reactions{}
	}
	return &message, nil
}

func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func reverse(messages []*types.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
