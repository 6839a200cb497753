package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/ashureev/gene-analysis/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		full_log TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create starts a new empty session.
func (s *SQLiteStore) Create(ctx context.Context) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, created_at, updated_at) VALUES (?, ?, ?)`,
			sess.ID, now.UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	slog.Info("Session created", "session_id", sess.ID)
	return sess, nil
}

// Get loads the session and its messages in insertion order.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE session_id = ?`, id,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess := &domain.Session{
		ID:        id,
		Messages:  []domain.Message{},
		CreatedAt: time.UnixMilli(createdAt),
		UpdatedAt: time.UnixMilli(updatedAt),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, full_log, created_at FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var msg domain.Message
		var fullLog sql.NullString
		var ts int64
		if err := rows.Scan(&msg.Role, &msg.Content, &fullLog, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.FullLog = fullLog.String
		msg.Timestamp = time.UnixMilli(ts)
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return sess, nil
}

// Append adds msg to the session history.
func (s *SQLiteStore) Append(ctx context.Context, id string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	var fullLog interface{}
	if msg.FullLog != "" {
		fullLog = msg.FullLog
	}

	return withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
			time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, full_log, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, msg.Role, msg.Content, fullLog, msg.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

// Delete removes the session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	var rows int64
	err := withRetry(ctx, "delete session", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if rows > 0 {
		slog.Info("Session deleted", "session_id", id)
	}
	return rows > 0, nil
}

// Count returns the number of sessions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// DeleteExpired removes sessions idle for longer than ttl.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	threshold := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := withRetry(ctx, "delete expired sessions", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff while SQLite reports lock contention.
func withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}
