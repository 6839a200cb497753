package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisIndexKey      = "sessions:index" // zset of session id scored by last update (unix ms)
	redisAppendRetries = 3
)

func redisMetaKey(id string) string     { return fmt.Sprintf("session:%s:meta", id) }
func redisMessagesKey(id string) string { return fmt.Sprintf("session:%s:messages", id) }

// RedisStore keeps sessions in Redis so several server processes can share them.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := &RedisStore{client: redis.NewClient(opts)}
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// Create starts a new empty session.
func (s *RedisStore) Create(ctx context.Context) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisMetaKey(sess.ID),
			"created_at", now.UnixMilli(),
			"updated_at", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Session created", "session_id", sess.ID)
	return sess, nil
}

// Get loads the session and its messages.
func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	meta, err := s.client.HGetAll(ctx, redisMetaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrSessionNotFound
	}

	raw, err := s.client.LRange(ctx, redisMessagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}

	sess := &domain.Session{
		ID:        id,
		Messages:  make([]domain.Message, 0, len(raw)),
		CreatedAt: parseMillis(meta["created_at"]),
		UpdatedAt: parseMillis(meta["updated_at"]),
	}
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, nil
}

// Append adds msg to the session history. The existence check and the write
// run in one WATCH transaction so a concurrent Delete cannot leave a partial
// session behind.
func (s *RedisStore) Append(ctx context.Context, id string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	metaKey := redisMetaKey(id)
	appendTx := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, metaKey).Result()
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return ErrSessionNotFound
		}

		now := time.Now().UnixMilli()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, redisMessagesKey(id), data)
			pipe.HSet(ctx, metaKey, "updated_at", now)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now), Member: id})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisAppendRetries; attempt++ {
		err = s.client.Watch(ctx, appendTx, metaKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound):
		return err
	default:
		return fmt.Errorf("append message: %w", err)
	}
}

// Delete removes the session.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisMetaKey(id))
		pipe.Del(ctx, redisMessagesKey(id))
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	existed := del.Val() > 0
	if existed {
		slog.Info("Session deleted", "session_id", id)
	}
	return existed, nil
}

// Count returns the number of indexed sessions.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

// DeleteExpired removes sessions idle for longer than ttl.
func (s *RedisStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	threshold := time.Now().Add(-ttl).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func parseMillis(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
