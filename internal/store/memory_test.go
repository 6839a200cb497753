package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Empty(t, sess.Messages)

	require.NoError(t, s.Append(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: "hello"}))
	require.NoError(t, s.Append(ctx, sess.ID, domain.Message{Role: domain.RoleAssistant, Content: "hi", FullLog: "log"}))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, "log", got.Messages[1].FullLog)
	assert.False(t, got.Messages[0].Timestamp.IsZero())

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	existed, err := s.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = s.Append(ctx, "missing", domain.Message{Role: domain.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	existed, err := s.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: "a"}))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Messages[0].Content)
}

func TestMemoryStoreEvictsOldestAtCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(2)
	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := s.Create(ctx)
	require.NoError(t, err)
	second, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, first.ID, domain.Message{Role: domain.RoleUser, Content: "touch"}))

	_, err = s.Create(ctx)
	require.NoError(t, err)

	_, err = s.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get(ctx, first.ID)
	assert.NoError(t, err)
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	stale, err := s.Create(ctx)
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	fresh, err := s.Create(ctx)
	require.NoError(t, err)

	deleted, err := s.DeleteExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	deleted, err = s.DeleteExpired(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)
	sess, err := s.Create(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: "x"})
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 50)
}
