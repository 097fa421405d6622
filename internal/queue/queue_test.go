package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemQueue_FIFO(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Push(ctx, first))
	require.NoError(t, q.Push(ctx, second))

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestMemQueue_PopTimeoutReturnsNil(t *testing.T) {
	q := NewMemQueue()
	got, err := q.Pop(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got)
}

func TestMemLock_SingleHolderPerWorkspace(t *testing.T) {
	l := NewMemLock()
	ctx := context.Background()
	ws := uuid.New()

	ok, err := l.TryAcquire(ctx, ws, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, ws, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// A different workspace is unaffected.
	ok, err = l.TryAcquire(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, ws))
	ok, err = l.TryAcquire(ctx, ws, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "acquire succeeds after release")
}

func TestMemLock_ExpiredLockIsReclaimable(t *testing.T) {
	l := NewMemLock()
	base := time.Now()
	l.nowFunc = func() time.Time { return base }
	ws := uuid.New()

	ok, err := l.TryAcquire(context.Background(), ws, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	l.nowFunc = func() time.Time { return base.Add(2 * time.Minute) }
	ok, err = l.TryAcquire(context.Background(), ws, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "stale lock falls to the next claimant")
}
