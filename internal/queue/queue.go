// Package queue moves queued run IDs from the API to the worker and
// holds the per-workspace run lock. Redis backs both in production;
// in-memory versions serve tests and single-process deployments.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	runQueueKey     = "edgegate:runs"
	workspaceLockNS = "edgegate:wslock:"
)

// Queue delivers run IDs in FIFO order. Pop blocks up to wait and
// returns uuid.Nil with a nil error on timeout.
type Queue interface {
	Push(ctx context.Context, runID uuid.UUID) error
	Pop(ctx context.Context, wait time.Duration) (uuid.UUID, error)
}

// WorkspaceLock serializes runs per workspace: at most one holder per
// workspace ID at a time.
type WorkspaceLock interface {
	// TryAcquire returns false without blocking when another run
	// holds the workspace.
	TryAcquire(ctx context.Context, workspaceID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, workspaceID uuid.UUID) error
}

// ==== Redis ====

type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, runID uuid.UUID) error {
	return q.client.LPush(ctx, runQueueKey, runID.String()).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, wait time.Duration) (uuid.UUID, error) {
	res, err := q.client.BRPop(ctx, wait, runQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	// BRPop returns [key, value].
	return uuid.Parse(res[1])
}

type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) TryAcquire(ctx context.Context, workspaceID uuid.UUID, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, workspaceLockNS+workspaceID.String(), "1", ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, workspaceID uuid.UUID) error {
	return l.client.Del(ctx, workspaceLockNS+workspaceID.String()).Err()
}

// ==== In-memory ====

type MemQueue struct {
	ch chan uuid.UUID
}

func NewMemQueue() *MemQueue {
	return &MemQueue{ch: make(chan uuid.UUID, 1024)}
}

func (q *MemQueue) Push(ctx context.Context, runID uuid.UUID) error {
	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Pop(ctx context.Context, wait time.Duration) (uuid.UUID, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return uuid.Nil, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

type MemLock struct {
	mu      sync.Mutex
	held    map[uuid.UUID]time.Time
	nowFunc func() time.Time
}

func NewMemLock() *MemLock {
	return &MemLock{held: map[uuid.UUID]time.Time{}, nowFunc: time.Now}
}

func (l *MemLock) TryAcquire(_ context.Context, workspaceID uuid.UUID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	if expiry, ok := l.held[workspaceID]; ok && now.Before(expiry) {
		return false, nil
	}
	l.held[workspaceID] = now.Add(ttl)
	return true, nil
}

func (l *MemLock) Release(_ context.Context, workspaceID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, workspaceID)
	return nil
}
