package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(Config{Addr: mr.Addr(), KeyPrefix: "test", BlockTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestScheduleAndPopReconcile(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t)

	require.NoError(t, q.ScheduleReconcile(ctx, "s1"))
	require.NoError(t, q.ScheduleReconcile(ctx, "s1"))
	require.NoError(t, q.ScheduleReconcile(ctx, "s2"))

	list, err := mr.List("test:reconcile")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, list)

	got, err := q.PopReconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", got)

	// Once popped, the session can be scheduled again.
	require.NoError(t, q.ScheduleReconcile(ctx, "s1"))
	rc, _, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rc)
}

func TestPopReconcileEmpty(t *testing.T) {
	q, _ := newQueue(t)
	got, err := q.PopReconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestEnqueueRetry(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t)
	require.NoError(t, q.EnqueueRetry(ctx, "evt-1"))
	require.NoError(t, q.EnqueueRetry(ctx, "evt-2"))

	list, err := mr.List("test:retry")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1", "evt-2"}, list)

	_, retry, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), retry)
}

func TestNewRedisQueueUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisQueue(Config{Addr: addr})
	assert.Error(t, err)
}
