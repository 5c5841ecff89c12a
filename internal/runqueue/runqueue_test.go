package runqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueue(client), mr
}

func TestEnqueueAndDequeue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	now := time.Now().Add(-time.Second)

	err := q.Enqueue(ctx, "wq", Message{RunID: "run_1", EnvironmentID: "env_1"}, now)
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "run_1", msg.RunID)
	assert.Equal(t, "env_1", msg.EnvironmentID)
	assert.Equal(t, 1, msg.DeliveryCount)
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	msg, err := q.Dequeue(context.Background(), "wq")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDequeue_FutureRunNotClaimable(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	err := q.Enqueue(ctx, "wq", Message{RunID: "run_1"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDequeue_FIFOWithPriorityHeadStart(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_old"}, base))
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_new"}, base.Add(time.Second)))
	// Enough priority to jump ahead of run_old.
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_hot", Priority: 5000}, base.Add(2*time.Second)))

	first, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, "run_hot", first.RunID)

	second, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, "run_old", second.RunID)

	third, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, "run_new", third.RunID)
}

func TestDequeue_NoDoubleClaim(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_1"}, time.Now().Add(-time.Second)))

	first, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestAck_RemovesMessage(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_1"}, time.Now().Add(-time.Second)))

	msg, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.Ack(ctx, "wq", "run_1"))

	// Gone from both pending and in-flight.
	again, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestNack_PreservesOriginalScore(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_first"}, base))
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_second"}, base.Add(time.Second)))

	msg, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	require.Equal(t, "run_first", msg.RunID)

	// Returning without a rescore keeps run_first ahead of run_second.
	require.NoError(t, q.Nack(ctx, "wq", "run_first", time.Time{}))

	msg, err = q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, "run_first", msg.RunID)
	assert.Equal(t, 2, msg.DeliveryCount)
}

func TestNack_WithRescore(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_1"}, time.Now().Add(-time.Second)))

	msg, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.Nack(ctx, "wq", "run_1", time.Now().Add(time.Hour)))

	// Not claimable until the new availability time.
	again, err := q.Dequeue(ctx, "wq")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLen(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_1"}, time.Now()))
	require.NoError(t, q.Enqueue(ctx, "wq", Message{RunID: "run_2"}, time.Now()))

	n, err := q.Len(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
