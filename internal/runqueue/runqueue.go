// Package runqueue implements the Redis-backed priority/FIFO queue of
// pending run ids, keyed per worker queue. Claims are atomic so two
// consumers polling the same worker queue never pop the same run.
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "runqueue:"

// Message is the payload carried alongside a queued run id.
type Message struct {
	RunID         string    `json:"run_id"`
	OrgID         string    `json:"org_id"`
	EnvironmentID string    `json:"environment_id"`
	ProjectID     string    `json:"project_id"`
	Priority      int       `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeliveryCount int       `json:"delivery_count"`
}

type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func pendingKey(workerQueue string) string  { return keyPrefix + workerQueue + ":pending" }
func inflightKey(workerQueue string) string { return keyPrefix + workerQueue + ":inflight" }
func messagesKey(workerQueue string) string { return keyPrefix + workerQueue + ":messages" }

// score orders runs FIFO by availability time with priority acting as a
// millisecond head start, mirroring how enqueue time doubles as the
// fairness timestamp for resumed runs.
func score(availableAt time.Time, priority int) float64 {
	return float64(availableAt.UnixMilli()) - float64(priority)
}

// claimScript atomically pops the first ready run id and parks it in
// the in-flight set with its original score, so a later nack can
// restore the run's place in line.
var claimScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ready == 0 then
  return false
end
local id = ready[1]
local s = redis.call('ZSCORE', KEYS[1], id)
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], s, id)
return {id, s}
`)

// Enqueue schedules a run id on its worker queue. Pass the run's
// original queue timestamp as availableAt when re-enqueuing a resumed
// run so waiting runs are not penalized versus freshly triggered ones.
func (q *Queue) Enqueue(ctx context.Context, workerQueue string, msg Message, availableAt time.Time) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = availableAt
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal run queue message: %w", err)
	}

	if err := q.client.HSet(ctx, messagesKey(workerQueue), msg.RunID, data).Err(); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, pendingKey(workerQueue), redis.Z{
		Score:  score(availableAt, msg.Priority),
		Member: msg.RunID,
	}).Err()
}

// Dequeue claims one ready run from the worker queue, or returns nil
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, workerQueue string) (*Message, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := claimScript.Run(ctx, q.client,
		[]string{pendingKey(workerQueue), inflightKey(workerQueue)},
		now,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claimed, ok := res.([]any)
	if !ok || len(claimed) < 1 {
		return nil, nil
	}
	runID, _ := claimed[0].(string)

	data, err := q.client.HGet(ctx, messagesKey(workerQueue), runID).Result()
	if errors.Is(err, redis.Nil) {
		// Payload vanished; drop the orphaned id.
		_ = q.client.ZRem(ctx, inflightKey(workerQueue), runID).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run queue message: %w", err)
	}
	msg.DeliveryCount++
	return &msg, nil
}

// Ack removes a claimed run from the queue for good.
func (q *Queue) Ack(ctx context.Context, workerQueue, runID string) error {
	if err := q.client.ZRem(ctx, inflightKey(workerQueue), runID).Err(); err != nil {
		return err
	}
	return q.client.HDel(ctx, messagesKey(workerQueue), runID).Err()
}

// nackScript moves an in-flight run back to pending. With a fresh
// score supplied it reschedules; otherwise the original score is kept.
var nackScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s then
  return false
end
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[2] ~= '' then
  s = ARGV[2]
end
redis.call('ZADD', KEYS[2], s, ARGV[1])
return true
`)

// Nack returns a claimed run to the pending queue. A zero availableAt
// keeps the run's original place in line.
func (q *Queue) Nack(ctx context.Context, workerQueue, runID string, availableAt time.Time) error {
	rescore := ""
	if !availableAt.IsZero() {
		rescore = strconv.FormatInt(availableAt.UnixMilli(), 10)
	}
	err := nackScript.Run(ctx, q.client,
		[]string{inflightKey(workerQueue), pendingKey(workerQueue)},
		runID, rescore,
	).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Len reports how many runs are pending on the worker queue.
func (q *Queue) Len(ctx context.Context, workerQueue string) (int64, error) {
	return q.client.ZCard(ctx, pendingKey(workerQueue)).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
