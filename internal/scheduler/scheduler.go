// Package scheduler provides the delayed-job worker the engine uses for
// waitpoint timeouts, debounced run continuations and heartbeat
// deadlines. Enqueuing under an existing job id replaces the pending
// job (debounce-by-id), which several systems rely on to coalesce
// bursty waitpoint completions.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobsKey     = "scheduler:jobs"
	payloadsKey = "scheduler:payloads"
)

// Job names used across the engine.
const (
	JobFinishWaitpoint        = "finishWaitpoint"
	JobContinueRunIfUnblocked = "continueRunIfUnblocked"
	JobHeartbeatTimeout       = "heartbeatTimeout"
)

type Handler func(ctx context.Context, payload json.RawMessage) error

type envelope struct {
	Job      string          `json:"job"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

type Worker struct {
	client       *redis.Client
	handlers     map[string]Handler
	mu           sync.RWMutex
	stop         chan struct{}
	done         chan struct{}
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewWorker(client *redis.Client) *Worker {
	return &Worker{
		client:       client,
		handlers:     make(map[string]Handler),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pollInterval: 25 * time.Millisecond,
		batchSize:    50,
		maxAttempts:  5,
		retryDelay:   time.Second,
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) RegisterHandler(job string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[job] = h
}

// Enqueue schedules a delayed job. Re-enqueuing the same id replaces
// the pending job and its availability time.
func (w *Worker) Enqueue(ctx context.Context, id, job string, payload any, availableAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return w.enqueueRaw(ctx, id, envelope{Job: job, Payload: raw}, availableAt)
}

// Cancel drops a pending job if it has not fired yet.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	if err := w.client.ZRem(ctx, jobsKey, id).Err(); err != nil {
		return err
	}
	return w.client.HDel(ctx, payloadsKey, id).Err()
}

func (w *Worker) enqueueRaw(ctx context.Context, id string, env envelope, availableAt time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}
	if err := w.client.HSet(ctx, payloadsKey, id, data).Err(); err != nil {
		return err
	}
	return w.client.ZAdd(ctx, jobsKey, redis.Z{
		Score:  float64(availableAt.UnixMilli()),
		Member: id,
	}).Err()
}

// popScript pops due job ids with their envelopes in one atomic step so
// concurrent scheduler workers never double-fire a job.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for i, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local data = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  if data then
    out[#out+1] = id
    out[#out+1] = data
  end
end
return out
`)

func (w *Worker) Start(ctx context.Context) {
	log.Printf("Scheduler worker started (poll interval %s)", w.pollInterval)
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			log.Printf("Scheduler worker stopped")
			return
		case <-ctx.Done():
			return
		default:
			processed, err := w.processDueJobs(ctx)
			if err != nil {
				log.Printf("Failed to process scheduled jobs: %v", err)
			}
			if processed == 0 {
				time.Sleep(w.pollInterval)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) processDueJobs(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := popScript.Run(ctx, w.client, []string{jobsKey, payloadsKey}, now, w.batchSize).Result()
	if err != nil {
		return 0, err
	}

	items, ok := res.([]any)
	if !ok || len(items) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	count := 0
	for i := 0; i+1 < len(items); i += 2 {
		id, _ := items[i].(string)
		data, _ := items[i+1].(string)

		var env envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			log.Printf("Dropping malformed job %s: %v", id, err)
			continue
		}

		count++
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.dispatch(ctx, id, env)
		}()
	}
	wg.Wait()
	return count, nil
}

func (w *Worker) dispatch(ctx context.Context, id string, env envelope) {
	w.mu.RLock()
	handler, exists := w.handlers[env.Job]
	w.mu.RUnlock()

	if !exists {
		log.Printf("No handler for job type %s (id %s)", env.Job, id)
		return
	}

	if err := handler(ctx, env.Payload); err != nil {
		env.Attempts++
		if env.Attempts >= w.maxAttempts {
			log.Printf("Job %s (%s) failed permanently after %d attempts: %v", id, env.Job, env.Attempts, err)
			return
		}
		delay := time.Duration(env.Attempts) * w.retryDelay
		if enqErr := w.enqueueRaw(ctx, id, env, time.Now().Add(delay)); enqErr != nil {
			log.Printf("Failed to re-enqueue job %s: %v", id, enqErr)
		}
	}
}
