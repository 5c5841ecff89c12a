// Package releasequeue implements a generic token-bucket release queue
// over Redis. Each abstract queue has a bucket of available tokens, a
// backlog of waiting releaser ids and retry bookkeeping; a master
// sorted set across all queues picks the next queue with spare
// capacity. Every bucket/backlog/master mutation runs as one
// server-side Lua script: no interleaving is observable between reading
// the current tokens and writing the decremented tokens plus the
// backlog and master-queue adjustments.
package releasequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runforge/runforge/internal/metrics"
)

// KeyMapper is the bijection between a descriptor and its string key
// in Redis.
type KeyMapper[T any] interface {
	FromDescriptor(T) string
	ToDescriptor(string) (T, error)
}

// Executor attempts to actually release a concurrency slot for the
// releaser. Returning false (with nil error) means the release should
// not be retried and the token goes back unused; an error returns the
// token and requeues the releaser with backoff.
type Executor[T any] func(ctx context.Context, descriptor T, releaserID string) (bool, error)

type RetryOptions struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

type Options[T any] struct {
	Client    *redis.Client
	KeyPrefix string
	Keys      KeyMapper[T]
	// MaxTokens reports the queue's current capacity. It may change
	// over time and is never cached.
	MaxTokens      func(ctx context.Context, descriptor T) (int64, error)
	Executor       Executor[T]
	BatchSize      int
	PollInterval   time.Duration
	ConsumersCount int
	Retry          RetryOptions
}

type Queue[T any] struct {
	client    *redis.Client
	prefix    string
	keys      KeyMapper[T]
	maxTokens func(ctx context.Context, descriptor T) (int64, error)
	executor  Executor[T]
	batchSize int
	poll      time.Duration
	consumers int
	retry     RetryOptions

	stop chan struct{}
	wg   sync.WaitGroup
}

type metadata struct {
	RetryCount int `json:"retryCount"`
}

func NewQueue[T any](opts Options[T]) (*Queue[T], error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("release queue requires a redis client")
	}
	if opts.Keys == nil || opts.MaxTokens == nil || opts.Executor == nil {
		return nil, fmt.Errorf("release queue requires keys, maxTokens and executor")
	}

	q := &Queue[T]{
		client:    opts.Client,
		prefix:    opts.KeyPrefix,
		keys:      opts.Keys,
		maxTokens: opts.MaxTokens,
		executor:  opts.Executor,
		batchSize: opts.BatchSize,
		poll:      opts.PollInterval,
		consumers: opts.ConsumersCount,
		retry:     opts.Retry,
		stop:      make(chan struct{}),
	}
	if q.prefix == "" {
		q.prefix = "releasequeue:"
	}
	if q.batchSize <= 0 {
		q.batchSize = 5
	}
	if q.poll <= 0 {
		q.poll = 500 * time.Millisecond
	}
	if q.consumers <= 0 {
		q.consumers = 1
	}
	if q.retry.MaxRetries <= 0 {
		q.retry.MaxRetries = 10
	}
	if q.retry.MinDelay <= 0 {
		q.retry.MinDelay = time.Second
	}
	if q.retry.MaxDelay <= 0 {
		q.retry.MaxDelay = time.Minute
	}
	if q.retry.Factor <= 0 {
		q.retry.Factor = 2
	}
	return q, nil
}

func (q *Queue[T]) bucketKey(name string) string   { return q.prefix + name + ":bucket" }
func (q *Queue[T]) queueKey(name string) string    { return q.prefix + name + ":queue" }
func (q *Queue[T]) metadataKey(name string) string { return q.prefix + name + ":metadata" }
func (q *Queue[T]) masterKey() string              { return q.prefix + "master-queue" }

// consumeScript consumes one token if available, deregistering the
// releaser from the backlog; otherwise it enqueues the releaser and
// drops the queue from the master set. Master membership always equals
// "tokens > 0 AND backlog non-empty".
var consumeScript = redis.NewScript(`
local maxTokens = math.floor(tonumber(ARGV[1]))
local releaserId = ARGV[2]
local queueName = ARGV[3]
local now = tonumber(ARGV[4])

local tokens = math.floor(tonumber(redis.call('GET', KEYS[1]) or maxTokens))
if tokens > maxTokens then
  tokens = maxTokens
end

if tokens >= 1 then
  tokens = tokens - 1
  redis.call('SET', KEYS[1], tokens)
  redis.call('ZREM', KEYS[2], releaserId)
  redis.call('HDEL', KEYS[3], releaserId)
  if tokens > 0 and redis.call('ZCARD', KEYS[2]) > 0 then
    redis.call('ZADD', KEYS[4], tokens, queueName)
  else
    redis.call('ZREM', KEYS[4], queueName)
  end
  return 1
end

redis.call('SET', KEYS[1], tokens)
redis.call('ZADD', KEYS[2], now, releaserId)
redis.call('ZREM', KEYS[4], queueName)
return 0
`)

// returnScript returns one token, optionally re-adding the releaser to
// the backlog with a retry score and metadata.
var returnScript = redis.NewScript(`
local maxTokens = math.floor(tonumber(ARGV[1]))
local releaserId = ARGV[2]
local queueName = ARGV[3]
local requeueScore = ARGV[4]
local meta = ARGV[5]

local tokens = math.floor(tonumber(redis.call('GET', KEYS[1]) or '0')) + 1
if tokens > maxTokens then
  tokens = maxTokens
end
redis.call('SET', KEYS[1], tokens)

if requeueScore ~= '' then
  redis.call('ZADD', KEYS[2], tonumber(requeueScore), releaserId)
  redis.call('HSET', KEYS[3], releaserId, meta)
else
  redis.call('ZREM', KEYS[2], releaserId)
  redis.call('HDEL', KEYS[3], releaserId)
end

if tokens > 0 and redis.call('ZCARD', KEYS[2]) > 0 then
  redis.call('ZADD', KEYS[4], tokens, queueName)
else
  redis.call('ZREM', KEYS[4], queueName)
end
return tokens
`)

// refillScript adds capacity, capped at maxTokens.
var refillScript = redis.NewScript(`
local maxTokens = math.floor(tonumber(ARGV[1]))
local amount = math.floor(tonumber(ARGV[2]))
local queueName = ARGV[3]

local tokens = math.floor(tonumber(redis.call('GET', KEYS[1]) or '0')) + amount
if tokens > maxTokens then
  tokens = maxTokens
end
if tokens < 0 then
  tokens = 0
end
redis.call('SET', KEYS[1], tokens)

if tokens > 0 and redis.call('ZCARD', KEYS[2]) > 0 then
  redis.call('ZADD', KEYS[3], tokens, queueName)
else
  redis.call('ZREM', KEYS[3], queueName)
end
return tokens
`)

// processScript picks the queue with the most available tokens from
// the master set and pops up to batchSize ready backlog entries bounded
// by the available tokens, decrementing the bucket by the count taken.
var processScript = redis.NewScript(`
local master = KEYS[1]
local prefix = ARGV[1]
local now = ARGV[2]
local batch = math.floor(tonumber(ARGV[3]))

local best = redis.call('ZREVRANGE', master, 0, 0)
if #best == 0 then
  return false
end
local queueName = best[1]
local bucketKey = prefix .. queueName .. ':bucket'
local queueKey = prefix .. queueName .. ':queue'
local metadataKey = prefix .. queueName .. ':metadata'

local tokens = math.floor(tonumber(redis.call('GET', bucketKey) or '0'))
if tokens <= 0 then
  redis.call('ZREM', master, queueName)
  return false
end

local limit = batch
if tokens < limit then
  limit = tokens
end

local ready = redis.call('ZRANGEBYSCORE', queueKey, '-inf', now, 'LIMIT', 0, limit)
if #ready == 0 then
  return false
end

local out = {queueName}
for i, releaserId in ipairs(ready) do
  redis.call('ZREM', queueKey, releaserId)
  local meta = redis.call('HGET', metadataKey, releaserId)
  redis.call('HDEL', metadataKey, releaserId)
  out[#out+1] = releaserId
  out[#out+1] = meta or ''
end

tokens = tokens - #ready
redis.call('SET', bucketKey, tokens)

if tokens > 0 and redis.call('ZCARD', queueKey) > 0 then
  redis.call('ZADD', master, tokens, queueName)
else
  redis.call('ZREM', master, queueName)
end
return out
`)

// AttemptToRelease consumes a token and runs the executor, or enqueues
// the releaser in the backlog when the bucket is empty. A zero-capacity
// queue is a no-op.
func (q *Queue[T]) AttemptToRelease(ctx context.Context, descriptor T, releaserID string) error {
	maxTokens, err := q.maxTokens(ctx, descriptor)
	if err != nil {
		return fmt.Errorf("failed to resolve max tokens: %w", err)
	}
	if maxTokens <= 0 {
		return nil
	}

	name := q.keys.FromDescriptor(descriptor)
	consumed, err := consumeScript.Run(ctx, q.client,
		[]string{q.bucketKey(name), q.queueKey(name), q.metadataKey(name), q.masterKey()},
		maxTokens, releaserID, name, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to consume release token: %w", err)
	}
	if consumed == 0 {
		return nil
	}
	metrics.RecordReleaseTokenConsumed()

	q.execute(ctx, descriptor, name, releaserID, 0)
	return nil
}

// ProcessNextAvailableQueue pops a batch from the queue with the most
// spare capacity and runs the executor for every entry in parallel.
// One failing release never cancels its siblings.
func (q *Queue[T]) ProcessNextAvailableQueue(ctx context.Context) (bool, error) {
	res, err := processScript.Run(ctx, q.client,
		[]string{q.masterKey()},
		q.prefix, time.Now().UnixMilli(), q.batchSize,
	).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to process master queue: %w", err)
	}

	items, ok := res.([]any)
	if !ok || len(items) < 3 {
		return false, nil
	}

	name, _ := items[0].(string)
	descriptor, err := q.keys.ToDescriptor(name)
	if err != nil {
		return false, fmt.Errorf("failed to map queue key %q: %w", name, err)
	}

	var wg sync.WaitGroup
	for i := 1; i+1 < len(items); i += 2 {
		releaserID, _ := items[i].(string)
		rawMeta, _ := items[i+1].(string)

		retryCount := 0
		if rawMeta != "" {
			var meta metadata
			if err := json.Unmarshal([]byte(rawMeta), &meta); err == nil {
				retryCount = meta.RetryCount
			}
		}

		metrics.RecordReleaseTokenConsumed()
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.execute(ctx, descriptor, name, releaserID, retryCount)
		}()
	}
	wg.Wait()
	return true, nil
}

// execute invokes the caller-supplied executor while holding one
// consumed token and settles the token afterwards: success keeps it
// consumed, a false return gives it back, an error gives it back and
// requeues with backoff until retries are exhausted.
func (q *Queue[T]) execute(ctx context.Context, descriptor T, name, releaserID string, retryCount int) {
	released, err := q.executor(ctx, descriptor, releaserID)
	if err == nil {
		if released {
			return
		}
		if rerr := q.returnToken(ctx, descriptor, name, releaserID, nil); rerr != nil {
			log.Printf("Failed to return release token for %s: %v", releaserID, rerr)
		}
		return
	}

	nextRetry := retryCount + 1
	if nextRetry > q.retry.MaxRetries {
		log.Printf("Release of %s failed permanently after %d retries: %v", releaserID, retryCount, err)
		if rerr := q.returnToken(ctx, descriptor, name, releaserID, nil); rerr != nil {
			log.Printf("Failed to return release token for %s: %v", releaserID, rerr)
		}
		return
	}

	requeueAt := time.Now().Add(q.backoff(retryCount))
	meta := metadata{RetryCount: nextRetry}
	if rerr := q.returnToken(ctx, descriptor, name, releaserID, &requeueMeta{at: requeueAt, meta: meta}); rerr != nil {
		log.Printf("Failed to requeue releaser %s: %v", releaserID, rerr)
	}
}

type requeueMeta struct {
	at   time.Time
	meta metadata
}

func (q *Queue[T]) returnToken(ctx context.Context, descriptor T, name, releaserID string, requeue *requeueMeta) error {
	maxTokens, err := q.maxTokens(ctx, descriptor)
	if err != nil {
		return fmt.Errorf("failed to resolve max tokens: %w", err)
	}

	score := ""
	meta := ""
	if requeue != nil {
		score = strconv.FormatInt(requeue.at.UnixMilli(), 10)
		data, err := json.Marshal(requeue.meta)
		if err != nil {
			return fmt.Errorf("failed to marshal retry metadata: %w", err)
		}
		meta = string(data)
	}

	if err := returnScript.Run(ctx, q.client,
		[]string{q.bucketKey(name), q.queueKey(name), q.metadataKey(name), q.masterKey()},
		maxTokens, releaserID, name, score, meta,
	).Err(); err != nil {
		return err
	}
	metrics.RecordReleaseTokenReturned()
	return nil
}

// ReturnToken gives one token back without touching the backlog entry
// for the releaser.
func (q *Queue[T]) ReturnToken(ctx context.Context, descriptor T, releaserID string) error {
	name := q.keys.FromDescriptor(descriptor)
	return q.returnToken(ctx, descriptor, name, releaserID, nil)
}

// RefillTokens adds capacity, capped at the queue's current maxTokens,
// re-adding the queue to the master set if its backlog is non-empty.
func (q *Queue[T]) RefillTokens(ctx context.Context, descriptor T, amount int64) error {
	maxTokens, err := q.maxTokens(ctx, descriptor)
	if err != nil {
		return fmt.Errorf("failed to resolve max tokens: %w", err)
	}

	name := q.keys.FromDescriptor(descriptor)
	return refillScript.Run(ctx, q.client,
		[]string{q.bucketKey(name), q.queueKey(name), q.masterKey()},
		maxTokens, amount, name,
	).Err()
}

// AvailableTokens reports the bucket's current value, initializing an
// untouched bucket at capacity.
func (q *Queue[T]) AvailableTokens(ctx context.Context, descriptor T) (int64, error) {
	maxTokens, err := q.maxTokens(ctx, descriptor)
	if err != nil {
		return 0, err
	}

	name := q.keys.FromDescriptor(descriptor)
	val, err := q.client.Get(ctx, q.bucketKey(name)).Int64()
	if err == redis.Nil {
		return maxTokens, nil
	}
	if err != nil {
		return 0, err
	}
	if val > maxTokens {
		val = maxTokens
	}
	return val, nil
}

// BacklogLength reports how many releasers wait on the queue.
func (q *Queue[T]) BacklogLength(ctx context.Context, descriptor T) (int64, error) {
	name := q.keys.FromDescriptor(descriptor)
	return q.client.ZCard(ctx, q.queueKey(name)).Result()
}

func (q *Queue[T]) backoff(retryCount int) time.Duration {
	delay := time.Duration(float64(q.retry.MinDelay) * math.Pow(q.retry.Factor, float64(retryCount)))
	if delay > q.retry.MaxDelay || delay < 0 {
		delay = q.retry.MaxDelay
	}
	return delay
}

// Start launches the polling consumers that drain backlogs as capacity
// frees up.
func (q *Queue[T]) Start(ctx context.Context) {
	for i := 0; i < q.consumers; i++ {
		q.wg.Add(1)
		go func(consumer int) {
			defer q.wg.Done()
			q.consume(ctx, consumer)
		}(i)
	}
}

func (q *Queue[T]) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue[T]) consume(ctx context.Context, consumer int) {
	log.Printf("Release queue consumer %d started", consumer)

	for {
		select {
		case <-q.stop:
			log.Printf("Release queue consumer %d stopped", consumer)
			return
		case <-ctx.Done():
			return
		default:
			processed, err := q.ProcessNextAvailableQueue(ctx)
			if err != nil {
				log.Printf("Release queue consumer %d: %v", consumer, err)
			}
			if !processed {
				select {
				case <-q.stop:
					return
				case <-time.After(q.poll):
				}
			}
		}
	}
}
