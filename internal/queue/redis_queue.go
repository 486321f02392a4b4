package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"batch-ingestion-service/internal/config"
	"batch-ingestion-service/internal/models"
)

// RedisQueue keeps one Redis list per priority tier. Lists are appended on
// enqueue and drained head-first, highest tier first, by a Lua script so the
// pop is atomic across tiers.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.RedisKeyPrefix)
}

// NewRedisQueueWithClient wraps an existing client; keys are namespaced by prefix.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "batchd"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) readyKey(p models.Priority) string {
	return fmt.Sprintf("%s:queue:ready:%s", q.prefix, p)
}

func (q *RedisQueue) tierKeys() []string {
	keys := make([]string, 0, len(models.Priorities))
	for _, p := range models.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	return keys
}

// Enqueue appends entries to their tier lists in one MULTI/EXEC transaction.
func (q *RedisQueue) Enqueue(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, e := range entries {
		if e.UnitID == "" {
			return fmt.Errorf("enqueue: unit id is empty")
		}
		if !e.Priority.Valid() {
			return fmt.Errorf("enqueue unit %s: unknown priority %q", e.UnitID, e.Priority)
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.UnitID, err)
		}
		pipe.RPush(ctx, q.readyKey(e.Priority), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the head of the first non-empty tier list.
func (q *RedisQueue) Dequeue(ctx context.Context) (Entry, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, q.tierKeys()).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

// Len returns the total length of all tier lists.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(models.Priorities))
	for _, key := range q.tierKeys() {
		cmds = append(cmds, pipe.LLen(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
for i=1,#KEYS do
  local entry = redis.call('LPOP', KEYS[i])
  if entry then
    return entry
  end
end
return nil
`)
