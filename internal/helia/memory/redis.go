package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory is an optional shared conversation history backend. In a
// multi-instance deployment the process-local Cache cannot be shared, so
// each instance keeps its own LRU and uses RedisHistory as the GetOrLoad
// source of truth instead of the SQL message log, cutting cross-instance
// cache misses down to a Redis round-trip.
//
// Messages are kept per chat in a Redis list trimmed to the per-chat cap,
// so the trim contract matches the in-process window. Single-process
// deployments do not need this and load straight from the session store.
type RedisHistory struct {
	client *redis.Client
	cap    int
	ttl    time.Duration
}

// NewRedisHistory connects to Redis and returns a RedisHistory keeping at
// most maxMessages per chat. Entries expire after ttl of inactivity
// (ttl <= 0 disables expiry).
func NewRedisHistory(redisURL string, maxMessages int, ttl time.Duration) (*RedisHistory, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("memory: parse redis URL: %w", err)
	}
	if maxMessages <= 0 {
		maxMessages = DefaultConfig().MaxMessages
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memory: connect to redis: %w", err)
	}

	return &RedisHistory{client: client, cap: maxMessages, ttl: ttl}, nil
}

func historyKey(chatID string) string {
	return "chat:history:" + chatID
}

// Append pushes a message onto the chat's history list and trims the list
// to the per-chat cap, dropping the oldest excess.
func (r *RedisHistory) Append(ctx context.Context, chatID string, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("memory: marshal message: %w", err)
	}

	key := historyKey(chatID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.cap), -1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("memory: append history: %w", err)
	}
	return nil
}

// Recent returns the chat's history, oldest first, already trimmed to the
// per-chat cap. A missing key yields an empty history, not an error.
func (r *RedisHistory) Recent(ctx context.Context, chatID string) ([]Message, error) {
	raw, err := r.client.LRange(ctx, historyKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: load history: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("memory: decode history entry: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Clear removes the chat's history. Used when the owning session is deleted.
func (r *RedisHistory) Clear(ctx context.Context, chatID string) error {
	if err := r.client.Del(ctx, historyKey(chatID)).Err(); err != nil {
		return fmt.Errorf("memory: clear history: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisHistory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisHistory) Close() error {
	return r.client.Close()
}
