// Package queue holds the Redis lists that defer work out of the request path:
// sessions awaiting reconciliation and ingestion events parked in PENDING_RETRY.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures Redis access.
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	BlockTimeout time.Duration
}

// RedisQueue wraps list push/pop over a key prefix.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
}

// NewRedisQueue connects and pings Redis.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "hookingest"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis queue: %w", err)
	}

	return &RedisQueue{
		client:       client,
		prefix:       strings.TrimSpace(cfg.KeyPrefix),
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

func (q *RedisQueue) reconcileKey() string { return q.prefix + ":reconcile" }
func (q *RedisQueue) pendingKey() string   { return q.prefix + ":reconcile:pending" }
func (q *RedisQueue) retryKey() string     { return q.prefix + ":retry" }

// ScheduleReconcile queues sessionID once; scheduling a session that is
// already waiting is a no-op.
func (q *RedisQueue) ScheduleReconcile(ctx context.Context, sessionID string) error {
	added, err := q.client.SAdd(ctx, q.pendingKey(), sessionID).Result()
	if err != nil {
		return fmt.Errorf("mark reconcile pending: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := q.client.RPush(ctx, q.reconcileKey(), sessionID).Err(); err != nil {
		_ = q.client.SRem(ctx, q.pendingKey(), sessionID).Err()
		return fmt.Errorf("push reconcile: %w", err)
	}
	return nil
}

// PopReconcile blocks up to the configured timeout for the next session.
// It returns "" when nothing arrived.
func (q *RedisQueue) PopReconcile(ctx context.Context) (string, error) {
	res, err := q.client.BLPop(ctx, q.blockTimeout, q.reconcileKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	sessionID := res[1]
	if err := q.client.SRem(ctx, q.pendingKey(), sessionID).Err(); err != nil {
		return sessionID, fmt.Errorf("clear reconcile pending: %w", err)
	}
	return sessionID, nil
}

// EnqueueRetry parks an ingestion event id for the retry worker.
func (q *RedisQueue) EnqueueRetry(ctx context.Context, eventID string) error {
	if err := q.client.RPush(ctx, q.retryKey(), eventID).Err(); err != nil {
		return fmt.Errorf("push retry: %w", err)
	}
	return nil
}

// Depths reports the length of the reconcile and retry lists.
func (q *RedisQueue) Depths(ctx context.Context) (reconcile, retry int64, err error) {
	pipe := q.client.Pipeline()
	rc := pipe.LLen(ctx, q.reconcileKey())
	rt := pipe.LLen(ctx, q.retryKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return rc.Val(), rt.Val(), nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
