package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis logical databases.
// Each slot gets its own client pool pinned to one database through
// redis.Options.DB, so no connection ever changes its selected database.
type RedisStore struct {
	base *redis.Options

	mu      sync.Mutex
	clients [slotCount]*redis.Client
	closed  bool
}

type RedisConfig struct {
	Addr     string
	Password string
	PoolSize int // per slot; 0 keeps the go-redis default
}

// NewRedisStore creates a Redis-backed store. Pools are opened lazily.
func NewRedisStore(config RedisConfig) *RedisStore {
	return &RedisStore{
		base: &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			PoolSize: config.PoolSize,
		},
	}
}

// client returns the pool pinned to slot, creating it on first use.
func (s *RedisStore) client(slot int) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if c := s.clients[slot]; c != nil {
		return c, nil
	}

	opts := *s.base
	opts.DB = slot
	c := redis.NewClient(&opts)
	s.clients[slot] = c
	return c, nil
}

func (s *RedisStore) InSlot(ctx context.Context, tenantID int64, fn func(h Hash) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	c, err := s.client(Slot(tenantID))
	if err != nil {
		return err
	}
	return fn(redisHash{client: c})
}

// Ping checks if the shared-scope connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	c, err := s.client(0)
	if err != nil {
		return err
	}
	return c.Ping(ctx).Err()
}

// Close releases every pool that was opened.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i, c := range s.clients {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close slot %d: %w", i, err))
		}
		s.clients[i] = nil
	}
	return errors.Join(errs...)
}

type redisHash struct {
	client *redis.Client
}

func (h redisHash) HGet(ctx context.Context, bucket, field string) (string, bool, error) {
	v, err := h.client.HGet(ctx, bucket, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget failed: %w", err)
	}
	return v, true, nil
}

func (h redisHash) HSet(ctx context.Context, bucket, field, value string) error {
	if err := h.client.HSet(ctx, bucket, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (h redisHash) HDel(ctx context.Context, bucket string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := h.client.HDel(ctx, bucket, fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (h redisHash) HKeys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := h.client.HKeys(ctx, bucket).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys failed: %w", err)
	}
	return keys, nil
}

func (h redisHash) Expire(ctx context.Context, bucket string, ttl time.Duration) error {
	if err := h.client.Expire(ctx, bucket, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire failed: %w", err)
	}
	return nil
}

func (h redisHash) ExpireAt(ctx context.Context, bucket string, at time.Time) error {
	if err := h.client.ExpireAt(ctx, bucket, at).Err(); err != nil {
		return fmt.Errorf("redis expireat failed: %w", err)
	}
	return nil
}

// ExpireTime reports -1 (no expiry) and -2 (missing) as non-positive values.
// It is derived from TTL so servers without EXPIRETIME (Redis < 7) work too.
func (h redisHash) ExpireTime(ctx context.Context, bucket string) (int64, error) {
	d, err := h.client.TTL(ctx, bucket).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl failed: %w", err)
	}
	if d <= 0 {
		return int64(d), nil
	}
	return time.Now().Add(d).Unix(), nil
}
