package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is satisfied by the Redis-backed limiter and the in-memory
// fallback used when no Redis URL is configured.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
	GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// RedisLimiter counts requests in fixed windows keyed by window start.
// Fixed windows keep the hot path to one INCR round trip.
type RedisLimiter struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLimiter(client *redis.Client, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		log:    log,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	windowKey := r.windowKey(key, window)

	count, err := r.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment counter: %w", err)
	}

	// Set expiry on first increment
	if count == 1 {
		r.client.Expire(ctx, windowKey, window)
	}

	if count > int64(limit) {
		r.client.Decr(ctx, windowKey)
		return false, nil
	}

	return true, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	pattern := fmt.Sprintf("%s:*", key)
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return err
	}

	if len(keys) > 0 {
		return r.client.Del(ctx, keys...).Err()
	}

	return nil
}

func (r *RedisLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	windowKey := r.windowKey(key, window)

	count, err := r.client.Get(ctx, windowKey).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

func (r *RedisLimiter) windowKey(key string, window time.Duration) string {
	windowStart := time.Now().Truncate(window).Unix()
	return fmt.Sprintf("%s:%d", key, windowStart)
}

// InMemoryLimiter is a per-process token bucket, used when Redis is not
// configured. Counts are not shared across replicas.
type InMemoryLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	log     *zap.Logger
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func NewInMemoryLimiter(log *zap.Logger) *InMemoryLimiter {
	limiter := &InMemoryLimiter{
		buckets: make(map[string]*bucket),
		log:     log,
	}

	go limiter.cleanup()

	return limiter
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     float64(limit),
			lastRefill: time.Now(),
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(limit, window)

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}

	return false, nil
}

func (l *InMemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	return nil
}

func (l *InMemoryLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	l.mu.RLock()
	b, exists := l.buckets[key]
	if !exists {
		l.mu.RUnlock()
		return limit, nil
	}
	l.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(limit, window)

	return int(b.tokens), nil
}

func (b *bucket) refill(limit int, window time.Duration) {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	refillRate := float64(limit) / window.Seconds()

	b.tokens = min(float64(limit), b.tokens+elapsed.Seconds()*refillRate)
	b.lastRefill = now
}

func (l *InMemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := time.Now()
		for key, b := range l.buckets {
			b.mu.Lock()
			if now.Sub(b.lastRefill) > 1*time.Hour {
				delete(l.buckets, key)
			}
			b.mu.Unlock()
		}
		l.mu.Unlock()
	}
}
