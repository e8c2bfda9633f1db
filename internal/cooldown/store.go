// Package cooldown persists the global unblock timestamp that gates all
// upstream polling after a rate limit or ban. The timestamp survives process
// restarts.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store loads and saves the single resume timestamp.
type Store interface {
	// Load returns the persisted resume time, or the zero time when none
	// is set.
	Load(ctx context.Context) (time.Time, error)
	// Save persists the resume time.
	Save(ctx context.Context, resumeAt time.Time) error
}

const redisKey = "marketstream:cooldown:resume_at"

// RedisStore keeps the resume timestamp in Redis as unix milliseconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed cooldown store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context) (time.Time, error) {
	val, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cooldown load: %w", err)
	}
	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("cooldown load: bad value %q: %w", val, err)
	}
	return time.UnixMilli(millis), nil
}

func (s *RedisStore) Save(ctx context.Context, resumeAt time.Time) error {
	// Keep the key only as long as the ban is in force, plus slack for
	// clock skew.
	ttl := time.Until(resumeAt) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, redisKey, strconv.FormatInt(resumeAt.UnixMilli(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("cooldown save: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and single-node setups
// without Redis.
type MemoryStore struct {
	mu       sync.Mutex
	resumeAt time.Time
}

// NewMemoryStore creates an empty in-memory cooldown store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeAt, nil
}

func (s *MemoryStore) Save(ctx context.Context, resumeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeAt = resumeAt
	return nil
}
