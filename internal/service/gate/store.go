package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store keeps the gate's per-recipient counters. Keys expire on their own.
type Store interface {
	// Incr increments key and arms ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Flush drops every key owned by the gate.
	Flush(ctx context.Context) error
}

type localStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewLocalStore keeps counters in process memory.
func NewLocalStore() Store {
	return &localStore{cache: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (s *localStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cache.Add(key, int64(1), ttl); err == nil {
		return 1, nil
	}
	n, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		// Expired between Add and Increment.
		s.cache.Set(key, int64(1), ttl)
		return 1, nil
	}
	return n, nil
}

func (s *localStore) Get(_ context.Context, key string) (string, bool, error) {
	v, found := s.cache.Get(key)
	if !found {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case int64:
		return strconv.FormatInt(t, 10), true, nil
	default:
		return "", false, fmt.Errorf("unexpected value %T for %s", v, key)
	}
}

func (s *localStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.cache.Set(key, value, ttl)
	return nil
}

func (s *localStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.cache.Delete(k)
	}
	return nil
}

func (s *localStore) Flush(context.Context) error {
	s.cache.Flush()
	return nil
}

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore shares counters between processes through Redis. Every key
// is namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "crm:gate"
	}
	return &redisStore{client: client, prefix: prefix + ":"}
}

func (s *redisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.prefix + key
	n, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", k, err)
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire %s: %w", k, err)
		}
	}
	return n, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.client.Del(ctx, full...).Err()
}

func (s *redisStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 200 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan gate keys: %w", err)
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}
