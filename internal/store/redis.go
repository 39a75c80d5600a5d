package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on a Redis backend. Sliding windows are kept
// as sorted sets scored by microsecond timestamps; membership sets map
// directly onto Redis sets.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed store. Timeouts are kept short so a
// degraded Redis turns into a fast error the callers can fail open on,
// rather than a stalled request.
func NewRedisStore(addr string, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,

		PoolSize:     50,
		MinIdleConns: 10,
		MaxRetries:   0,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolTimeout:  500 * time.Millisecond,
	})

	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get error: %w", err)
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, member := range members {
		args[i] = member
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis sadd error: %w", err)
	}
	return nil
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, member := range members {
		args[i] = member
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis srem error: %w", err)
	}
	return nil
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember error: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers error: %w", err)
	}
	return members, nil
}

func (r *RedisStore) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	cutoff := now.Add(-window).UnixMicro()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, key)
		// Keep the key a little past the window so a quiet identifier
		// does not leave a sorted set behind forever.
		pipe.Expire(ctx, key, window+time.Minute)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis window add error: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	cutoff := now.Add(-window).UnixMicro()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis window count error: %w", err)
	}
	return card.Val(), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping error: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// NewStore creates a store for the configured backend.
func NewStore(backend, redisAddr string, logger zerolog.Logger) (Store, error) {
	switch backend {
	case "memory":
		logger.Info().Msg("using memory store backend")
		return NewMemoryStore(logger), nil
	case "redis":
		logger.Info().Str("redis_addr", redisAddr).Msg("using redis store backend")
		s := NewRedisStore(redisAddr, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
