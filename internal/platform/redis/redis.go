package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"listingengine/internal/logger"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
)

type Options struct {
	Addr     string
	Password string
}

type Service struct {
	client *redisv8.Client
	log    *logger.Logger
}

func New(opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Service{client: c, log: logger.New("Redis")}, nil
}

// NewFromClient wraps an existing client. Used by tests running against miniredis.
func NewFromClient(c *redisv8.Client) *Service {
	return &Service{client: c, log: logger.New("Redis")}
}

func (s *Service) Close() error            { return s.client.Close() }
func (s *Service) Client() *redisv8.Client { return s.client }

func (s *Service) HealthCheck(ctx context.Context) error {
	// 1. Basic ping check
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.LogErrorf("Redis health check failed: %v", err)
		return fmt.Errorf("redis ping failed: %v", err)
	}

	// 2. Simple write/read test to verify Redis is working
	testKey := "health:test:" + time.Now().Format("20060102150405")
	testValue := "ok"

	// Write test
	err := s.client.Set(ctx, testKey, testValue, 10*time.Second).Err()
	if err != nil {
		return fmt.Errorf("redis write test failed: %v", err)
	}

	// Read test
	val, err := s.client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("redis read test failed: %v", err)
	}

	if val != testValue {
		return fmt.Errorf("redis value mismatch: got %s, want %s", val, testValue)
	}

	// Clean up test key
	_ = s.client.Del(ctx, testKey).Err()

	return nil
}

func (s *Service) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: s.client.Options().Addr, Password: s.client.Options().Password}
}

// Cache helpers
func (s *Service) CacheGet(ctx context.Context, key string, dest interface{}) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func (s *Service) CacheSet(ctx context.Context, key string, val interface{}, ttlSeconds int) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, b, time.Duration(ttlSeconds)*time.Second).Err()
}

// Queue helpers. The scrape queue is a plain list with one lease key per
// in-flight job, so a crashed worker frees its slot when the lease expires.

func (s *Service) ListPush(ctx context.Context, key string, val interface{}) (int64, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return 0, err
	}
	return s.client.RPush(ctx, key, b).Result()
}

func (s *Service) ListPop(ctx context.Context, key string, dest interface{}) (bool, error) {
	b, err := s.client.LPop(ctx, key).Bytes()
	if err == redisv8.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dest)
}

func (s *Service) ListLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *Service) SetLease(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// ReleaseLease deletes a lease key and reports whether it still existed.
func (s *Service) ReleaseLease(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountKeys counts keys matching a pattern via SCAN. Fine for the small
// lease keyspace; never used on unbounded prefixes.
func (s *Service) CountKeys(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *Service) IncrCounter(ctx context.Context, key string, expiry time.Duration) error {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 && expiry > 0 {
		return s.client.Expire(ctx, key, expiry).Err()
	}
	return nil
}

func (s *Service) GetCounter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redisv8.Nil {
		return 0, nil
	}
	return n, err
}
