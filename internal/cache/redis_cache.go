package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"backoffice/backend/internal/domain"
)

const generationKey = "report-cache:generation"

// RedisReportCache namespaces entries under a generation counter so that
// Invalidate is a single INCR instead of a key scan.
type RedisReportCache struct {
	client redis.UniversalClient
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisReportCache(client redis.UniversalClient) *RedisReportCache {
	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func entryKey(generation int64, key string) string {
	return fmt.Sprintf("report-cache:%d:%s", generation, key)
}

func (c *RedisReportCache) Get(ctx context.Context, key string) (*domain.SalesReport, bool, error) {
	gen, err := c.Generation(ctx)
	if err != nil {
		return nil, false, err
	}
	val, err := c.client.Get(ctx, entryKey(gen, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.SalesReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

// Set writes under the generation the caller read before querying. If an
// Invalidate has happened since, the entry lands in a namespace no reader
// uses any more and simply expires.
func (c *RedisReportCache) Set(ctx context.Context, key string, generation int64, value *domain.SalesReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	current, err := c.Generation(ctx)
	if err != nil {
		return err
	}
	if current != generation {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(generation, key), payload, ttl).Err()
}

func (c *RedisReportCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}
