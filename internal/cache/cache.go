package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"backoffice/backend/internal/domain"
)

// ReportCache holds rendered sales reports. Invalidate drops every entry and
// advances the generation; it is called after each successful day close.
//
// Callers read Generation before querying and pass it to Set. A Set whose
// generation is no longer current is dropped, so a report computed before
// a close is never stored after that close invalidated the cache.
type ReportCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, key string) (*domain.SalesReport, bool, error)
	Set(ctx context.Context, key string, generation int64, value *domain.SalesReport, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.SalesReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ int64, _ *domain.SalesReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}

type MemoryReportCache struct {
	mu         sync.Mutex
	generation int64
	store      *gocache.Cache
}

func NewMemoryReportCache(defaultTTL time.Duration) *MemoryReportCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &MemoryReportCache{store: gocache.New(defaultTTL, 2*defaultTTL)}
}

func (c *MemoryReportCache) Generation(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *MemoryReportCache) Get(_ context.Context, key string) (*domain.SalesReport, bool, error) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	report, ok := val.(domain.SalesReport)
	if !ok {
		return nil, false, nil
	}
	return &report, true, nil
}

func (c *MemoryReportCache) Set(_ context.Context, key string, generation int64, value *domain.SalesReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	snapshot := *value
	snapshot.Buckets = append([]domain.ReportBucket(nil), value.Buckets...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return nil
	}
	c.store.Set(key, snapshot, ttl)
	return nil
}

func (c *MemoryReportCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.store.Flush()
	return nil
}
