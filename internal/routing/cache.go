package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// CacheKey identifies a cached route by the booking's (id, status, driver)
// tuple so that any change to one of them misses the cache.
type CacheKey struct {
	BookingID int64
	Status    models.BookingStatus
	DriverID  *int64
}

func KeyFor(b *models.Booking) CacheKey {
	return CacheKey{BookingID: b.ID, Status: b.Status, DriverID: b.DriverID}
}

func (k CacheKey) String() string {
	driver := "none"
	if k.DriverID != nil {
		driver = strconv.FormatInt(*k.DriverID, 10)
	}
	return fmt.Sprintf("route_info_%d_%s_%s", k.BookingID, k.Status, driver)
}

// Cache stores short-lived route results.
type Cache interface {
	Get(ctx context.Context, key string) (*Route, bool)
	Set(ctx context.Context, key string, r *Route)
	Delete(ctx context.Context, keys ...string)
}

// MemoryCache is a tiny in-memory TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  *Route
	ts time.Time
}

// NewMemoryCache creates a cache with the provided TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns cached value and true if present and not expired.
func (c *MemoryCache) Get(_ context.Context, k string) (*Route, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, k string, r *Route) {
	c.mu.Lock()
	c.store[k] = cacheEntry{v: r, ts: c.now()}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.store, k)
	}
	c.mu.Unlock()
}

// RedisCache shares cached routes between server replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	onErr  func(op string, err error)
}

func NewRedisCache(client *redis.Client, ttl time.Duration, onErr func(op string, err error)) *RedisCache {
	if onErr == nil {
		onErr = func(string, error) {}
	}
	return &RedisCache{client: client, ttl: ttl, onErr: onErr}
}

func (c *RedisCache) Get(ctx context.Context, k string) (*Route, bool) {
	b, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.onErr("get", err)
		}
		return nil, false
	}
	var r Route
	if err := json.Unmarshal(b, &r); err != nil {
		c.onErr("decode", err)
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, k string, r *Route) {
	b, err := json.Marshal(r)
	if err != nil {
		c.onErr("encode", err)
		return
	}
	if err := c.client.Set(ctx, k, b, c.ttl).Err(); err != nil {
		c.onErr("set", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.onErr("del", err)
	}
}
