package sources

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"botplayer/internal/domain"
)

const (
	redisCachePrefix      = "botplayer:search:"
	defaultCacheTTL       = 5 * time.Minute
	defaultCacheMaxMemory = 256
)

type memEntry struct {
	tracks    []domain.Track
	expiresAt time.Time
}

// ResultCache is a small TTL cache for search responses. It always keeps an
// in-memory copy; when a redis client is supplied, entries are shared across
// replicas too.
type ResultCache struct {
	mu     sync.Mutex
	mem    map[string]memEntry
	redis  *redis.Client
	ttl    time.Duration
	maxMem int
}

func NewResultCache(client *redis.Client, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResultCache{
		mem:    make(map[string]memEntry),
		redis:  client,
		ttl:    ttl,
		maxMem: defaultCacheMaxMemory,
	}
}

func (c *ResultCache) Get(ctx context.Context, key string) ([]domain.Track, bool) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.mem[key]
	if ok && now.Before(entry.expiresAt) {
		tracks := append([]domain.Track(nil), entry.tracks...)
		c.mu.Unlock()
		return tracks, true
	}
	if ok {
		delete(c.mem, key)
	}
	c.mu.Unlock()

	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var tracks []domain.Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, false
	}
	c.storeMemory(key, tracks, now)
	return tracks, true
}

func (c *ResultCache) Set(ctx context.Context, key string, tracks []domain.Track) {
	c.storeMemory(key, tracks, time.Now())
	if c.redis == nil {
		return
	}
	if data, err := json.Marshal(tracks); err == nil {
		_ = c.redis.Set(ctx, redisCachePrefix+key, data, c.ttl).Err()
	}
}

func (c *ResultCache) storeMemory(key string, tracks []domain.Track, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mem[key] = memEntry{
		tracks:    append([]domain.Track(nil), tracks...),
		expiresAt: now.Add(c.ttl),
	}
	if len(c.mem) <= c.maxMem {
		return
	}
	// Over capacity: drop expired first, then the soonest-to-expire.
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.mem {
		if now.After(e.expiresAt) {
			delete(c.mem, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.expiresAt
		}
	}
	if len(c.mem) > c.maxMem && oldestKey != "" {
		delete(c.mem, oldestKey)
	}
}
