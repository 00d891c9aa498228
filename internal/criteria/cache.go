package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-screening-engine/internal/domain"
)

const redisKeyPrefix = "trial-criteria:"

// CacheConfig configures the two cache tiers
type CacheConfig struct {
	MaxMemorySize int
	RedisTTL      time.Duration
}

// CacheStats tracks cache performance
type CacheStats struct {
	MemoryHits    int64 `json:"memory_hits"`
	MemoryMisses  int64 `json:"memory_misses"`
	RedisHits     int64 `json:"redis_hits"`
	RedisMisses   int64 `json:"redis_misses"`
	SourceLoads   int64 `json:"source_loads"`
	ErrorCount    int64 `json:"error_count"`
	TotalRequests int64 `json:"total_requests"`
}

// cachedCriteria is the Redis payload
type cachedCriteria struct {
	Data      *domain.TrialCriteria `json:"data"`
	CachedAt  time.Time             `json:"cached_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Cache serves criteria sets from memory, then Redis, then the underlying source.
// Cached sets are shared between requests and must be treated as read-only.
type Cache struct {
	source domain.CriteriaSource
	memory *lru.Cache
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	stats   CacheStats
	statsMu sync.Mutex
}

// NewCache creates a tiered criteria cache. redisClient may be nil.
func NewCache(source domain.CriteriaSource, config CacheConfig, redisClient *redis.Client, logger *logrus.Logger) (*Cache, error) {
	if config.MaxMemorySize <= 0 {
		config.MaxMemorySize = 128
	}
	if config.RedisTTL <= 0 {
		config.RedisTTL = time.Hour
	}
	memory, err := lru.New(config.MaxMemorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Cache{
		source: source,
		memory: memory,
		redis:  redisClient,
		ttl:    config.RedisTTL,
		logger: logger,
	}, nil
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Load returns the criteria set for a trial
func (c *Cache) Load(ctx context.Context, trialID string) (*domain.TrialCriteria, error) {
	c.record(func(s *CacheStats) { s.TotalRequests++ })

	if v, ok := c.memory.Get(trialID); ok {
		c.record(func(s *CacheStats) { s.MemoryHits++ })
		return v.(*domain.TrialCriteria), nil
	}
	c.record(func(s *CacheStats) { s.MemoryMisses++ })

	if tc := c.getFromRedis(ctx, trialID); tc != nil {
		c.record(func(s *CacheStats) { s.RedisHits++ })
		c.memory.Add(trialID, tc)
		c.logger.WithFields(logrus.Fields{
			"trial_id":   trialID,
			"cache_tier": "redis",
		}).Debug("Criteria cache hit")
		return tc, nil
	}
	if c.redis != nil {
		c.record(func(s *CacheStats) { s.RedisMisses++ })
	}

	c.record(func(s *CacheStats) { s.SourceLoads++ })
	tc, err := c.source.Load(ctx, trialID)
	if err != nil {
		c.record(func(s *CacheStats) { s.ErrorCount++ })
		return nil, err
	}

	c.memory.Add(trialID, tc)
	c.setInRedis(ctx, trialID, tc)
	return tc, nil
}

// Invalidate drops a trial from both tiers, e.g. after a protocol amendment
func (c *Cache) Invalidate(ctx context.Context, trialID string) {
	c.memory.Remove(trialID)
	if c.redis != nil {
		if err := c.redis.Del(ctx, redisKeyPrefix+trialID).Err(); err != nil {
			c.logger.WithError(err).WithField("trial_id", trialID).Warn("Failed to invalidate Redis criteria entry")
		}
	}
}

// Stats returns a snapshot of cache statistics
func (c *Cache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) record(update func(s *CacheStats)) {
	c.statsMu.Lock()
	update(&c.stats)
	c.statsMu.Unlock()
}

func (c *Cache) getFromRedis(ctx context.Context, trialID string) *domain.TrialCriteria {
	if c.redis == nil {
		return nil
	}
	key := redisKeyPrefix + trialID

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.WithError(err).WithField("trial_id", trialID).Warn("Redis criteria lookup failed")
		return nil
	}

	var cached cachedCriteria
	if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Data == nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, key)
		return nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil
	}
	return cached.Data
}

func (c *Cache) setInRedis(ctx context.Context, trialID string, tc *domain.TrialCriteria) {
	if c.redis == nil {
		return
	}
	now := time.Now()
	data, err := json.Marshal(cachedCriteria{Data: tc, CachedAt: now, ExpiresAt: now.Add(c.ttl)})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to marshal criteria for Redis")
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+trialID, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("trial_id", trialID).Warn("Failed to cache criteria in Redis")
	}
}
