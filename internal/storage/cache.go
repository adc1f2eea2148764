package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Simerblur/online-data-mining/pkg/logger"
)

// ErrCacheMiss is returned by RedisClient.Get for absent keys.
var ErrCacheMiss = errors.New("key not found")

// RedisClient defines the interface for Redis operations.
// This allows for easy mocking in tests and flexibility with Redis client implementations.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for the page cache.
type CacheConfig struct {
	Prefix              string
	PageTTL             time.Duration
	GracefulDegradation bool // Continue without cache if Redis is unavailable
}

// DefaultCacheConfig returns a default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:              "crawl",
		PageTTL:             24 * time.Hour,
		GracefulDegradation: true,
	}
}

// CacheMetrics tracks cache hit/miss statistics.
type CacheMetrics struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// PageCache keeps fetched page bodies in Redis so reruns within the TTL do
// not hit the sources again. A nil or unreachable client turns every call
// into a miss.
type PageCache struct {
	client  RedisClient
	config  CacheConfig
	logger  *logger.Logger
	metrics CacheMetrics
	healthy atomic.Bool
}

// NewPageCache creates a PageCache and checks the connection once.
func NewPageCache(ctx context.Context, client RedisClient, log *logger.Logger, config CacheConfig) *PageCache {
	if log == nil {
		log = logger.Default()
	}

	pc := &PageCache{
		client: client,
		config: config,
		logger: log.WithComponent("page_cache"),
	}

	if client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			pc.logger.Warn("Redis connection failed, cache will be disabled", "error", err)
		} else {
			pc.healthy.Store(true)
		}
	}

	return pc
}

// IsHealthy returns whether the cache is operational.
func (pc *PageCache) IsHealthy() bool {
	return pc.client != nil && pc.healthy.Load()
}

// GetMetrics returns current cache metrics.
func (pc *PageCache) GetMetrics() CacheMetrics {
	return CacheMetrics{
		Hits:   atomic.LoadUint64(&pc.metrics.Hits),
		Misses: atomic.LoadUint64(&pc.metrics.Misses),
		Errors: atomic.LoadUint64(&pc.metrics.Errors),
	}
}

// GetPage returns a cached body for url.
func (pc *PageCache) GetPage(ctx context.Context, url string) ([]byte, bool) {
	if !pc.IsHealthy() {
		return nil, false
	}

	data, err := pc.client.Get(ctx, pc.pageKey(url))
	if err != nil {
		atomic.AddUint64(&pc.metrics.Misses, 1)
		if !errors.Is(err, ErrCacheMiss) {
			atomic.AddUint64(&pc.metrics.Errors, 1)
			pc.logger.Warn("page cache read failed", "url", url, "error", err)
		}
		return nil, false
	}

	atomic.AddUint64(&pc.metrics.Hits, 1)
	pc.logger.Debug("page cache hit", "url", url, "bytes", len(data))
	return []byte(data), true
}

// SetPage stores body for url.
func (pc *PageCache) SetPage(ctx context.Context, url string, body []byte) {
	if !pc.IsHealthy() {
		return
	}

	if err := pc.client.Set(ctx, pc.pageKey(url), body, pc.config.PageTTL); err != nil {
		atomic.AddUint64(&pc.metrics.Errors, 1)
		pc.logger.Error("failed to cache page", "url", url, "error", err)
		if !pc.config.GracefulDegradation {
			pc.healthy.Store(false)
		}
	}
}

// Invalidate drops a cached page.
func (pc *PageCache) Invalidate(ctx context.Context, url string) error {
	if !pc.IsHealthy() {
		return nil
	}
	return pc.client.Del(ctx, pc.pageKey(url))
}

// InvalidateAll clears every cached page.
func (pc *PageCache) InvalidateAll(ctx context.Context) error {
	if !pc.IsHealthy() {
		return nil
	}

	pattern := fmt.Sprintf("%s:page:*", pc.config.Prefix)
	keys, err := pc.client.Keys(ctx, pattern)
	if err != nil {
		pc.logger.Warn("failed to get cache keys", "error", err)
		return err
	}

	if len(keys) > 0 {
		if err := pc.client.Del(ctx, keys...); err != nil {
			pc.logger.Warn("failed to invalidate page cache", "error", err)
			return err
		}
	}

	pc.logger.Info("invalidated page cache", "keys_deleted", len(keys))
	return nil
}

// Close closes the underlying client.
func (pc *PageCache) Close() error {
	if pc.client != nil {
		return pc.client.Close()
	}
	return nil
}

func (pc *PageCache) pageKey(url string) string {
	return fmt.Sprintf("%s:page:%s", pc.config.Prefix, hashURL(url))
}

// hashURL shortens a URL for use as a cache key.
func hashURL(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:16])
}
