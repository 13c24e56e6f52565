// Package cache holds the hot (Redis) and warm (in-process LRU) candle
// tiers. Both store immutable window snapshots; a degraded Redis is a
// cache miss, never an error surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"

	"github.com/redis/go-redis/v9"
)

// Key layout for cached window slices.
const keyWindow = "candles:%s:%s:%d:%d" // symbol, timeframe, fromUnix, toUnix

// HotCache is the Redis-backed shared candle tier with circuit-breaker
// style health tracking.
type HotCache struct {
	client       *redis.Client
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
	log           *logging.Logger
}

// NewHotCache connects to Redis. A failed initial connection returns the
// cache in degraded mode rather than an error.
func NewHotCache(cfg config.RedisConfig) (*HotCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	hc := &HotCache{
		client:        client,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		log:           logging.WithComponent("cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		hc.log.Warn("initial Redis connection failed, running degraded", "error", err)
		return hc, nil
	}

	hc.healthy = true
	hc.lastCheck = time.Now()
	hc.log.Info("Redis connected", "address", cfg.Address)

	return hc, nil
}

// IsHealthy returns whether Redis is currently available.
func (hc *HotCache) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HotCache) recordFailure() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.failureCount++
	if hc.failureCount >= hc.maxFailures {
		if hc.healthy {
			hc.log.Warn("Redis marked unhealthy", "failures", hc.failureCount)
		}
		hc.healthy = false
	}
}

func (hc *HotCache) recordSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if !hc.healthy {
		hc.log.Info("Redis recovered")
	}
	hc.healthy = true
	hc.failureCount = 0
	hc.lastCheck = time.Now()
}

func (hc *HotCache) checkHealth() {
	hc.mu.RLock()
	shouldCheck := !hc.healthy && time.Since(hc.lastCheck) >= hc.checkInterval
	hc.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := hc.client.Ping(pingCtx).Err(); err == nil {
			hc.recordSuccess()
		}
	}()
}

// WindowKey builds the cache key for a bounded window. Bounds are rounded
// to the timeframe grid so equivalent requests share an entry.
func WindowKey(symbol string, tf market.Timeframe, from, to time.Time) string {
	return fmt.Sprintf(keyWindow, symbol, tf, tf.Truncate(from).Unix(), tf.Truncate(to).Unix())
}

// GetWindow fetches a cached window slice. The second return is false on
// miss or degraded Redis. Returned candles carry cache provenance.
func (hc *HotCache) GetWindow(ctx context.Context, key string) (market.Slice, bool) {
	hc.checkHealth()

	if !hc.IsHealthy() {
		return nil, false
	}

	data, err := hc.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			hc.recordFailure()
		}
		return nil, false
	}
	hc.recordSuccess()

	var slice market.Slice
	if err := json.Unmarshal([]byte(data), &slice); err != nil {
		hc.log.Warn("corrupt cache entry dropped", "key", key, "error", err)
		hc.client.Del(ctx, key)
		return nil, false
	}

	for i := range slice {
		slice[i].Provenance = market.ProvenanceCache
	}
	return slice, true
}

// SetWindow stores a window slice with the given TTL. Best effort.
func (hc *HotCache) SetWindow(ctx context.Context, key string, slice market.Slice, ttl time.Duration) {
	hc.checkHealth()

	if !hc.IsHealthy() {
		return
	}

	data, err := json.Marshal(slice)
	if err != nil {
		return
	}

	if err := hc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		hc.recordFailure()
		return
	}
	hc.recordSuccess()
}

// ClearAll removes every cached window entry.
func (hc *HotCache) ClearAll(ctx context.Context) error {
	if !hc.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	iter := hc.client.Scan(ctx, 0, "candles:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := hc.client.Del(ctx, iter.Val()).Err(); err != nil {
			hc.recordFailure()
			return fmt.Errorf("redis delete failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		hc.recordFailure()
		return fmt.Errorf("redis scan failed: %w", err)
	}

	hc.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (hc *HotCache) Close() error {
	if hc.client != nil {
		return hc.client.Close()
	}
	return nil
}

// Stats returns cache health for monitoring.
type Stats struct {
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failure_count"`
}

// GetStats returns current hot-cache statistics.
func (hc *HotCache) GetStats() Stats {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return Stats{Healthy: hc.healthy, FailureCount: hc.failureCount}
}
