package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/metrics"
)

// CachedOracle memoises decisions of a deterministic oracle. Only
// temperature-0 policies are cached; anything else passes straight through.
type CachedOracle struct {
	next    core.Oracle
	cache   *LRUCache
	dedup   *Deduplicator
	metrics *metrics.PrometheusMetrics
	ttl     time.Duration
}

// NewCachedOracle wraps next. m may be nil.
func NewCachedOracle(next core.Oracle, config *CacheConfig, m *metrics.PrometheusMetrics) (*CachedOracle, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	c, err := NewLRUCache(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &CachedOracle{
		next:    next,
		cache:   c,
		dedup:   NewDeduplicator(),
		metrics: m,
		ttl:     config.DefaultTTL,
	}, nil
}

// Cacheable reports whether decisions for policy may be reused.
func Cacheable(p core.Policy) bool {
	return p.Temperature == 0
}

// Decide implements core.Oracle.
func (o *CachedOracle) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	if !Cacheable(req.Policy) {
		return o.next.Decide(ctx, req)
	}
	key, err := GenerateKey(req)
	if err != nil {
		return o.next.Decide(ctx, req)
	}

	if d, ok := o.cache.Get(key); ok {
		o.metrics.RecordCacheHit()
		return d, nil
	}
	o.metrics.RecordCacheMiss()

	return o.dedup.Execute(ctx, key, func() (core.Decision, error) {
		// detached from the first caller so a shared call survives its cancellation
		d, err := o.next.Decide(context.WithoutCancel(ctx), req)
		if err != nil {
			return core.Decision{}, err
		}
		o.cache.Set(key, d, o.ttl)
		return d, nil
	})
}

// Stats returns cache and deduplication statistics.
func (o *CachedOracle) Stats() map[string]interface{} {
	cacheStats := o.cache.Stats()
	dedupStats := o.dedup.Stats()
	return map[string]interface{}{
		"cache": map[string]interface{}{
			"hits":        cacheStats.Hits,
			"misses":      cacheStats.Misses,
			"size":        cacheStats.Size,
			"max_size":    cacheStats.MaxSize,
			"hit_rate":    cacheStats.HitRate,
			"evictions":   cacheStats.Evictions,
			"expirations": cacheStats.Expirations,
		},
		"deduplication": map[string]interface{}{
			"requests":     dedupStats.Requests,
			"deduplicated": dedupStats.Deduplicated,
		},
	}
}

var _ core.Oracle = (*CachedOracle)(nil)
