package cache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Deduplicator collapses concurrent identical oracle requests into one call.
type Deduplicator struct {
	group        singleflight.Group
	requests     atomic.Int64
	deduplicated atomic.Int64
}

// DedupStats represents deduplication statistics
type DedupStats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Execute runs fn once per key among concurrent callers. The caller's
// context still bounds its own wait.
func (d *Deduplicator) Execute(ctx context.Context, key CacheKey, fn func() (core.Decision, error)) (core.Decision, error) {
	d.requests.Add(1)

	ch := d.group.DoChan(string(key), func() (interface{}, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return core.Decision{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			d.deduplicated.Add(1)
		}
		if res.Err != nil {
			return core.Decision{}, res.Err
		}
		return cloneDecision(res.Val.(core.Decision)), nil
	}
}

// Stats returns deduplication statistics
func (d *Deduplicator) Stats() DedupStats {
	return DedupStats{Requests: d.requests.Load(), Deduplicated: d.deduplicated.Load()}
}
