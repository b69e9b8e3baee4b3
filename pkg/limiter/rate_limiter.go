package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the token bucket every worker acquires from before an
// oracle call. One global bucket covers the upstream quota; models with a
// configured RPM get an additional bucket of their own.
type RateLimiter struct {
	global   *rate.Limiter
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst. rps <= 0 means unlimited.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		global:   rate.NewLimiter(limit, burst),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetModelRPM installs a per-model bucket of rpm requests per minute.
func (rl *RateLimiter) SetModelRPM(modelID string, rpm int) {
	if rpm <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	burst := rpm / 10 // Burst = 1/10 of limit
	if burst < 1 {
		burst = 1
	}
	rl.limiters[modelID] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

func (rl *RateLimiter) modelLimiter(modelID string) *rate.Limiter {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiters[modelID]
}

// Wait waits for the rate limiter to allow the request
func (rl *RateLimiter) Wait(ctx context.Context, modelID string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if limiter := rl.modelLimiter(modelID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed for %s: %w", modelID, err)
		}
	}
	return nil
}

// Allow checks if the request is allowed without waiting
func (rl *RateLimiter) Allow(modelID string) bool {
	now := time.Now()
	if limiter := rl.modelLimiter(modelID); limiter != nil && limiter.TokensAt(now) < 1 {
		return false
	}
	return rl.global.AllowN(now, 1)
}

// GetStats returns rate limiter statistics for a model
func (rl *RateLimiter) GetStats(modelID string) map[string]interface{} {
	stats := map[string]interface{}{
		"model_id":      modelID,
		"global_limit":  float64(rl.global.Limit()),
		"global_burst":  rl.global.Burst(),
		"global_tokens": rl.global.Tokens(),
	}
	if limiter := rl.modelLimiter(modelID); limiter != nil {
		stats["limit"] = float64(limiter.Limit())
		stats["burst"] = limiter.Burst()
		stats["tokens"] = limiter.Tokens()
	}
	return stats
}

// Reset removes the per-model bucket
func (rl *RateLimiter) Reset(modelID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.limiters, modelID)
}
