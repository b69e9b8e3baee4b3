package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/logging"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/metrics"
)

// ErrCircuitOpen is returned without calling upstream while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// circuitPoll is how often a waiting call re-checks an open breaker.
const circuitPoll = 50 * time.Millisecond

// ProtectionManager sits in front of the decision oracle. Every attempt
// acquires from the shared rate limiter, runs through the model's circuit
// breaker and is retried according to the caller's retry configuration.
// Only upstream failures trip a breaker; a call that finds its breaker open
// waits for it to half-open for as long as its context allows.
type ProtectionManager struct {
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreakerManager
	logger         *logging.Logger
	metrics        *metrics.PrometheusMetrics
}

// NewProtectionManager creates a new protection manager
func NewProtectionManager(rateLimiter *RateLimiter, logger *logging.Logger, m *metrics.PrometheusMetrics) *ProtectionManager {
	if rateLimiter == nil {
		rateLimiter = NewRateLimiter(0, 1)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	pm := &ProtectionManager{
		rateLimiter: rateLimiter,
		logger:      logger,
		metrics:     m,
	}
	pm.circuitBreaker = NewCircuitBreakerManager(nil, func(name string, from, to gobreaker.State) {
		pm.logger.LogCircuitBreaker(context.Background(), name, from.String(), to.String())
		pm.metrics.RecordCircuitBreakerState(name, to.String())
	})
	return pm
}

// WithCircuitBreaker replaces the breaker configuration.
func (pm *ProtectionManager) WithCircuitBreaker(config *CircuitBreakerConfig) *ProtectionManager {
	onChange := pm.circuitBreaker.onStateChange
	pm.circuitBreaker = NewCircuitBreakerManager(config, onChange)
	return pm
}

// RateLimiter returns the shared limiter.
func (pm *ProtectionManager) RateLimiter() *RateLimiter {
	return pm.rateLimiter
}

// ExecuteWithProtection executes fn with rate limiting, circuit breaking and retries.
func (pm *ProtectionManager) ExecuteWithProtection(
	ctx context.Context,
	modelID string,
	retryConfig *RetryConfig,
	fn func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	retry := NewRetryManager(retryConfig).OnRetry(func(attempt int, err error, delay time.Duration) {
		pm.logger.LogRetry(ctx, modelID, err.Error(), attempt, delay)
		pm.metrics.RecordRetry(modelID, RetryReason(err))
	})

	result, err := retry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		if err := pm.waitForCircuit(ctx, modelID); err != nil {
			return nil, err
		}

		if err := pm.rateLimiter.Wait(ctx, modelID); err != nil {
			return nil, err
		}

		result, err := pm.circuitBreaker.Execute(modelID, func() (interface{}, error) {
			return fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.Transient(fmt.Errorf("%w for model %s: %v", ErrCircuitOpen, modelID, err))
		}
		return result, err
	})
	if err != nil {
		return nil, fmt.Errorf("protected execution failed: %w", err)
	}

	return result, nil
}

// waitForCircuit blocks while the model's breaker is open.
func (pm *ProtectionManager) waitForCircuit(ctx context.Context, modelID string) error {
	for pm.circuitBreaker.IsOpen(modelID) {
		if err := sleepContext(ctx, circuitPoll); err != nil {
			return fmt.Errorf("%w for model %s: %w", ErrCircuitOpen, modelID, err)
		}
	}
	return nil
}

// GetStats returns statistics for all protection mechanisms of a model
func (pm *ProtectionManager) GetStats(modelID string) map[string]interface{} {
	return map[string]interface{}{
		"model_id":        modelID,
		"rate_limiter":    pm.rateLimiter.GetStats(modelID),
		"circuit_breaker": pm.circuitBreaker.GetStats(modelID),
	}
}

// IsModelAvailable checks if a model is available (not rate limited or circuit broken)
func (pm *ProtectionManager) IsModelAvailable(modelID string) bool {
	if pm.circuitBreaker.IsOpen(modelID) {
		return false
	}
	return pm.rateLimiter.Allow(modelID)
}

// ResetModel resets all protection mechanisms for a specific model
func (pm *ProtectionManager) ResetModel(modelID string) {
	pm.rateLimiter.Reset(modelID)
	pm.circuitBreaker.Reset(modelID)
}
