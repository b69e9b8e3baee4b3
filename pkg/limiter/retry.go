package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	BackoffFactor   float64       `json:"backoff_factor"`
	Jitter          float64       `json:"jitter"` // fraction, 0.25 = +/-25%
	RetryableErrors []int         `json:"retryable_errors"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        8 * time.Second,
		BackoffFactor:   2.0,
		Jitter:          0.25,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// RetryConfigFromPolicy builds a retry configuration from policy settings.
// Zero fields keep their defaults; negative MaxRetries or Jitter disable them.
func RetryConfigFromPolicy(p core.RetryPolicy) *RetryConfig {
	config := DefaultRetryConfig()
	switch {
	case p.MaxRetries < 0:
		config.MaxRetries = 0
	case p.MaxRetries > 0:
		config.MaxRetries = p.MaxRetries
	}
	if p.BaseDelayMs > 0 {
		config.BaseDelay = time.Duration(p.BaseDelayMs) * time.Millisecond
	}
	if p.MaxDelayMs > 0 {
		config.MaxDelay = time.Duration(p.MaxDelayMs) * time.Millisecond
	}
	if p.BackoffFactor >= 1 {
		config.BackoffFactor = p.BackoffFactor
	}
	switch {
	case p.Jitter < 0:
		config.Jitter = 0
	case p.Jitter > 0 && p.Jitter < 1:
		config.Jitter = p.Jitter
	}
	return config
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) (interface{}, error)

// RetryHook is called before each retry with the attempt that failed.
type RetryHook func(attempt int, err error, delay time.Duration)

// RetryManager manages retry logic
type RetryManager struct {
	config  *RetryConfig
	onRetry RetryHook
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryManager{config: config, sleep: sleepContext}
}

// OnRetry registers a hook called before every retry.
func (rm *RetryManager) OnRetry(hook RetryHook) *RetryManager {
	rm.onRetry = hook
	return rm
}

// Execute executes a function with retry logic
func (rm *RetryManager) Execute(ctx context.Context, fn RetryableFunc) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !rm.isRetryableError(err) {
			return nil, err
		}

		if attempt == rm.config.MaxRetries {
			break
		}

		delay := rm.calculateDelay(attempt)
		if rm.onRetry != nil {
			rm.onRetry(attempt+1, err, delay)
		}

		if err := rm.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded after %d attempts: %w", rm.config.MaxRetries+1, lastErr)
}

// isRetryableError checks if an error is retryable
func (rm *RetryManager) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		for _, retryableCode := range rm.config.RetryableErrors {
			if httpErr.StatusCode == retryableCode {
				return true
			}
		}
		return false
	}

	return core.IsTransient(err)
}

// calculateDelay calculates the delay for the given attempt
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: baseDelay * (backoffFactor ^ attempt)
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt))

	if delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}

	if rm.config.Jitter > 0 {
		jitter := (rand.Float64()*2 - 1) * rm.config.Jitter
		delay = delay * (1 + jitter)
	}

	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, message, body string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Body:       body,
	}
}

// IsRetryableHTTPError checks if an HTTP status code is retryable
func IsRetryableHTTPError(statusCode int) bool {
	for _, code := range DefaultRetryConfig().RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// RetryReason returns a short label for metrics and logs.
func RetryReason(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("http_%d", httpErr.StatusCode)
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	if core.IsTransient(err) {
		return "transient"
	}
	return "other"
}
