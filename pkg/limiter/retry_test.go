package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// recordSleeps swaps the retry sleep for one that only records delays.
func recordSleeps(rm *RetryManager) *[]time.Duration {
	var delays []time.Duration
	rm.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func TestRetryConfigFromPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy core.RetryPolicy
		check  func(t *testing.T, c *RetryConfig)
	}{
		{
			name:   "empty policy keeps defaults",
			policy: core.RetryPolicy{},
			check: func(t *testing.T, c *RetryConfig) {
				assert.Equal(t, DefaultRetryConfig().MaxRetries, c.MaxRetries)
				assert.Equal(t, 500*time.Millisecond, c.BaseDelay)
				assert.Equal(t, 8*time.Second, c.MaxDelay)
				assert.Equal(t, 0.25, c.Jitter)
			},
		},
		{
			name:   "policy values override",
			policy: core.RetryPolicy{MaxRetries: 5, BaseDelayMs: 20, MaxDelayMs: 200, BackoffFactor: 3, Jitter: 0.1},
			check: func(t *testing.T, c *RetryConfig) {
				assert.Equal(t, 5, c.MaxRetries)
				assert.Equal(t, 20*time.Millisecond, c.BaseDelay)
				assert.Equal(t, 200*time.Millisecond, c.MaxDelay)
				assert.Equal(t, 3.0, c.BackoffFactor)
				assert.Equal(t, 0.1, c.Jitter)
			},
		},
		{
			name:   "negative values disable",
			policy: core.RetryPolicy{MaxRetries: -1, Jitter: -1},
			check: func(t *testing.T, c *RetryConfig) {
				assert.Zero(t, c.MaxRetries)
				assert.Zero(t, c.Jitter)
			},
		},
		{
			name:   "out of range factor and jitter ignored",
			policy: core.RetryPolicy{BackoffFactor: 0.5, Jitter: 2},
			check: func(t *testing.T, c *RetryConfig) {
				assert.Equal(t, 2.0, c.BackoffFactor)
				assert.Equal(t, 0.25, c.Jitter)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, RetryConfigFromPolicy(tt.policy))
		})
	}
}

func TestRetryManager_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		reason    string
	}{
		{"transient oracle error", core.Transient(errors.New("connection reset")), true, "transient"},
		{"wrapped transient", fmt.Errorf("decide: %w", core.Transient(errors.New("eof"))), true, "transient"},
		{"fatal oracle error", core.Fatal(errors.New("malformed response")), false, "other"},
		{"rate limited", NewHTTPError(429, "slow down", ""), true, "http_429"},
		{"bad request", NewHTTPError(400, "bad", ""), false, "http_400"},
		{"open breaker", core.Transient(fmt.Errorf("%w for model m", ErrCircuitOpen)), true, "circuit_open"},
		{"deadline", context.DeadlineExceeded, false, "other"},
		{"plain error", errors.New("boom"), false, "other"},
	}

	rm := NewRetryManager(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, rm.isRetryableError(tt.err))
			assert.Equal(t, tt.reason, RetryReason(tt.err))
		})
	}
}

func TestRetryManager_PolicyBackoff(t *testing.T) {
	config := RetryConfigFromPolicy(core.RetryPolicy{MaxRetries: 3, BaseDelayMs: 100, MaxDelayMs: 300, BackoffFactor: 2, Jitter: -1})
	rm := NewRetryManager(config)
	delays := recordSleeps(rm)

	var hooked []int
	rm.OnRetry(func(attempt int, err error, delay time.Duration) {
		hooked = append(hooked, attempt)
	})

	attempts := 0
	_, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, core.Transient(errors.New("upstream busy"))
	})

	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.Contains(t, err.Error(), "max retries exceeded after 4 attempts")
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []int{1, 2, 3}, hooked)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *delays)
}

func TestRetryManager_RecoversAfterTransient(t *testing.T) {
	rm := NewRetryManager(RetryConfigFromPolicy(core.RetryPolicy{MaxRetries: 2}))
	delays := recordSleeps(rm)

	attempts := 0
	result, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts == 1 {
			return nil, core.Transient(errors.New("timeout"))
		}
		return core.Decision{Thought: "ok"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, core.Decision{Thought: "ok"}, result)
	assert.Len(t, *delays, 1)
}

func TestRetryManager_FatalStopsImmediately(t *testing.T) {
	rm := NewRetryManager(RetryConfigFromPolicy(core.RetryPolicy{MaxRetries: 5}))
	delays := recordSleeps(rm)

	attempts := 0
	_, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, core.Fatal(errors.New("both action and answer"))
	})

	assert.ErrorIs(t, err, core.ErrOracleFatal)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)
}

func TestRetryManager_DisabledByPolicy(t *testing.T) {
	rm := NewRetryManager(RetryConfigFromPolicy(core.RetryPolicy{MaxRetries: -1}))

	attempts := 0
	_, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, core.Transient(errors.New("busy"))
	})

	assert.ErrorIs(t, err, core.ErrOracleTransient)
	assert.Equal(t, 1, attempts)
}

func TestRetryManager_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rm := NewRetryManager(RetryConfigFromPolicy(core.RetryPolicy{MaxRetries: 3}))

	attempts := 0
	_, err := rm.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		attempts++
		cancel()
		return nil, core.Transient(errors.New("busy"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestCalculateDelay_Jitter(t *testing.T) {
	config := RetryConfigFromPolicy(core.RetryPolicy{BaseDelayMs: 1000, Jitter: 0.2})
	rm := NewRetryManager(config)

	for i := 0; i < 50; i++ {
		d := rm.calculateDelay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestHTTPError(t *testing.T) {
	err := NewHTTPError(503, "unavailable", "upstream down")
	assert.Equal(t, "HTTP 503: unavailable", err.Error())

	var target *HTTPError
	require.ErrorAs(t, fmt.Errorf("decide: %w", err), &target)
	assert.True(t, IsRetryableHTTPError(target.StatusCode))
	assert.False(t, IsRetryableHTTPError(404))
}
