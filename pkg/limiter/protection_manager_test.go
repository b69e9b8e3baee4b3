package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/metrics"
)

func fastRetry(n int) *RetryConfig {
	config := DefaultRetryConfig()
	config.MaxRetries = n
	config.BaseDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = 0
	return config
}

func TestProtectionManager_RetriesTransient(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	pm := NewProtectionManager(NewRateLimiter(0, 1), nil, m)

	attempts := 0
	result, err := pm.ExecuteWithProtection(context.Background(), "gpt-test", fastRetry(3), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, NewHTTPError(503, "unavailable", "")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("gpt-test", "http_503")))
}

func TestProtectionManager_FatalNotRetried(t *testing.T) {
	pm := NewProtectionManager(nil, nil, nil)

	attempts := 0
	_, err := pm.ExecuteWithProtection(context.Background(), "m", fastRetry(3), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, core.Fatal(errors.New("malformed"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrOracleFatal)
	assert.Equal(t, 1, attempts)
}

func tripBreaker(pm *ProtectionManager, model string) {
	for i := 0; i < 5; i++ {
		_, _ = pm.ExecuteWithProtection(context.Background(), model, fastRetry(0), func(ctx context.Context) (interface{}, error) {
			return nil, NewHTTPError(503, "unavailable", "")
		})
	}
}

func TestProtectionManager_OpenCircuitWaitsForContext(t *testing.T) {
	pm := NewProtectionManager(nil, nil, nil)
	tripBreaker(pm, "flaky")
	require.False(t, pm.IsModelAvailable("flaky"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	called := false
	_, err := pm.ExecuteWithProtection(ctx, "flaky", fastRetry(2), func(ctx context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	pm.ResetModel("flaky")
	assert.True(t, pm.IsModelAvailable("flaky"))
}

func TestProtectionManager_OpenCircuitRecovers(t *testing.T) {
	config := DefaultCircuitBreakerConfig()
	config.Timeout = 30 * time.Millisecond
	pm := NewProtectionManager(nil, nil, nil).WithCircuitBreaker(config)
	tripBreaker(pm, "flaky")
	require.False(t, pm.IsModelAvailable("flaky"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := pm.ExecuteWithProtection(ctx, "flaky", fastRetry(0), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, pm.IsModelAvailable("flaky"))
}

func TestProtectionManager_FatalErrorsKeepCircuitClosed(t *testing.T) {
	pm := NewProtectionManager(nil, nil, nil)

	for i := 0; i < 10; i++ {
		_, err := pm.ExecuteWithProtection(context.Background(), "shared", fastRetry(3), func(ctx context.Context) (interface{}, error) {
			return nil, core.Fatal(errors.New("malformed"))
		})
		require.ErrorIs(t, err, core.ErrOracleFatal)
	}

	result, err := pm.ExecuteWithProtection(context.Background(), "shared", fastRetry(0), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestProtectionManager_PanicsPassThrough(t *testing.T) {
	pm := NewProtectionManager(nil, nil, nil)

	for i := 0; i < 6; i++ {
		assert.PanicsWithValue(t, "oracle exploded", func() {
			_, _ = pm.ExecuteWithProtection(context.Background(), "m", fastRetry(0), func(ctx context.Context) (interface{}, error) {
				panic("oracle exploded")
			})
		})
	}
	assert.True(t, pm.IsModelAvailable("m"))
}

func TestProtectionManager_RateLimitHonoursContext(t *testing.T) {
	pm := NewProtectionManager(NewRateLimiter(0.1, 1), nil, nil)

	_, err := pm.ExecuteWithProtection(context.Background(), "m", fastRetry(0), func(ctx context.Context) (interface{}, error) {
		return "first", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pm.ExecuteWithProtection(ctx, "m", fastRetry(0), func(ctx context.Context) (interface{}, error) {
		return "second", nil
	})
	assert.Error(t, err)

	stats := pm.GetStats("m")
	assert.Equal(t, "m", stats["model_id"])
}
