package limiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests uint32                             `json:"max_requests"`
	Interval    time.Duration                      `json:"interval"`
	Timeout     time.Duration                      `json:"timeout"`
	ReadyToTrip func(counts gobreaker.Counts) bool `json:"-"`

	// IsSuccessful decides which errors count against the model. Nil
	// means only upstream failures do.
	IsSuccessful func(err error) bool `json:"-"`
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Open circuit if failure rate is > 50% and we have at least 5 requests
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !UpstreamFailure(err)
		},
	}
}

// UpstreamFailure reports whether err says the model endpoint itself is
// unhealthy: a retryable HTTP status or a transient oracle error. Fatal
// oracle errors belong to the request that caused them.
func UpstreamFailure(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return IsRetryableHTTPError(httpErr.StatusCode)
	}
	return core.IsTransient(err)
}

// StateChangeFunc is notified of breaker transitions.
type StateChangeFunc func(name string, from, to gobreaker.State)

// CircuitBreakerManager manages one circuit breaker per model
type CircuitBreakerManager struct {
	breakers      map[string]*gobreaker.CircuitBreaker
	config        *CircuitBreakerConfig
	onStateChange StateChangeFunc
	mu            sync.Mutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config *CircuitBreakerConfig, onStateChange StateChangeFunc) *CircuitBreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.IsSuccessful == nil {
		withDefault := *config
		withDefault.IsSuccessful = DefaultCircuitBreakerConfig().IsSuccessful
		config = &withDefault
	}
	return &CircuitBreakerManager{
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		config:        config,
		onStateChange: onStateChange,
	}
}

// GetBreaker returns or creates a circuit breaker for a model
func (cbm *CircuitBreakerManager) GetBreaker(modelID string) *gobreaker.CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[modelID]; exists {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         fmt.Sprintf("oracle-%s", modelID),
		MaxRequests:  cbm.config.MaxRequests,
		Interval:     cbm.config.Interval,
		Timeout:      cbm.config.Timeout,
		ReadyToTrip:  cbm.config.ReadyToTrip,
		IsSuccessful: cbm.config.IsSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if cbm.onStateChange != nil {
				cbm.onStateChange(name, from, to)
			}
		},
	})

	cbm.breakers[modelID] = breaker
	return breaker
}

// Execute executes a function through the circuit breaker. A panic in fn
// is not held against the model; it is re-raised once the breaker has
// recorded the call.
func (cbm *CircuitBreakerManager) Execute(modelID string, fn func() (interface{}, error)) (interface{}, error) {
	var panicked interface{}
	result, err := cbm.GetBreaker(modelID).Execute(func() (res interface{}, err error) {
		defer func() {
			panicked = recover()
		}()
		return fn()
	})
	if panicked != nil {
		panic(panicked)
	}
	return result, err
}

// GetState returns the current state of a circuit breaker
func (cbm *CircuitBreakerManager) GetState(modelID string) gobreaker.State {
	return cbm.GetBreaker(modelID).State()
}

// GetStats returns circuit breaker statistics for a model
func (cbm *CircuitBreakerManager) GetStats(modelID string) map[string]interface{} {
	breaker := cbm.GetBreaker(modelID)
	counts := breaker.Counts()

	return map[string]interface{}{
		"model_id":             modelID,
		"state":                breaker.State().String(),
		"requests":             counts.Requests,
		"total_success":        counts.TotalSuccesses,
		"total_failures":       counts.TotalFailures,
		"consecutive_success":  counts.ConsecutiveSuccesses,
		"consecutive_failures": counts.ConsecutiveFailures,
	}
}

// Reset drops the breaker for a model
func (cbm *CircuitBreakerManager) Reset(modelID string) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	delete(cbm.breakers, modelID)
}

// IsOpen checks if the circuit breaker is open for a model
func (cbm *CircuitBreakerManager) IsOpen(modelID string) bool {
	return cbm.GetState(modelID) == gobreaker.StateOpen
}
