// Package resilience provides the circuit breakers and retry helpers used by
// the collaboration core: a gobreaker-backed registry for guarding calls to
// external collaborators, a connection breaker for the transport's reconnect
// loop, and exponential-backoff retry.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/slotboard/collab/pkg/observability"
)

// BreakerConfig holds configuration for a named circuit breaker
type BreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// DefaultBreakerConfig returns sensible defaults for collaborator calls
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  5,
		Interval:     30 * time.Second,
		Timeout:      60 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerRegistry manages named gobreaker instances, creating them on demand
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   BreakerConfig
	logger   observability.Logger
}

// NewBreakerRegistry creates a registry using config as the template for new breakers
func NewBreakerRegistry(config BreakerConfig, logger observability.Logger) *BreakerRegistry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker with the given name, creating it if needed
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.config
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker, honoring context cancellation
func (r *BreakerRegistry) Execute(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := r.Get(name)

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		result, err := cb.Execute(fn)
		resultCh <- outcome{result, err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
