package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/mermend/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitStats is a diagnostic snapshot of one renderer's breaker.
type CircuitStats struct {
	Renderer            string `json:"renderer"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// circuitBreaker tracks failure state for a single renderer.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-renderer circuit breakers. Only
// infrastructure failures (IsRetryableError) count against a renderer; a
// definition the renderer rejects says nothing about the renderer's health.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a render with the given renderer is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN DiagramError if the circuit is open.
func (r *CircuitBreakerRegistry) AllowRequest(renderer string) error {
	cb := r.getOrCreate(renderer)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"renderer %q unavailable: %d consecutive failures", renderer, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"renderer":             renderer,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"renderer %q half-open: max test renders reached", renderer).
				WithDetails(map[string]any{"renderer": renderer, "state": cb.state.String()})
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// Record feeds a render outcome into the renderer's breaker and returns the
// new state. Errors that do not indict the renderer leave it untouched.
func (r *CircuitBreakerRegistry) Record(renderer string, err error) CircuitState {
	switch {
	case err == nil:
		r.RecordSuccess(renderer)
	case IsRetryableError(err):
		return r.RecordFailure(renderer)
	default:
		// The renderer answered, so a half-open probe succeeded.
		r.RecordSuccess(renderer)
	}
	return r.GetState(renderer)
}

// RecordSuccess records a successful render for the renderer.
func (r *CircuitBreakerRegistry) RecordSuccess(renderer string) {
	cb := r.getOrCreate(renderer)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed render for the renderer.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(renderer string) CircuitState {
	cb := r.getOrCreate(renderer)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a renderer.
func (r *CircuitBreakerRegistry) GetState(renderer string) CircuitState {
	cb := r.getOrCreate(renderer)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a renderer's breaker.
func (r *CircuitBreakerRegistry) GetStats(renderer string) CircuitStats {
	cb := r.getOrCreate(renderer)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats(renderer)
}

// Snapshot returns the stats of every breaker seen so far, sorted by renderer.
func (r *CircuitBreakerRegistry) Snapshot() []CircuitStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]CircuitStats, 0, len(names))
	for _, name := range names {
		out = append(out, r.GetStats(name))
	}
	return out
}

func (cb *circuitBreaker) stats(renderer string) CircuitStats {
	return CircuitStats{
		Renderer:            renderer,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    cb.config.FailureThreshold,
		Cooldown:            cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(renderer string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[renderer]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[renderer] = cb
	}
	return cb
}
