package errors

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// CircuitBreaker trips after repeated failures against a single named
// external dependency (e.g. "github-api", "llm-provider"), so an agent
// backed by a flaky downstream service fails fast instead of burning a
// task's whole attempt budget one timeout at a time.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a named, closed circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, config: config, state: StateClosed}
}

// Allow reports whether a call may proceed, returning a TransientError if
// the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successCount = 0
			return nil
		}
		return NewTransient(fmt.Errorf("circuit breaker %q open", cb.name))
	default:
		return nil
	}
}

// Mark records the outcome of a call permitted by Allow.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failureCount = 0
			}
		case StateClosed:
			cb.failureCount = 0
		}
		return
	}

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Manager hands out named circuit breakers, creating them lazily.
type Manager struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewManager creates a Manager that constructs breakers with config.
func NewManager(config CircuitBreakerConfig) *Manager {
	return &Manager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the named breaker, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.config)
	m.breakers[name] = cb
	return cb
}
