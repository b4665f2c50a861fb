package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// BreakerState represents the state of the circuit breaker
type BreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed BreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where exactly one operation is allowed to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// CircuitBreaker implements the circuit breaker pattern around one remote
// dependency. Never share an instance across dependencies: a failing
// embedding service must not block the LLM grading service.
type CircuitBreaker struct {
	mu sync.Mutex

	name            string
	maxFailures     int
	recoveryTimeout time.Duration

	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	// trialInFlight gates half-open to a single probe call.
	trialInFlight bool

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, maxFailures int, recoveryTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		name:            name,
		maxFailures:     maxFailures,
		recoveryTimeout: recoveryTimeout,
		state:           StateClosed,
	}
	CircuitBreakerState.WithLabelValues(name).Set(0)
	return cb
}

// Execute runs op behind the breaker. When the circuit is open and the
// recovery timeout has not elapsed, it fails fast with domain.ErrCircuitOpen
// without invoking op. In half-open, exactly one trial call is let through;
// its success closes the circuit, its failure reopens it.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	if err := op(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.recoveryTimeout {
			return fmt.Errorf("op=breaker.%s: %w", cb.name, domain.ErrCircuitOpen)
		}
		cb.setState(StateHalfOpen)
		cb.trialInFlight = true
		slog.Info("circuit breaker transitioning to half-open",
			slog.String("dependency", cb.name),
			slog.Duration("recovery_timeout", cb.recoveryTimeout))
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return fmt.Errorf("op=breaker.%s: trial in flight: %w", cb.name, domain.ErrCircuitOpen)
		}
		cb.trialInFlight = true
		return nil
	default:
		return fmt.Errorf("op=breaker.%s: %w", cb.name, domain.ErrCircuitOpen)
	}
}

// RecordSuccess records a successful operation and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
		cb.setState(StateClosed)
		slog.Info("circuit breaker closed after successful trial",
			slog.String("dependency", cb.name))
	}
}

// RecordFailure records a failed operation. A timeout is treated identically
// to any other error by callers.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.String("dependency", cb.name),
				slog.Int("failure_count", cb.failureCount),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.setState(StateOpen)
		slog.Warn("circuit breaker reopened after failed trial",
			slog.String("dependency", cb.name))
	}
}

// setState mutates state under the caller's lock and keeps the gauge in sync.
func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.stateChanges++
	CircuitBreakerState.WithLabelValues(cb.name).Set(float64(s))
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns circuit breaker statistics.
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	successRate := float64(0)
	if cb.totalRequests > 0 {
		successRate = float64(cb.totalSuccesses) / float64(cb.totalRequests) * 100
	}
	return map[string]interface{}{
		"dependency":       cb.name,
		"state":            cb.state.String(),
		"max_failures":     cb.maxFailures,
		"recovery_timeout": cb.recoveryTimeout.String(),
		"failure_count":    cb.failureCount,
		"total_requests":   cb.totalRequests,
		"total_failures":   cb.totalFailures,
		"total_successes":  cb.totalSuccesses,
		"success_rate":     successRate,
		"state_changes":    cb.stateChanges,
		"last_failure":     cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}

	slog.Info("circuit breaker reset to closed state", slog.String("dependency", cb.name))
}
