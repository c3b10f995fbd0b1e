package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state
type State int

const (
	// StateClosed allows all calls (normal operation)
	StateClosed State = iota
	// StateHalfOpen admits a trial call after the open timeout
	StateHalfOpen
	// StateOpen rejects all calls until the timeout elapses
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a per-agent failure gate. Callers must check CanExecute before
// dispatching and report the outcome with RecordSuccess/RecordFailure; a
// dispatch timeout counts as a failure.
type Breaker struct {
	logger    *zap.Logger
	threshold int
	timeout   time.Duration

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// probes recovery after timeout.
func New(agent string, threshold int, timeout time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		logger:    logger.Named("breaker").With(zap.String("agent", agent)),
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
	}
}

// CanExecute reports whether a call may be attempted. When the breaker is
// OPEN and the timeout has elapsed, the call transitions it to HALF_OPEN and
// admits a single trial.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.logger.Info("Circuit breaker half-open, admitting trial call")
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.logger.Info("Circuit breaker closed after successful trial")
	}
}

// RecordFailure reports a failed or timed-out call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.logger.Warn("Circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.threshold))
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.logger.Warn("Circuit breaker reopened after failed trial")
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
