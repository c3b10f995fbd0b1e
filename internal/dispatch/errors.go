package dispatch

import "errors"

var (
	// ErrCircuitOpen is returned when the target agent's breaker refuses the call
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited is returned when the token bucket has no capacity
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAgentUnavailable is returned when the target agent failed its last health probe
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrDownstream is returned for transport failures and non-2xx agent responses
	ErrDownstream = errors.New("downstream call failed")

	// ErrDispatchTimeout is returned when a single call attempt exceeds its timeout
	ErrDispatchTimeout = errors.New("dispatch attempt timed out")

	// ErrBudgetExhausted is returned when the task's total time budget elapsed
	ErrBudgetExhausted = errors.New("task time budget exhausted")
)
