package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry hands out one breaker per downstream agent name. The breaker is a
// singleton gate shared by all workers dispatching to that agent.
type Registry struct {
	logger    *zap.Logger
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared settings
func NewRegistry(threshold int, timeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		threshold: threshold,
		timeout:   timeout,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker for agent, creating it on first use
func (r *Registry) For(agent string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[agent]
	if !ok {
		b = New(agent, r.threshold, r.timeout, r.logger)
		r.breakers[agent] = b
	}
	return b
}

// States returns a snapshot of all known breaker states
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for agent, b := range r.breakers {
		states[agent] = b.State()
	}
	return states
}
