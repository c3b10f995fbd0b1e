package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Limit describes one token bucket: Rate tokens per second refill, up to
// Burst capacity.
type Limit struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// BucketStore performs a single atomic token-bucket acquire for a key. The
// store may be process-local or shared (Redis) to coordinate limits across
// orchestrator replicas; the acquire contract is identical either way.
type BucketStore interface {
	// Acquire refills the bucket at key for the elapsed time and consumes one
	// token if available, reporting whether the call is admitted.
	Acquire(ctx context.Context, key string, limit Limit) (bool, error)
}

// Limiter is the per-(agent, endpoint) admission gate. Buckets are keyed
// independently, so exhausting one bucket never affects another.
type Limiter struct {
	logger       *zap.Logger
	store        BucketStore
	defaultLimit Limit
	overrides    map[string]Limit // endpoint -> stricter/looser limit
}

// NewLimiter creates a rate limiter backed by store. Endpoint overrides take
// precedence over the default limit (e.g. tighter budgets for
// authentication-adjacent endpoints).
func NewLimiter(store BucketStore, defaultLimit Limit, overrides map[string]Limit, logger *zap.Logger) *Limiter {
	if overrides == nil {
		overrides = make(map[string]Limit)
	}
	return &Limiter{
		logger:       logger.Named("rate-limiter"),
		store:        store,
		defaultLimit: defaultLimit,
		overrides:    overrides,
	}
}

// Acquire attempts to take one token for the (agent, endpoint) bucket.
// Non-blocking: a false result means the caller must not consume the slot.
func (l *Limiter) Acquire(ctx context.Context, agent, endpoint string) (bool, error) {
	limit := l.defaultLimit
	if override, ok := l.overrides[endpoint]; ok {
		limit = override
	}

	key := fmt.Sprintf("%s:%s", agent, endpoint)
	allowed, err := l.store.Acquire(ctx, key, limit)
	if err != nil {
		return false, fmt.Errorf("bucket store acquire for %s: %w", key, err)
	}

	if !allowed {
		l.logger.Debug("Rate limit exceeded",
			zap.String("agent", agent),
			zap.String("endpoint", endpoint),
			zap.Float64("rate", limit.Rate),
			zap.Int("burst", limit.Burst))
	}
	return allowed, nil
}
