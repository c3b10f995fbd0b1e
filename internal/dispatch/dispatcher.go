package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/breaker"
	"github.com/corelearn/orchestrator/internal/metrics"
	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/ratelimit"
	"github.com/corelearn/orchestrator/internal/registry"
)

// AgentAvailability reports whether an agent passed its last health probe
type AgentAvailability interface {
	Available(agent string) bool
}

// Config holds the dispatcher's routing and retry settings
type Config struct {
	// agent name -> base URL
	AgentURLs map[string]string

	// agent name -> fallback agent for reroute after delivery failure
	Fallbacks map[string]string

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// AttemptTimeout bounds a single downstream call
	AttemptTimeout time.Duration

	// TaskBudget bounds the whole dispatch including retries; a per-task
	// timeout on the request overrides it
	TaskBudget time.Duration

	Backoff RetryStrategy
}

// Dispatcher delivers queued tasks to downstream agents. Admission runs in
// order: health probe result, circuit breaker, rate limiter. The breaker is
// consulted again before every retry; the rate limiter charges one token per
// task, not per attempt.
type Dispatcher struct {
	logger *zap.Logger
	client *http.Client
	cfg    Config

	breakers     *breaker.Registry
	limiter      *ratelimit.Limiter
	availability AgentAvailability
	registry     *registry.Registry
	metrics      *metrics.Collector
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config, breakers *breaker.Registry, limiter *ratelimit.Limiter, availability AgentAvailability, reg *registry.Registry, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	// Per-attempt deadlines come from the request context, not the client.
	return &Dispatcher{
		logger:       logger.Named("dispatcher"),
		client:       &http.Client{},
		cfg:          cfg,
		breakers:     breakers,
		limiter:      limiter,
		availability: availability,
		registry:     reg,
		metrics:      collector,
	}
}

// Dispatch delivers one task and drives it to a terminal state. The returned
// record is the task's final snapshot; delivery errors are recorded on the
// task, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, rec model.TaskRecord) model.TaskRecord {
	if err := d.registry.MarkRunning(rec.TaskID); err != nil {
		// Finished while queued, e.g. cancelled. Nothing to deliver.
		d.logger.Debug("Skipping dispatch",
			zap.String("task_id", rec.TaskID),
			zap.Error(err))
		return d.snapshot(rec)
	}

	result, err := d.execute(ctx, rec.Agent, rec)

	if err != nil && d.canReroute(rec.Agent, err) {
		fallback := d.cfg.Fallbacks[rec.Agent]
		d.logger.Warn("Rerouting task to fallback agent",
			zap.String("task_id", rec.TaskID),
			zap.String("from", rec.Agent),
			zap.String("to", fallback),
			zap.Error(err))
		result, err = d.execute(ctx, fallback, rec)
	}

	switch {
	case err == nil:
		d.registry.Complete(rec.TaskID, result)
	case errors.Is(err, ErrBudgetExhausted):
		d.registry.Timeout(rec.TaskID, err.Error())
	default:
		d.registry.Fail(rec.TaskID, err.Error())
	}

	final := d.snapshot(rec)
	d.metrics.TaskFinished(string(final.Status))
	d.metrics.SetBreakerState(rec.Agent, float64(d.breakers.For(rec.Agent).State()))

	d.logger.Info("Task dispatched",
		zap.String("task_id", final.TaskID),
		zap.String("agent", final.Agent),
		zap.String("status", string(final.Status)),
		zap.Int("attempts", final.AttemptCount))

	return final
}

// canReroute reports whether err qualifies for the one-shot fallback reroute.
// Rate limiting and budget exhaustion stay with the primary agent.
func (d *Dispatcher) canReroute(agent string, err error) bool {
	fallback, ok := d.cfg.Fallbacks[agent]
	if !ok || fallback == agent {
		return false
	}
	return errors.Is(err, ErrDownstream) ||
		errors.Is(err, ErrDispatchTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrAgentUnavailable)
}

// execute runs admission control and the attempt loop against one agent
func (d *Dispatcher) execute(ctx context.Context, agent string, rec model.TaskRecord) (any, error) {
	baseURL, ok := d.cfg.AgentURLs[agent]
	if !ok {
		return nil, fmt.Errorf("%w: no URL configured for %s", ErrAgentUnavailable, agent)
	}

	budget := d.cfg.TaskBudget
	if rec.Request.Timeout > 0 {
		budget = rec.Request.Timeout
	}
	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if !d.availability.Available(agent) {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, agent)
	}

	br := d.breakers.For(agent)
	if !br.CanExecute() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, agent)
	}

	allowed, err := d.limiter.Acquire(budgetCtx, agent, rec.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		d.metrics.RateLimited(agent)
		return nil, fmt.Errorf("%w: %s%s", ErrRateLimited, agent, rec.Endpoint)
	}

	url := baseURL + rec.Endpoint
	var lastErr error

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.cfg.Backoff.NextRetry(attempt - 1)):
			case <-budgetCtx.Done():
				return nil, fmt.Errorf("%w: %v", ErrBudgetExhausted, lastErr)
			}

			// The breaker may have opened mid-task.
			if !br.CanExecute() {
				return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, agent)
			}
		}

		d.registry.IncrementAttempts(rec.TaskID)
		d.metrics.DispatchAttempt(agent)

		result, callErr := d.call(budgetCtx, url, rec)
		if callErr == nil {
			br.RecordSuccess()
			return result, nil
		}

		br.RecordFailure()
		lastErr = callErr

		if budgetCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrBudgetExhausted, callErr)
		}

		d.logger.Warn("Dispatch attempt failed",
			zap.String("task_id", rec.TaskID),
			zap.String("agent", agent),
			zap.Int("attempt", attempt+1),
			zap.Error(callErr))
	}

	return nil, lastErr
}

// dispatchPayload is the request body sent to downstream agents
type dispatchPayload struct {
	TaskID   string            `json:"task_id"`
	Pattern  string            `json:"pattern"`
	Payload  map[string]any    `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// call performs a single POST to the agent endpoint
func (d *Dispatcher) call(ctx context.Context, url string, rec model.TaskRecord) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	body, err := json.Marshal(dispatchPayload{
		TaskID:   rec.TaskID,
		Pattern:  rec.Request.Pattern,
		Payload:  rec.Request.Payload,
		Metadata: rec.Request.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrDispatchTimeout, url)
		}
		return nil, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d from %s", ErrDownstream, resp.StatusCode, url)
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: invalid response body: %v", ErrDownstream, err)
	}
	return result, nil
}

// snapshot returns the registry's current view of the task, falling back to
// the caller's copy if the record vanished
func (d *Dispatcher) snapshot(rec model.TaskRecord) model.TaskRecord {
	current, err := d.registry.Get(rec.TaskID)
	if err != nil {
		return rec
	}
	return current
}
