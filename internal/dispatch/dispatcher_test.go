package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/breaker"
	"github.com/corelearn/orchestrator/internal/metrics"
	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/ratelimit"
	"github.com/corelearn/orchestrator/internal/registry"
)

type stubAvailability map[string]bool

func (s stubAvailability) Available(agent string) bool {
	up, ok := s[agent]
	return !ok || up
}

type testEnv struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	breakers   *breaker.Registry
}

func newTestEnv(t *testing.T, cfg Config, limit ratelimit.Limit, availability AgentAvailability) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(0, logger)
	breakers := breaker.NewRegistry(3, time.Minute, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limit, nil, logger)

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = time.Second
	}
	if cfg.TaskBudget == 0 {
		cfg.TaskBudget = 5 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	if availability == nil {
		availability = stubAvailability{}
	}

	d := NewDispatcher(cfg, breakers, limiter, availability, reg, metrics.NewCollector(logger), logger)
	return &testEnv{dispatcher: d, registry: reg, breakers: breakers}
}

func (e *testEnv) createTask(t *testing.T, agent, endpoint string) model.TaskRecord {
	t.Helper()
	req := model.TaskRequest{Pattern: "upload_pdf", Payload: map[string]any{"doc": "a.pdf"}}
	require.NoError(t, req.Validate())
	return e.registry.Create(req, agent, endpoint)
}

func generousLimit() ratelimit.Limit {
	return ratelimit.Limit{Rate: 1000, Burst: 1000}
}

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ingest", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pages": 12}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}}, generousLimit(), nil)
	rec := env.createTask(t, "content-ingestion", "/ingest")

	final := env.dispatcher.Dispatch(context.Background(), rec)

	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"pages": float64(12)}, final.Result)
	assert.Equal(t, 1, final.AttemptCount)
	require.NotNil(t, final.FinishedAt)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}}, generousLimit(), nil)
	rec := env.createTask(t, "content-ingestion", "/ingest")

	final := env.dispatcher.Dispatch(context.Background(), rec)

	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, breaker.StateClosed, env.breakers.For("content-ingestion").State())
}

func TestDispatchRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}}, generousLimit(), nil)
	rec := env.createTask(t, "content-ingestion", "/ingest")

	final := env.dispatcher.Dispatch(context.Background(), rec)

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, 3, final.AttemptCount, "one initial attempt plus two retries")
	assert.Contains(t, final.ErrorMessage, "status 500")
}

func TestRateLimitedFailsWithoutAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}},
		ratelimit.Limit{Rate: 0.001, Burst: 1}, nil)

	first := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "content-ingestion", "/ingest"))
	assert.Equal(t, model.TaskStatusCompleted, first.Status)

	second := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "content-ingestion", "/ingest"))
	assert.Equal(t, model.TaskStatusFailed, second.Status)
	assert.Contains(t, second.ErrorMessage, "rate limit exceeded")
	assert.Equal(t, 0, second.AttemptCount)
	assert.Equal(t, int32(1), calls.Load())

	// Rejection by the limiter carries no breaker penalty.
	assert.Equal(t, 0, env.breakers.For("content-ingestion").FailureCount())
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}}, generousLimit(), nil)

	br := env.breakers.For("content-ingestion")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	final := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "content-ingestion", "/ingest"))

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "circuit breaker open")
	assert.Equal(t, 0, final.AttemptCount)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBreakerOpensMidTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Five retries allowed, but the breaker opens after three failures.
	env := newTestEnv(t, Config{
		AgentURLs:  map[string]string{"content-ingestion": srv.URL},
		MaxRetries: 5,
	}, generousLimit(), nil)

	final := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "content-ingestion", "/ingest"))

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "circuit breaker open")
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": "http://127.0.0.1:1"}},
		generousLimit(), stubAvailability{"content-ingestion": false})

	final := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "content-ingestion", "/ingest"))

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "agent unavailable")
	assert.Equal(t, 0, final.AttemptCount)
}

func TestBudgetExhaustedMarksTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{
		AgentURLs:      map[string]string{"content-ingestion": srv.URL},
		MaxRetries:     5,
		AttemptTimeout: 30 * time.Millisecond,
		Backoff:        &ExponentialBackoff{InitialDelay: 30 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Multiplier: 1},
	}, generousLimit(), nil)

	req := model.TaskRequest{Pattern: "upload_pdf", Timeout: 50 * time.Millisecond}
	require.NoError(t, req.Validate())
	rec := env.registry.Create(req, "content-ingestion", "/ingest")

	final := env.dispatcher.Dispatch(context.Background(), rec)

	assert.Equal(t, model.TaskStatusTimeout, final.Status)
	assert.Contains(t, final.ErrorMessage, "task time budget exhausted")
}

func TestFallbackReroute(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		w.Write([]byte(`{"served_by": "fallback"}`))
	}))
	defer fallback.Close()

	env := newTestEnv(t, Config{
		AgentURLs: map[string]string{
			"knowledge-graph":       primary.URL,
			"knowledge-graph-cache": fallback.URL,
		},
		Fallbacks: map[string]string{"knowledge-graph": "knowledge-graph-cache"},
	}, generousLimit(), nil)

	final := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "knowledge-graph", "/query"))

	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"served_by": "fallback"}, final.Result)
	assert.Equal(t, int32(1), fallbackCalls.Load())
	assert.Equal(t, 4, final.AttemptCount, "three attempts on primary plus one on fallback")
}

func TestNoFallbackOnRateLimit(t *testing.T) {
	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		w.Write([]byte(`"ok"`))
	}))
	defer fallback.Close()

	env := newTestEnv(t, Config{
		AgentURLs: map[string]string{
			"security-compliance": "http://127.0.0.1:1",
			"backup":              fallback.URL,
		},
		Fallbacks: map[string]string{"security-compliance": "backup"},
	}, ratelimit.Limit{Rate: 0.001, Burst: 0}, nil)

	final := env.dispatcher.Dispatch(context.Background(), env.createTask(t, "security-compliance", "/auth"))

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "rate limit exceeded")
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestFinishedWhileQueuedIsNotDispatched(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{AgentURLs: map[string]string{"content-ingestion": srv.URL}}, generousLimit(), nil)

	rec := env.createTask(t, "content-ingestion", "/ingest")
	require.NoError(t, env.registry.Fail(rec.TaskID, "cancelled"))

	final := env.dispatcher.Dispatch(context.Background(), rec)

	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)
	assert.Equal(t, int32(0), calls.Load())
}
