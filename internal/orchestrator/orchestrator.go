package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/breaker"
	"github.com/corelearn/orchestrator/internal/config"
	"github.com/corelearn/orchestrator/internal/dispatch"
	"github.com/corelearn/orchestrator/internal/health"
	"github.com/corelearn/orchestrator/internal/metrics"
	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/notify"
	"github.com/corelearn/orchestrator/internal/queue"
	"github.com/corelearn/orchestrator/internal/ratelimit"
	"github.com/corelearn/orchestrator/internal/registry"
	"github.com/corelearn/orchestrator/internal/routing"
)

// ErrNotCancellable is returned when a task has already been handed to a
// worker or reached a terminal state
var ErrNotCancellable = errors.New("task is no longer cancellable")

// Orchestrator wires the routing table, admission control, queue, workers
// and notification sinks into one task pipeline.
type Orchestrator struct {
	logger *zap.Logger
	cfg    *config.Config

	table      *routing.Table
	queue      *queue.PriorityDispatchQueue
	registry   *registry.Registry
	breakers   *breaker.Registry
	health     *health.Monitor
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	metrics    *metrics.Collector

	redisClient *redis.Client

	workerCtx    context.Context
	workerCancel context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// New builds an orchestrator from configuration. js may be nil to run
// without the task event bus.
func New(cfg *config.Config, js nats.JetStreamContext, logger *zap.Logger) (*Orchestrator, error) {
	table, err := routing.NewTable(cfg.RoutingRules, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing table: %w", err)
	}

	notifier, err := notify.NewNotifier(js, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Registry.TTL, logger)
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout, logger)
	monitor := health.NewMonitor(cfg.Agents, cfg.Health.Interval, cfg.Health.HealthyThreshold, logger)
	collector := metrics.NewCollector(logger)

	var redisClient *redis.Client
	var store ratelimit.BucketStore
	if cfg.RateLimiting.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimiting.RedisAddr})
		store = ratelimit.NewRedisStore(redisClient, "")
		logger.Info("Rate limiting backed by Redis", zap.String("addr", cfg.RateLimiting.RedisAddr))
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(store, cfg.RateLimiting.Default, cfg.RateLimiting.Endpoints, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		AgentURLs:      cfg.Agents,
		Fallbacks:      cfg.ErrorRecovery.Fallbacks,
		MaxRetries:     cfg.Retry.MaxRetries,
		AttemptTimeout: cfg.Timeouts.Dispatch,
		TaskBudget:     cfg.Timeouts.TaskBudget,
		Backoff: &dispatch.ExponentialBackoff{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
	}, breakers, limiter, monitor, reg, collector, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		logger:       logger.Named("orchestrator"),
		cfg:          cfg,
		table:        table,
		queue:        queue.New(cfg.Queue.MaxSize, logger),
		registry:     reg,
		breakers:     breakers,
		health:       monitor,
		dispatcher:   dispatcher,
		notifier:     notifier,
		metrics:      collector,
		redisClient:  redisClient,
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
	}, nil
}

// Start launches the health monitor, the registry sweeper and the worker pool
func (o *Orchestrator) Start() {
	o.health.Start()
	o.registry.StartSweeper(o.cfg.Registry.SweepEvery)

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	o.logger.Info("Orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Int("queue_capacity", o.cfg.Queue.MaxSize),
		zap.Int("routing_rules", o.table.Size()))
}

// Stop drains the pipeline. Queued entries are still dispatched; new
// submissions should be stopped by the caller first.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.logger.Info("Stopping orchestrator")

		o.queue.Close()
		o.wg.Wait()
		o.workerCancel()

		o.health.Stop()
		o.registry.StopSweeper()
		if o.redisClient != nil {
			o.redisClient.Close()
		}

		o.logger.Info("Orchestrator stopped")
	})
}

// worker consumes the queue until it is closed
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	logger := o.logger.With(zap.Int("worker", id))
	logger.Debug("Worker started")

	for {
		entry, err := o.queue.Dequeue(o.workerCtx)
		if err != nil {
			logger.Debug("Worker exiting", zap.Error(err))
			return
		}

		rec, err := o.registry.Get(entry.TaskID)
		if err != nil {
			logger.Warn("Queued task vanished from registry", zap.String("task_id", entry.TaskID))
			continue
		}

		// In-flight tasks run to completion during shutdown; the task
		// budget bounds how long that can take.
		final := o.dispatcher.Dispatch(context.Background(), rec)
		o.notifier.TaskFinished(context.Background(), final)
		o.updateGauges()
	}
}

// Submit validates, routes and enqueues a task request
func (o *Orchestrator) Submit(req model.TaskRequest) (model.TaskRecord, error) {
	if err := req.Validate(); err != nil {
		return model.TaskRecord{}, err
	}

	rule, err := o.table.Route(req.Pattern)
	if err != nil {
		return model.TaskRecord{}, err
	}

	rec := o.registry.Create(req, rule.TargetAgent, rule.Endpoint)

	if err := o.queue.Enqueue(rec.TaskID, req.Priority, req.Payload); err != nil {
		// Admission failed; the record must not linger as a phantom task.
		o.registry.Delete(rec.TaskID)
		return model.TaskRecord{}, err
	}

	o.metrics.TaskSubmitted(req.Pattern)
	o.updateGauges()

	o.logger.Info("Task submitted",
		zap.String("task_id", rec.TaskID),
		zap.String("pattern", req.Pattern),
		zap.String("agent", rule.TargetAgent),
		zap.Int("priority", req.Priority))

	return rec, nil
}

// GetTask returns the current record for a task id
func (o *Orchestrator) GetTask(taskID string) (model.TaskRecord, error) {
	return o.registry.Get(taskID)
}

// Aggregate collects terminal outcomes for a batch of task ids
func (o *Orchestrator) Aggregate(taskIDs []string) registry.AggregateResult {
	return o.registry.Aggregate(taskIDs)
}

// Cancel withdraws a task that is still queued. Tasks already handed to a
// worker or already terminal are not cancellable.
func (o *Orchestrator) Cancel(taskID string) (model.TaskRecord, error) {
	if _, err := o.registry.Get(taskID); err != nil {
		return model.TaskRecord{}, err
	}

	if !o.queue.Remove(taskID) {
		return model.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotCancellable, taskID)
	}

	if err := o.registry.Fail(taskID, "cancelled by client"); err != nil {
		return model.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotCancellable, taskID)
	}

	o.metrics.TaskFinished(string(model.TaskStatusFailed))
	o.updateGauges()

	o.logger.Info("Task cancelled", zap.String("task_id", taskID))
	return o.registry.Get(taskID)
}

// Health returns the aggregate health snapshot
func (o *Orchestrator) Health() model.HealthSnapshot {
	return o.health.Snapshot(o.registry.ActiveCount(), o.queue.Size())
}

// MetricsView is the JSON metrics surface
type MetricsView struct {
	Tasks       map[model.TaskStatus]int `json:"tasks"`
	QueueSize   int                      `json:"queue_size"`
	ActiveTasks int                      `json:"active_tasks"`
	Breakers    map[string]string        `json:"breakers"`
	System      metrics.SystemStats      `json:"system"`
}

// Metrics builds the JSON metrics view
func (o *Orchestrator) Metrics() (MetricsView, error) {
	system, err := o.metrics.SystemStats()
	if err != nil {
		return MetricsView{}, err
	}

	breakers := make(map[string]string)
	for agent, state := range o.breakers.States() {
		breakers[agent] = state.String()
	}

	return MetricsView{
		Tasks:       o.registry.Counts(),
		QueueSize:   o.queue.Size(),
		ActiveTasks: o.registry.ActiveCount(),
		Breakers:    breakers,
		System:      system,
	}, nil
}

// PrometheusHandler exposes the Prometheus scrape endpoint
func (o *Orchestrator) PrometheusHandler() http.Handler {
	return o.metrics.Handler()
}

func (o *Orchestrator) updateGauges() {
	o.metrics.SetQueueSize(o.queue.Size())
	o.metrics.SetActiveTasks(o.registry.ActiveCount())
}
