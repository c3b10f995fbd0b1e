package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Collector holds the orchestrator's Prometheus instruments. Each collector
// owns its registry so multiple instances never collide on registration.
type Collector struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	tasksSubmitted   *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	queueSize        prometheus.Gauge
	activeTasks      prometheus.Gauge
}

// NewCollector creates a collector with a private Prometheus registry
func NewCollector(logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		logger:   logger.Named("metrics"),
		registry: reg,

		tasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_submitted_total",
			Help: "Tasks admitted to the queue, by request pattern.",
		}, []string{"pattern"}),

		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_finished_total",
			Help: "Tasks that reached a terminal state, by status.",
		}, []string{"status"}),

		dispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dispatch_attempts_total",
			Help: "Downstream call attempts, by agent.",
		}, []string{"agent"}),

		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_rate_limited_total",
			Help: "Tasks rejected by the rate limiter, by agent.",
		}, []string{"agent"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_breaker_state",
			Help: "Circuit breaker state per agent (0 closed, 1 half-open, 2 open).",
		}, []string{"agent"}),

		queueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_size",
			Help: "Tasks currently waiting in the priority queue.",
		}),

		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_tasks",
			Help: "Tasks in a non-terminal state.",
		}),
	}
}

// TaskSubmitted records a successful admission
func (c *Collector) TaskSubmitted(pattern string) {
	c.tasksSubmitted.WithLabelValues(pattern).Inc()
}

// TaskFinished records a terminal transition
func (c *Collector) TaskFinished(status string) {
	c.tasksFinished.WithLabelValues(status).Inc()
}

// DispatchAttempt records one downstream call attempt
func (c *Collector) DispatchAttempt(agent string) {
	c.dispatchAttempts.WithLabelValues(agent).Inc()
}

// RateLimited records a rate limiter rejection
func (c *Collector) RateLimited(agent string) {
	c.rateLimited.WithLabelValues(agent).Inc()
}

// SetBreakerState records the current breaker state for an agent
func (c *Collector) SetBreakerState(agent string, state float64) {
	c.breakerState.WithLabelValues(agent).Set(state)
}

// SetQueueSize records the current queue depth
func (c *Collector) SetQueueSize(n int) {
	c.queueSize.Set(float64(n))
}

// SetActiveTasks records the current number of non-terminal tasks
func (c *Collector) SetActiveTasks(n int) {
	c.activeTasks.Set(float64(n))
}

// Handler exposes the collector's registry in Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SystemStats is a point-in-time snapshot of host resource usage
type SystemStats struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	Goroutines    int       `json:"goroutines"`
}

// SystemStats samples host CPU and memory usage
func (c *Collector) SystemStats() (SystemStats, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return SystemStats{}, err
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return SystemStats{}, err
	}

	stats := SystemStats{
		Timestamp:     time.Now(),
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsedMB:  memInfo.Used / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	return stats, nil
}
