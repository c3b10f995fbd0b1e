package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
)

// probeTimeout bounds a single health probe so one stuck agent cannot
// delay the whole polling round.
const probeTimeout = 2 * time.Second

// Monitor polls each registered agent's health endpoint on a fixed interval
// and keeps the last observed availability per agent. An agent that has not
// been probed yet is assumed available so dispatch is not blocked at startup.
type Monitor struct {
	logger   *zap.Logger
	client   *http.Client
	interval time.Duration

	// healthy when healthy/total >= threshold
	threshold float64

	// agent name -> base URL
	agents map[string]string

	mu        sync.RWMutex
	available map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor for the given agents. The snapshot
// reports degraded when the healthy ratio drops below threshold; a threshold
// of 0 or less means every agent must be up.
func NewMonitor(agents map[string]string, interval time.Duration, threshold float64, logger *zap.Logger) *Monitor {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return &Monitor{
		logger:    logger.Named("health-monitor"),
		client:    &http.Client{Timeout: probeTimeout},
		interval:  interval,
		threshold: threshold,
		agents:    agents,
		available: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start begins the polling loop. The first round runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()

	m.logger.Info("Health monitor started",
		zap.Int("agents", len(m.agents)),
		zap.Duration("interval", m.interval))
}

// Stop terminates the polling loop and waits for it to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	m.pollOnce()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pollOnce()
		case <-m.stop:
			return
		}
	}
}

// pollOnce probes every agent and records the outcome
func (m *Monitor) pollOnce() {
	for name, baseURL := range m.agents {
		up := m.probe(baseURL)

		m.mu.Lock()
		prev, seen := m.available[name]
		m.available[name] = up
		m.mu.Unlock()

		if seen && prev != up {
			if up {
				m.logger.Info("Agent recovered", zap.String("agent", name))
			} else {
				m.logger.Warn("Agent unavailable", zap.String("agent", name), zap.String("url", baseURL))
			}
		}
	}
}

// probe performs a single GET <base>/health. Any 2xx response counts as up.
func (m *Monitor) probe(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Available reports the last observed availability of an agent. Agents never
// probed yet, including unknown names, are treated as available.
func (m *Monitor) Available(agent string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	up, seen := m.available[agent]
	if !seen {
		return true
	}
	return up
}

// HealthyCount returns how many registered agents were up at the last poll.
// Unprobed agents count as healthy.
func (m *Monitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy := 0
	for name := range m.agents {
		if up, seen := m.available[name]; !seen || up {
			healthy++
		}
	}
	return healthy
}

// Snapshot builds the overall health view
func (m *Monitor) Snapshot(activeTasks, queueSize int) model.HealthSnapshot {
	healthy := m.HealthyCount()

	status := model.HealthStateHealthy
	if len(m.agents) > 0 && float64(healthy)/float64(len(m.agents)) < m.threshold {
		status = model.HealthStateDegraded
	}

	return model.HealthSnapshot{
		Status:        status,
		AgentsTotal:   len(m.agents),
		AgentsHealthy: healthy,
		ActiveTasks:   activeTasks,
		QueueSize:     queueSize,
	}
}
