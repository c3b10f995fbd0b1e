package model

// HealthState is the aggregate health classification of the orchestrator
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateDegraded HealthState = "degraded"
)

// HealthSnapshot is an on-demand aggregate view of system health.
// It is recomputed per request and never persisted.
type HealthSnapshot struct {
	Status        HealthState `json:"status"`
	AgentsTotal   int         `json:"agents_total"`
	AgentsHealthy int         `json:"agents_healthy"`
	ActiveTasks   int         `json:"active_tasks"`
	QueueSize     int         `json:"queue_size"`
}
