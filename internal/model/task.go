package model

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether no further transition is possible from s
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// Priority bounds for task requests
const (
	PriorityMin     = 1
	PriorityMax     = 5
	PriorityDefault = 1
)

// ErrInvalidRequest is returned when a task request fails validation
var ErrInvalidRequest = errors.New("invalid task request")

// TaskRequest represents an incoming unit of work to be routed to a downstream agent
type TaskRequest struct {
	Pattern     string            `json:"pattern"`
	Payload     map[string]any    `json:"payload"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

// Validate normalizes defaults and rejects malformed requests. A request that
// fails validation never reaches the queue or the registry.
func (r *TaskRequest) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: pattern must not be empty", ErrInvalidRequest)
	}
	if r.Priority == 0 {
		r.Priority = PriorityDefault
	}
	if r.Priority < PriorityMin || r.Priority > PriorityMax {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalidRequest, r.Priority, PriorityMin, PriorityMax)
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	return nil
}

// TaskRecord tracks the full lifecycle of a submitted task. Records are owned
// by the registry and mutated only through its transitions.
type TaskRecord struct {
	TaskID   string      `json:"task_id"`
	Request  TaskRequest `json:"request"`
	Agent    string      `json:"agent"`
	Endpoint string      `json:"endpoint"`
	Status   TaskStatus  `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
	AttemptCount int    `json:"attempt_count"`
}
