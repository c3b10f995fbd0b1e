package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned for a transition the state machine forbids
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Registry is the in-memory task lifecycle store. Records move
// QUEUED -> RUNNING -> {COMPLETED, FAILED, TIMEOUT}; transitions are
// one-directional and terminal records are immutable. Reads always return
// copies so callers observe a consistent snapshot, never a record
// mid-transition.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*model.TaskRecord

	// Optional TTL sweep of terminal records; disabled when ttl <= 0.
	ttl     time.Duration
	sweeper *cron.Cron
}

// New creates a task registry. When ttl > 0, StartSweeper reclaims terminal
// records older than ttl on the sweepEvery schedule.
func New(ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("task-registry"),
		tasks:  make(map[string]*model.TaskRecord),
		ttl:    ttl,
	}
}

// Create registers a new task in QUEUED state and returns a copy of the record
func (r *Registry) Create(req model.TaskRequest, agent, endpoint string) model.TaskRecord {
	rec := &model.TaskRecord{
		TaskID:    uuid.New().String(),
		Request:   req,
		Agent:     agent,
		Endpoint:  endpoint,
		Status:    model.TaskStatusQueued,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.tasks[rec.TaskID] = rec
	r.mu.Unlock()

	r.logger.Debug("Task registered",
		zap.String("task_id", rec.TaskID),
		zap.String("agent", agent),
		zap.String("pattern", req.Pattern))

	return *rec
}

// Delete removes a record outright. Used to roll back admission when the
// queue rejects the task; normal lifecycle never deletes.
func (r *Registry) Delete(taskID string) {
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()
}

// Get returns a copy of the record for taskID
func (r *Registry) Get(taskID string) (model.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return model.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *rec, nil
}

// MarkRunning transitions a QUEUED task to RUNNING
func (r *Registry) MarkRunning(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if rec.Status != model.TaskStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, model.TaskStatusRunning)
	}

	now := time.Now()
	rec.Status = model.TaskStatusRunning
	rec.StartedAt = &now
	return nil
}

// IncrementAttempts bumps the attempt counter for a running task
func (r *Registry) IncrementAttempts(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.tasks[taskID]; ok {
		rec.AttemptCount++
	}
}

// Complete transitions a task to COMPLETED and stores the downstream result
func (r *Registry) Complete(taskID string, result any) error {
	return r.finish(taskID, model.TaskStatusCompleted, result, "")
}

// Fail transitions a task to FAILED and records the final error
func (r *Registry) Fail(taskID string, errMsg string) error {
	return r.finish(taskID, model.TaskStatusFailed, nil, errMsg)
}

// Timeout transitions a task to TIMEOUT after its time budget elapsed
func (r *Registry) Timeout(taskID string, errMsg string) error {
	return r.finish(taskID, model.TaskStatusTimeout, nil, errMsg)
}

// finish applies a terminal transition. Terminal marks are accepted from
// RUNNING and, for tasks cancelled before dispatch, from QUEUED.
func (r *Registry) finish(taskID string, status model.TaskStatus, result any, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
	}

	now := time.Now()
	rec.Status = status
	rec.FinishedAt = &now
	rec.Result = result
	rec.ErrorMessage = errMsg

	r.logger.Debug("Task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Int("attempts", rec.AttemptCount))

	return nil
}

// ActiveCount returns the number of tasks not yet in a terminal state
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, rec := range r.tasks {
		if !rec.Status.IsTerminal() {
			active++
		}
	}
	return active
}

// Counts returns the number of tasks per status
func (r *Registry) Counts() map[model.TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.TaskStatus]int)
	for _, rec := range r.tasks {
		counts[rec.Status]++
	}
	return counts
}

// StartSweeper schedules periodic reclamation of terminal records older than
// the configured TTL. No-op when the TTL is disabled.
func (r *Registry) StartSweeper(sweepEvery time.Duration) {
	if r.ttl <= 0 || sweepEvery <= 0 {
		return
	}

	r.sweeper = cron.New()
	r.sweeper.Schedule(cron.Every(sweepEvery), cron.FuncJob(r.sweep))
	r.sweeper.Start()

	r.logger.Info("Registry sweeper started",
		zap.Duration("ttl", r.ttl),
		zap.Duration("every", sweepEvery))
}

// StopSweeper stops the reclamation schedule
func (r *Registry) StopSweeper() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
}

// sweep reclaims terminal records past their TTL. Callers are expected to
// poll or aggregate before records age out.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.tasks {
		if rec.Status.IsTerminal() && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("Reclaimed terminal task records", zap.Int("removed", removed))
	}
}
