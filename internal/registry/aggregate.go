package registry

import (
	"errors"

	"github.com/corelearn/orchestrator/internal/model"
)

// AggregateResult collects the terminal outcomes for a batch of task ids.
// Non-terminal tasks are listed in Pending and appear in neither map;
// unknown ids are reported in Errors.
type AggregateResult struct {
	TotalTasks int               `json:"total_tasks"`
	Results    map[string]any    `json:"results"`
	Errors     map[string]string `json:"errors"`
	Pending    []string          `json:"pending,omitempty"`
}

// Aggregate looks up each id and buckets it by outcome. The order of ids has
// no bearing on the result beyond which ids are considered.
func (r *Registry) Aggregate(taskIDs []string) AggregateResult {
	agg := AggregateResult{
		TotalTasks: len(taskIDs),
		Results:    make(map[string]any),
		Errors:     make(map[string]string),
	}

	for _, id := range taskIDs {
		rec, err := r.Get(id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				agg.Errors[id] = "task not found"
			}
			continue
		}

		switch rec.Status {
		case model.TaskStatusCompleted:
			agg.Results[id] = rec.Result
		case model.TaskStatusFailed, model.TaskStatusTimeout:
			agg.Errors[id] = rec.ErrorMessage
		default:
			agg.Pending = append(agg.Pending, id)
		}
	}

	return agg
}
