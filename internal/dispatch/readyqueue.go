package dispatch

import (
	"context"

	"github.com/elementalhq/elemental/internal/store"
)

const defaultReadyQueueLimit = 5

// ReadyQueueOptions controls a ready-queue check.
type ReadyQueueOptions struct {
	// AutoStart is echoed into the result when work is found; the check
	// itself never mutates task state.
	AutoStart bool
	Limit     int
}

// ReadyQueueResult reports work already anchored to an agent.
type ReadyQueueResult struct {
	HasWork   bool          `json:"has_work"`
	Task      *store.Task   `json:"task,omitempty"`
	Pending   []*store.Task `json:"pending,omitempty"`
	AutoStart bool          `json:"auto_start"`
}

// CheckReadyQueue asks the store for the agent's open or in-progress tasks,
// ordered by priority. When tasks exist, the first is reported; the caller
// decides whether to act on AutoStart by invoking the store's start-task
// operation itself.
func CheckReadyQueue(ctx context.Context, st store.Store, agentID string, opts ReadyQueueOptions) (*ReadyQueueResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultReadyQueueLimit
	}

	tasks, err := st.GetAssignedTasks(ctx, agentID,
		[]store.TaskStatus{store.TaskOpen, store.TaskInProgress}, limit)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return &ReadyQueueResult{}, nil
	}
	return &ReadyQueueResult{
		HasWork:   true,
		Task:      tasks[0],
		Pending:   tasks,
		AutoStart: opts.AutoStart,
	}, nil
}
