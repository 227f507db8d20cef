// Package store defines the external task-store interface the orchestration
// core consumes, plus memory, sqlite, and postgres implementations. The core
// persists nothing itself; all durable state flows through this interface.
package store

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a task in the store.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// CapabilitySet is an agent's declared capabilities. Tokens are stored as
// given; normalization happens in the matcher. A nil MaxConcurrentTasks
// means the agent declared no limit; an explicit zero means it accepts no
// assignments.
type CapabilitySet struct {
	Skills             []string `json:"skills,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	MaxConcurrentTasks *int     `json:"max_concurrent_tasks,omitempty"`
}

// TaskAssignmentSnapshot is what the dispatch daemon sees when polling for
// ready work. Ready means status open, no unsatisfied blockers, unassigned.
type TaskAssignmentSnapshot struct {
	TaskID             string    `json:"task_id"`
	Priority           int       `json:"priority"`
	CreatedAt          time.Time `json:"created_at"`
	RequiredSkills     []string  `json:"required_skills,omitempty"`
	PreferredSkills    []string  `json:"preferred_skills,omitempty"`
	RequiredLanguages  []string  `json:"required_languages,omitempty"`
	PreferredLanguages []string  `json:"preferred_languages,omitempty"`
}

// IdleWorker is a worker agent with no running session, available for
// assignment.
type IdleWorker struct {
	AgentID       string        `json:"agent_id"`
	Name          string        `json:"name"`
	Capabilities  CapabilitySet `json:"capabilities"`
	AssignedCount int           `json:"currently_assigned_count"`
}

// AssignmentMeta is recorded on the task when it is bound to a worker.
type AssignmentMeta struct {
	Branch    string `json:"branch,omitempty"`
	Worktree  string `json:"worktree,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HandoffEntry is one step of a task's orchestration handoff history.
type HandoffEntry struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Worktree  string    `json:"worktree,omitempty"`
	HandoffAt time.Time `json:"handoff_at"`
}

// OrchestratorMeta is the orchestration metadata blob on a task record.
type OrchestratorMeta struct {
	Branch          string         `json:"branch,omitempty"`
	Worktree        string         `json:"worktree,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	MergeStatus     string         `json:"merge_status,omitempty"`
	MergeRequestURL string         `json:"merge_request_url,omitempty"`
	HandoffHistory  []HandoffEntry `json:"handoff_history,omitempty"`
}

// AgentMeta is the orchestration metadata on an agent record.
type AgentMeta struct {
	AgentRole          string        `json:"agent_role"`
	WorkerMode         string        `json:"worker_mode,omitempty"`
	StewardFocus       string        `json:"steward_focus,omitempty"`
	SessionStatus      string        `json:"session_status,omitempty"`
	SessionID          string        `json:"session_id,omitempty"`
	UpstreamSessionID  string        `json:"upstream_session_id,omitempty"`
	Capabilities       CapabilitySet `json:"capabilities"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
}

// Task is a full task record.
type Task struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Status             TaskStatus       `json:"status"`
	Priority           int              `json:"priority"`
	Assignee           string           `json:"assignee,omitempty"`
	RequiredSkills     []string         `json:"required_skills,omitempty"`
	PreferredSkills    []string         `json:"preferred_skills,omitempty"`
	RequiredLanguages  []string         `json:"required_languages,omitempty"`
	PreferredLanguages []string         `json:"preferred_languages,omitempty"`
	BlockedBy          []string         `json:"blocked_by,omitempty"`
	Orchestrator       OrchestratorMeta `json:"orchestrator,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Agent is a full agent record.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	Meta        AgentMeta `json:"meta"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastSeenAt  time.Time `json:"last_seen_at,omitempty"`
}

// AgentSessionUpdate records the live session state on an agent record.
type AgentSessionUpdate struct {
	SessionID         string    `json:"session_id,omitempty"`
	UpstreamSessionID string    `json:"upstream_session_id,omitempty"`
	Status            string    `json:"status"`
	LastSeen          time.Time `json:"last_seen"`
}

// Store is the task-store contract the core consumes.
type Store interface {
	// GetReadyTasks returns up to limit ready tasks ordered by priority
	// ascending, then creation time ascending.
	GetReadyTasks(ctx context.Context, limit int) ([]TaskAssignmentSnapshot, error)

	// GetIdleWorkers returns worker agents with no running session.
	GetIdleWorkers(ctx context.Context) ([]IdleWorker, error)

	// AssignTaskAtomic binds the task to the agent with a single
	// compare-and-swap on assignee IS NULL. Losing the race returns Conflict.
	AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta AssignmentMeta) error

	// UpdateAgentSession records the agent's current session binding.
	UpdateAgentSession(ctx context.Context, agentID string, upd AgentSessionUpdate) error

	// UpdateTaskOrchestratorMeta replaces the task's orchestration metadata.
	UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta OrchestratorMeta) error

	// GetAssignedTasks returns up to limit tasks assigned to the agent in the
	// given statuses, ordered by priority ascending.
	GetAssignedTasks(ctx context.Context, agentID string, statuses []TaskStatus, limit int) ([]*Task, error)

	// StartTask moves an open task to in_progress.
	StartTask(ctx context.Context, taskID string) error

	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	CreateTask(ctx context.Context, task *Task) error
	CreateAgent(ctx context.Context, agent *Agent) error

	Close() error
}
