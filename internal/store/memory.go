package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elementalhq/elemental/internal/common/errors"
)

// MemoryStore is the in-memory Store used for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	agents map[string]*Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		agents: make(map[string]*Agent),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.Conflict("task already exists: " + task.ID)
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return errors.Conflict("agent already exists: " + agent.ID)
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetReadyTasks(_ context.Context, limit int) ([]TaskAssignmentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Task
	for _, t := range s.tasks {
		if t.Status != TaskOpen || t.Assignee != "" {
			continue
		}
		if !s.blockersSatisfied(t) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]TaskAssignmentSnapshot, 0, len(ready))
	for _, t := range ready {
		out = append(out, TaskAssignmentSnapshot{
			TaskID:             t.ID,
			Priority:           t.Priority,
			CreatedAt:          t.CreatedAt,
			RequiredSkills:     t.RequiredSkills,
			PreferredSkills:    t.PreferredSkills,
			RequiredLanguages:  t.RequiredLanguages,
			PreferredLanguages: t.PreferredLanguages,
		})
	}
	return out, nil
}

// blockersSatisfied reports whether every blocker task is done. Must be
// called with the store lock held.
func (s *MemoryStore) blockersSatisfied(t *Task) bool {
	for _, blockerID := range t.BlockedBy {
		blocker, ok := s.tasks[blockerID]
		if !ok {
			continue
		}
		if blocker.Status != TaskDone && blocker.Status != TaskCancelled {
			return false
		}
	}
	return true
}

func (s *MemoryStore) GetIdleWorkers(_ context.Context) ([]IdleWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make(map[string]int)
	for _, t := range s.tasks {
		if t.Assignee != "" && t.Status != TaskDone && t.Status != TaskCancelled {
			assigned[t.Assignee]++
		}
	}

	var out []IdleWorker
	for _, a := range s.agents {
		if a.Meta.AgentRole != "worker" {
			continue
		}
		if a.Meta.SessionStatus == "running" {
			continue
		}
		out = append(out, IdleWorker{
			AgentID:       a.ID,
			Name:          a.Name,
			Capabilities:  a.Meta.Capabilities,
			AssignedCount: assigned[a.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) AssignTaskAtomic(_ context.Context, taskID, agentID string, meta AssignmentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	if t.Assignee != "" {
		return errors.Conflict("task already assigned: " + taskID)
	}
	t.Assignee = agentID
	t.Orchestrator.Branch = meta.Branch
	t.Orchestrator.Worktree = meta.Worktree
	t.Orchestrator.SessionID = meta.SessionID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateAgentSession(_ context.Context, agentID string, upd AgentSessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return errors.NotFound("agent", agentID)
	}
	a.Meta.SessionStatus = upd.Status
	if upd.SessionID != "" {
		a.Meta.SessionID = upd.SessionID
	}
	if upd.UpstreamSessionID != "" {
		a.Meta.UpstreamSessionID = upd.UpstreamSessionID
	}
	a.LastSeenAt = upd.LastSeen
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateTaskOrchestratorMeta(_ context.Context, taskID string, meta OrchestratorMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	t.Orchestrator = meta
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetAssignedTasks(_ context.Context, agentID string, statuses []TaskStatus, limit int) ([]*Task, error) {
	wanted := make(map[TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Assignee != agentID {
			continue
		}
		if len(wanted) > 0 && !wanted[t.Status] {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StartTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}
	if t.Status != TaskOpen {
		return errors.InvalidState("task is not open: " + string(t.Status))
	}
	t.Status = TaskInProgress
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }
