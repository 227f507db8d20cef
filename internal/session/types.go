// Package session defines the session model shared by the spawner and the
// session manager: identity, lifecycle status machine, and stream events.
package session

import (
	"time"

	"github.com/elementalhq/elemental/internal/common/errors"
)

// AgentRole identifies what kind of agent a session runs on behalf of.
type AgentRole string

const (
	RoleDirector AgentRole = "director"
	RoleWorker   AgentRole = "worker"
	RoleSteward  AgentRole = "steward"
)

// WorkerMode distinguishes workers that live across tasks from one-shot ones.
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// Mode selects how the subprocess is driven.
type Mode string

const (
	// ModeHeadless drives the subprocess via line-delimited JSON over pipes.
	ModeHeadless Mode = "headless"
	// ModeInteractive drives the subprocess via a pseudo-terminal.
	ModeInteractive Mode = "interactive"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusSuspended   Status = "suspended"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// allowedTransitions is the single source of truth for the lifecycle machine.
var allowedTransitions = map[Status][]Status{
	StatusStarting:    {StatusRunning, StatusTerminated},
	StatusRunning:     {StatusSuspended, StatusTerminating, StatusTerminated},
	StatusSuspended:   {StatusRunning, StatusTerminated},
	StatusTerminating: {StatusTerminated},
	StatusTerminated:  {},
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated
}

// Session is the live representation of one agent subprocess.
// The spawner owns the embedded process handle; callers only see this record.
type Session struct {
	ID                string     `json:"id"`
	AgentID           string     `json:"agent_id"`
	Role              AgentRole  `json:"agent_role"`
	WorkerMode        WorkerMode `json:"worker_mode,omitempty"`
	Mode              Mode       `json:"mode"`
	UpstreamSessionID string     `json:"upstream_session_id,omitempty"`
	WorkingDir        string     `json:"working_dir,omitempty"`
	Status            Status     `json:"status"`
	ExitCode          *int       `json:"exit_code,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// TransitionTo moves the session to the next status, consulting the
// transition table. Callers must hold the session's lock.
func (s *Session) TransitionTo(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return errors.InvalidTransition(string(s.Status), string(next))
	}
	s.Status = next
	return nil
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}

// Clone returns a copy safe to hand to callers outside the spawner's lock.
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}
