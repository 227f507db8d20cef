package session

import "time"

// HistoryEntry records one prior session for an (agent, role) pair. Entries
// are derived from sessions that reached suspended or terminated and are the
// lookup source for resume-by-upstream-id.
type HistoryEntry struct {
	SessionID         string     `json:"session_id"`
	AgentID           string     `json:"agent_id"`
	Role              AgentRole  `json:"agent_role"`
	Status            Status     `json:"status"`
	UpstreamSessionID string     `json:"upstream_session_id,omitempty"`
	WorkingDir        string     `json:"working_dir,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// HistoryFromSession derives a history entry from a session record.
func HistoryFromSession(s *Session) HistoryEntry {
	return HistoryEntry{
		SessionID:         s.ID,
		AgentID:           s.AgentID,
		Role:              s.Role,
		Status:            s.Status,
		UpstreamSessionID: s.UpstreamSessionID,
		WorkingDir:        s.WorkingDir,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
	}
}

// Resumable reports whether the entry can seed a resume: its upstream id is
// known and the session is not live.
func (h HistoryEntry) Resumable() bool {
	return h.UpstreamSessionID != "" &&
		(h.Status == StatusSuspended || h.Status == StatusTerminated)
}
