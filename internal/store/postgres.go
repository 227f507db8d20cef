package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/elementalhq/elemental/internal/common/database"
	"github.com/elementalhq/elemental/internal/common/errors"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore initializes the schema on an existing connection pool.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER DEFAULT 0,
		assignee TEXT,
		required_skills JSONB DEFAULT '[]',
		preferred_skills JSONB DEFAULT '[]',
		required_languages JSONB DEFAULT '[]',
		preferred_languages JSONB DEFAULT '[]',
		blocked_by JSONB DEFAULT '[]',
		orchestrator JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		working_dir TEXT DEFAULT '',
		meta JSONB DEFAULT '{}',
		last_seen_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at);
	`)
	return err
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
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

	var assignee any
	if task.Assignee != "" {
		assignee = task.Assignee
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (
			id, title, status, priority, assignee, required_skills, preferred_skills,
			required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, task.ID, task.Title, task.Status, task.Priority, assignee,
		marshalJSON(task.RequiredSkills), marshalJSON(task.PreferredSkills),
		marshalJSON(task.RequiredLanguages), marshalJSON(task.PreferredLanguages),
		marshalJSON(task.BlockedBy), marshalJSON(task.Orchestrator),
		task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, working_dir, meta, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, agent.ID, agent.Name, agent.WorkingDir, marshalJSON(agent.Meta),
		nullableTime(agent.LastSeenAt), agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetReadyTasks resolves blocker readiness in SQL: a task is ready when no
// task in its blocked_by list is still undone.
func (s *PostgresStore) GetReadyTasks(ctx context.Context, limit int) ([]TaskAssignmentSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.priority, t.created_at, t.required_skills, t.preferred_skills,
		       t.required_languages, t.preferred_languages
		FROM tasks t
		WHERE t.status = $1
		  AND t.assignee IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM tasks b
			WHERE b.id IN (SELECT jsonb_array_elements_text(t.blocked_by))
			  AND b.status NOT IN ($2, $3)
		  )
		ORDER BY t.priority ASC, t.created_at ASC
		LIMIT $4
	`, TaskOpen, TaskDone, TaskCancelled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAssignmentSnapshot
	for rows.Next() {
		var snap TaskAssignmentSnapshot
		var reqSkills, prefSkills, reqLangs, prefLangs []byte
		if err := rows.Scan(&snap.TaskID, &snap.Priority, &snap.CreatedAt,
			&reqSkills, &prefSkills, &reqLangs, &prefLangs); err != nil {
			return nil, err
		}
		unmarshalJSON(string(reqSkills), &snap.RequiredSkills)
		unmarshalJSON(string(prefSkills), &snap.PreferredSkills)
		unmarshalJSON(string(reqLangs), &snap.RequiredLanguages)
		unmarshalJSON(string(prefLangs), &snap.PreferredLanguages)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetIdleWorkers(ctx context.Context) ([]IdleWorker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.name, a.meta,
		       (SELECT COUNT(*) FROM tasks t
		        WHERE t.assignee = a.id AND t.status NOT IN ($1, $2)) AS assigned
		FROM agents a
		WHERE a.meta->>'agent_role' = 'worker'
		  AND COALESCE(a.meta->>'session_status', '') <> 'running'
		ORDER BY a.id ASC
	`, TaskDone, TaskCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdleWorker
	for rows.Next() {
		var w IdleWorker
		var meta []byte
		if err := rows.Scan(&w.AgentID, &w.Name, &meta, &w.AssignedCount); err != nil {
			return nil, err
		}
		var am AgentMeta
		unmarshalJSON(string(meta), &am)
		w.Capabilities = am.Capabilities
		out = append(out, w)
	}
	return out, rows.Err()
}

// AssignTaskAtomic is a single-statement CAS on assignee IS NULL, patching
// the orchestration metadata in the same update.
func (s *PostgresStore) AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta AssignmentMeta) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET
			assignee = $2,
			orchestrator = orchestrator || $3::jsonb,
			updated_at = $4
		WHERE id = $1 AND assignee IS NULL
	`, taskID, agentID, marshalJSON(meta), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errors.NotFound("task", taskID)
		}
		return errors.Conflict("task already assigned: " + taskID)
	}
	return nil
}

func (s *PostgresStore) UpdateAgentSession(ctx context.Context, agentID string, upd AgentSessionUpdate) error {
	patch := map[string]string{"session_status": upd.Status}
	if upd.SessionID != "" {
		patch["session_id"] = upd.SessionID
	}
	if upd.UpstreamSessionID != "" {
		patch["upstream_session_id"] = upd.UpstreamSessionID
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET meta = meta || $2::jsonb, last_seen_at = $3, updated_at = $4
		WHERE id = $1
	`, agentID, marshalJSON(patch), upd.LastSeen, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("agent", agentID)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta OrchestratorMeta) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET orchestrator = $2::jsonb, updated_at = $3 WHERE id = $1
	`, taskID, marshalJSON(meta), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", taskID)
	}
	return nil
}

func (s *PostgresStore) GetAssignedTasks(ctx context.Context, agentID string, statuses []TaskStatus, limit int) ([]*Task, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, title, status, priority, assignee, required_skills, preferred_skills,
		       required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		FROM tasks
		WHERE assignee = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY priority ASC, created_at ASC
		LIMIT $3
	`, agentID, strs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StartTask(ctx context.Context, taskID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4
	`, taskID, TaskInProgress, time.Now().UTC(), TaskOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return errors.InvalidState("task is not open: " + taskID)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, status, priority, assignee, required_skills, preferred_skills,
		       required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		FROM tasks WHERE id = $1
	`, taskID)
	t, err := scanPgTask(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("task", taskID)
	}
	return t, err
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a := &Agent{}
	var meta []byte
	var lastSeen *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT id, name, working_dir, meta, last_seen_at, created_at, updated_at
		FROM agents WHERE id = $1
	`, agentID).Scan(&a.ID, &a.Name, &a.WorkingDir, &meta, &lastSeen, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("agent", agentID)
	}
	if err != nil {
		return nil, err
	}
	unmarshalJSON(string(meta), &a.Meta)
	if lastSeen != nil {
		a.LastSeenAt = *lastSeen
	}
	return a, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanPgTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var assignee *string
	var reqSkills, prefSkills, reqLangs, prefLangs, blockedBy, orch []byte
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &assignee,
		&reqSkills, &prefSkills, &reqLangs, &prefLangs, &blockedBy, &orch,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if assignee != nil {
		t.Assignee = *assignee
	}
	unmarshalJSON(string(reqSkills), &t.RequiredSkills)
	unmarshalJSON(string(prefSkills), &t.PreferredSkills)
	unmarshalJSON(string(reqLangs), &t.RequiredLanguages)
	unmarshalJSON(string(prefLangs), &t.PreferredLanguages)
	unmarshalJSON(string(blockedBy), &t.BlockedBy)
	unmarshalJSON(string(orch), &t.Orchestrator)
	return t, nil
}
