package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/elementalhq/elemental/internal/common/errors"
)

// SQLiteStore is the embedded single-file Store implementation.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent assignment.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER DEFAULT 0,
		assignee TEXT,
		required_skills TEXT DEFAULT '[]',
		preferred_skills TEXT DEFAULT '[]',
		required_languages TEXT DEFAULT '[]',
		preferred_languages TEXT DEFAULT '[]',
		blocked_by TEXT DEFAULT '[]',
		orchestrator TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		working_dir TEXT DEFAULT '',
		meta TEXT DEFAULT '{}',
		last_seen_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at);
	`)
	if err != nil {
		return err
	}
	return s.ensureColumn("tasks", "blocked_by", "TEXT DEFAULT '[]'")
}

// ensureColumn upgrades databases created before the column existed. SQLite
// has no ADD COLUMN IF NOT EXISTS.
func (s *SQLiteStore) ensureColumn(table, column, definition string) error {
	rows, err := s.db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		info := make(map[string]any)
		if err := rows.MapScan(info); err != nil {
			return err
		}
		if name, _ := info["name"].(string); name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, status, priority, assignee, required_skills, preferred_skills,
			required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.Status, task.Priority, assignee,
		marshalJSON(task.RequiredSkills), marshalJSON(task.PreferredSkills),
		marshalJSON(task.RequiredLanguages), marshalJSON(task.PreferredLanguages),
		marshalJSON(task.BlockedBy), marshalJSON(task.Orchestrator),
		task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, working_dir, meta, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.WorkingDir, marshalJSON(agent.Meta),
		nullableTime(agent.LastSeenAt), agent.CreatedAt, agent.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetReadyTasks(ctx context.Context, limit int) ([]TaskAssignmentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, created_at, required_skills, preferred_skills,
		       required_languages, preferred_languages, blocked_by
		FROM tasks
		WHERE status = ? AND assignee IS NULL
		ORDER BY priority ASC, created_at ASC
	`, TaskOpen)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type candidate struct {
		snap      TaskAssignmentSnapshot
		blockedBy []string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var reqSkills, prefSkills, reqLangs, prefLangs, blockedBy string
		if err := rows.Scan(&c.snap.TaskID, &c.snap.Priority, &c.snap.CreatedAt,
			&reqSkills, &prefSkills, &reqLangs, &prefLangs, &blockedBy); err != nil {
			return nil, err
		}
		unmarshalJSON(reqSkills, &c.snap.RequiredSkills)
		unmarshalJSON(prefSkills, &c.snap.PreferredSkills)
		unmarshalJSON(reqLangs, &c.snap.RequiredLanguages)
		unmarshalJSON(prefLangs, &c.snap.PreferredLanguages)
		unmarshalJSON(blockedBy, &c.blockedBy)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Blocker readiness is resolved against current task statuses.
	statuses, err := s.taskStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var out []TaskAssignmentSnapshot
	for _, c := range candidates {
		if !blockersDone(c.blockedBy, statuses) {
			continue
		}
		out = append(out, c.snap)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *SQLiteStore) taskStatuses(ctx context.Context) (map[string]TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]TaskStatus)
	for rows.Next() {
		var id string
		var status TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetIdleWorkers(ctx context.Context) ([]IdleWorker, error) {
	agents, err := s.listAgents(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := s.assignedCounts(ctx)
	if err != nil {
		return nil, err
	}

	var out []IdleWorker
	for _, a := range agents {
		if a.Meta.AgentRole != "worker" || a.Meta.SessionStatus == "running" {
			continue
		}
		out = append(out, IdleWorker{
			AgentID:       a.ID,
			Name:          a.Name,
			Capabilities:  a.Meta.Capabilities,
			AssignedCount: counts[a.ID],
		})
	}
	return out, nil
}

func (s *SQLiteStore) assignedCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT assignee, COUNT(*) FROM tasks
		WHERE assignee IS NOT NULL AND status NOT IN (?, ?)
		GROUP BY assignee
	`, TaskDone, TaskCancelled)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, err
		}
		out[agentID] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) listAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, working_dir, meta, last_seen_at, created_at, updated_at
		FROM agents ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssignTaskAtomic is a single-row CAS: the UPDATE succeeds only if the task
// is still unassigned.
func (s *SQLiteStore) AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta AssignmentMeta) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assignee = ?, updated_at = ?
		WHERE id = ? AND assignee IS NULL
	`, agentID, time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return errors.NotFound("task", taskID)
		}
		return errors.Conflict("task already assigned: " + taskID)
	}

	// The row is ours now; record the assignment metadata.
	orch, err := s.getOrchestratorMeta(ctx, taskID)
	if err != nil {
		return err
	}
	orch.Branch = meta.Branch
	orch.Worktree = meta.Worktree
	orch.SessionID = meta.SessionID
	return s.UpdateTaskOrchestratorMeta(ctx, taskID, orch)
}

func (s *SQLiteStore) getOrchestratorMeta(ctx context.Context, taskID string) (OrchestratorMeta, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT orchestrator FROM tasks WHERE id = ?`, taskID).Scan(&raw)
	if err == sql.ErrNoRows {
		return OrchestratorMeta{}, errors.NotFound("task", taskID)
	}
	if err != nil {
		return OrchestratorMeta{}, err
	}
	var meta OrchestratorMeta
	unmarshalJSON(raw, &meta)
	return meta, nil
}

func (s *SQLiteStore) UpdateAgentSession(ctx context.Context, agentID string, upd AgentSessionUpdate) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Meta.SessionStatus = upd.Status
	if upd.SessionID != "" {
		agent.Meta.SessionID = upd.SessionID
	}
	if upd.UpstreamSessionID != "" {
		agent.Meta.UpstreamSessionID = upd.UpstreamSessionID
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET meta = ?, last_seen_at = ?, updated_at = ? WHERE id = ?
	`, marshalJSON(agent.Meta), upd.LastSeen, time.Now().UTC(), agentID)
	return err
}

func (s *SQLiteStore) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta OrchestratorMeta) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET orchestrator = ?, updated_at = ? WHERE id = ?
	`, marshalJSON(meta), time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("task", taskID)
	}
	return nil
}

func (s *SQLiteStore) GetAssignedTasks(ctx context.Context, agentID string, statuses []TaskStatus, limit int) ([]*Task, error) {
	query := `
		SELECT id, title, status, priority, assignee, required_skills, preferred_skills,
		       required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		FROM tasks WHERE assignee = ?`
	args := []any{agentID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY priority ASC, created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StartTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, TaskInProgress, time.Now().UTC(), taskID, TaskOpen)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return errors.InvalidState("task is not open: " + taskID)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, priority, assignee, required_skills, preferred_skills,
		       required_languages, preferred_languages, blocked_by, orchestrator, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", taskID)
	}
	return t, err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, working_dir, meta, last_seen_at, created_at, updated_at
		FROM agents WHERE id = ?
	`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("agent", agentID)
	}
	return a, err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var assignee sql.NullString
	var reqSkills, prefSkills, reqLangs, prefLangs, blockedBy, orch string
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &assignee,
		&reqSkills, &prefSkills, &reqLangs, &prefLangs, &blockedBy, &orch,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Assignee = assignee.String
	unmarshalJSON(reqSkills, &t.RequiredSkills)
	unmarshalJSON(prefSkills, &t.PreferredSkills)
	unmarshalJSON(reqLangs, &t.RequiredLanguages)
	unmarshalJSON(prefLangs, &t.PreferredLanguages)
	unmarshalJSON(blockedBy, &t.BlockedBy)
	unmarshalJSON(orch, &t.Orchestrator)
	return t, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var meta string
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.WorkingDir, &meta, &lastSeen, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(meta, &a.Meta)
	if lastSeen.Valid {
		a.LastSeenAt = lastSeen.Time
	}
	return a, nil
}

func blockersDone(blockedBy []string, statuses map[string]TaskStatus) bool {
	for _, id := range blockedBy {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		if status != TaskDone && status != TaskCancelled {
			return false
		}
	}
	return true
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalJSON(raw string, v any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
