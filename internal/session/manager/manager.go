// Package manager owns logical session identity on top of the spawner:
// start/resume/stop/send, per-(agent, role) history, pending-send buffering,
// and the store-side session bindings that make resume survive restarts.
package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/appctx"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/dispatch"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/spawner"
	"github.com/elementalhq/elemental/internal/session/stream"
	"github.com/elementalhq/elemental/internal/store"
)

// StartOptions configures a new session.
type StartOptions struct {
	Role       session.AgentRole
	WorkerMode session.WorkerMode
	Mode       session.Mode
	Provider   string

	// WorkingDir overrides the directory from the agent's store record.
	WorkingDir    string
	InitialPrompt string
	InitTimeout   time.Duration
	Env           map[string]string
	Cols          int
	Rows          int
}

// ResumeOptions configures a resume attempt.
type ResumeOptions struct {
	StartOptions

	// FallBackToStart starts a fresh session when no resumable upstream id
	// can be found.
	FallBackToStart bool

	// RequireAnchoredWork refuses to resume a worker with an empty ready
	// queue.
	RequireAnchoredWork bool
}

type historyKey struct {
	agentID string
	role    session.AgentRole
}

// pendingSends buffers messages sent while a session is still starting.
type pendingSends struct {
	mu     sync.Mutex
	msgs   []string
	failed error
}

// Manager correlates spawner sessions with agents and the external store.
type Manager struct {
	spawner  *spawner.Spawner
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	history map[historyKey][]session.HistoryEntry
	pending map[string]*pendingSends
}

// New builds a session manager. The store and event bus may be nil; resume
// then only sees in-memory history and no events are fanned out.
func New(sp *spawner.Spawner, st store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		spawner:  sp,
		store:    st,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		history:  make(map[historyKey][]session.HistoryEntry),
		pending:  make(map[string]*pendingSends),
	}
}

// Start spawns a new session for the agent and returns it in starting state.
// The session's progress is tracked in the background; use WaitReady to block
// until the init handshake completes.
func (m *Manager) Start(ctx context.Context, agentID string, opts StartOptions) (*session.Session, error) {
	workingDir, err := m.resolveWorkingDir(ctx, agentID, opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	sess, err := m.spawner.Spawn(ctx, spawner.SpawnRequest{
		AgentID:       agentID,
		Role:          opts.Role,
		WorkerMode:    opts.WorkerMode,
		Mode:          opts.Mode,
		Provider:      opts.Provider,
		WorkingDir:    workingDir,
		InitialPrompt: opts.InitialPrompt,
		InitTimeout:   opts.InitTimeout,
		Env:           opts.Env,
		Cols:          opts.Cols,
		Rows:          opts.Rows,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pending[sess.ID] = &pendingSends{}
	m.mu.Unlock()

	m.updateAgentSession(ctx, agentID, sess.ID, "", "starting")
	m.publishLifecycle(events.SessionStarted, sess)
	go m.watch(sess.ID, agentID, opts.Role)

	return sess, nil
}

// Resume finds the most recent resumable session for (agent, role) and
// starts a new one bound to its upstream id. Without a known upstream id it
// either falls back to a fresh start or fails.
func (m *Manager) Resume(ctx context.Context, agentID string, opts ResumeOptions) (*session.Session, error) {
	upstreamID := m.lastUpstreamID(ctx, agentID, opts.Role)
	if upstreamID == "" {
		if opts.FallBackToStart {
			return m.Start(ctx, agentID, opts.StartOptions)
		}
		return nil, errors.NotFound("resumable session for agent", agentID)
	}

	if opts.RequireAnchoredWork && opts.Role == session.RoleWorker && m.store != nil {
		res, err := dispatch.CheckReadyQueue(ctx, m.store, agentID, dispatch.ReadyQueueOptions{})
		if err != nil {
			return nil, err
		}
		if !res.HasWork {
			return nil, errors.InvalidState("no work anchored to agent " + agentID + ", refusing to resume")
		}
	}

	workingDir, err := m.resolveWorkingDir(ctx, agentID, opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	sess, err := m.spawner.Spawn(ctx, spawner.SpawnRequest{
		AgentID:          agentID,
		Role:             opts.Role,
		WorkerMode:       opts.WorkerMode,
		Mode:             opts.Mode,
		Provider:         opts.Provider,
		WorkingDir:       workingDir,
		InitialPrompt:    opts.InitialPrompt,
		ResumeUpstreamID: upstreamID,
		InitTimeout:      opts.InitTimeout,
		Env:              opts.Env,
		Cols:             opts.Cols,
		Rows:             opts.Rows,
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithAgentID(agentID).WithSessionID(sess.ID).
		Info("resuming session", zap.String("upstream_session_id", upstreamID))

	m.mu.Lock()
	m.pending[sess.ID] = &pendingSends{}
	m.mu.Unlock()

	m.updateAgentSession(ctx, agentID, sess.ID, upstreamID, "starting")
	m.publishLifecycle(events.SessionStarted, sess)
	go m.watch(sess.ID, agentID, opts.Role)

	return sess, nil
}

// WaitReady blocks until the session completes its init handshake.
func (m *Manager) WaitReady(ctx context.Context, sessionID string) (*session.Session, error) {
	return m.spawner.WaitReady(ctx, sessionID)
}

// Stop terminates the session and records the end in its history entry.
func (m *Manager) Stop(ctx context.Context, sessionID string, graceful bool) error {
	return m.spawner.Terminate(ctx, sessionID, graceful)
}

// Suspend kills the session's process but keeps its record and upstream id.
func (m *Manager) Suspend(ctx context.Context, sessionID string) error {
	return m.spawner.Suspend(ctx, sessionID)
}

// Send delivers text to a headless session. While the session is starting
// the message is buffered and flushed once it reaches running; if it never
// does, buffered sends fail.
func (m *Manager) Send(sessionID, text string) error {
	sess, err := m.spawner.Get(sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case session.StatusStarting:
		m.mu.Lock()
		p := m.pending[sessionID]
		m.mu.Unlock()
		if p == nil {
			// The watch goroutine already flushed the buffer: the status
			// snapshot is stale, so deliver against the live status.
			cur, err := m.spawner.Get(sessionID)
			if err != nil {
				return err
			}
			if cur.Status == session.StatusRunning {
				return m.spawner.SendInput(sessionID, text)
			}
			return errors.InvalidState("session is not accepting input: " + string(cur.Status))
		}
		p.mu.Lock()
		if p.failed != nil {
			err := p.failed
			p.mu.Unlock()
			return err
		}
		p.msgs = append(p.msgs, text)
		p.mu.Unlock()
		// The session may have reached running while we buffered.
		if cur, err := m.spawner.Get(sessionID); err == nil && cur.Status == session.StatusRunning {
			m.flushPending(sessionID, m.logger.WithSessionID(sessionID))
		}
		return nil
	case session.StatusRunning:
		return m.spawner.SendInput(sessionID, text)
	default:
		return errors.InvalidState("session is not accepting input: " + string(sess.Status))
	}
}

// Stream subscribes to the session's event stream.
func (m *Manager) Stream(sessionID string) (*stream.Subscriber, error) {
	return m.spawner.Subscribe(sessionID)
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (*session.Session, error) {
	return m.spawner.Get(sessionID)
}

// ListActive returns sessions that have not terminated.
func (m *Manager) ListActive() []*session.Session {
	return m.spawner.ListActive()
}

// ListAll returns every session including terminated ones.
func (m *Manager) ListAll() []*session.Session {
	return m.spawner.ListAll()
}

// ListByAgent returns the agent's sessions.
func (m *Manager) ListByAgent(agentID string) []*session.Session {
	return m.spawner.ListByAgent(agentID)
}

// History returns prior sessions for (agent, role), most recent first.
func (m *Manager) History(agentID string, role session.AgentRole) []session.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[historyKey{agentID: agentID, role: role}]
	out := make([]session.HistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

// CheckReadyQueue reports work anchored to the agent.
func (m *Manager) CheckReadyQueue(ctx context.Context, agentID string, opts dispatch.ReadyQueueOptions) (*dispatch.ReadyQueueResult, error) {
	if m.store == nil {
		return &dispatch.ReadyQueueResult{}, nil
	}
	return dispatch.CheckReadyQueue(ctx, m.store, agentID, opts)
}

// Shutdown force-terminates all live sessions.
func (m *Manager) Shutdown(ctx context.Context) {
	m.spawner.Shutdown(ctx)
}

// watch follows a session from spawn to exit: flushes buffered sends once it
// reaches running, fans events out to the bus, and records history and store
// bindings when it ends.
func (m *Manager) watch(sessionID, agentID string, role session.AgentRole) {
	ctx := context.Background()
	log := m.logger.WithAgentID(agentID).WithSessionID(sessionID)

	sub, err := m.spawner.Subscribe(sessionID)
	if err != nil {
		log.WithError(err).Warn("could not subscribe to session stream")
		return
	}

	go m.awaitRunning(ctx, sessionID, agentID, log)

	for ev := range sub.Events() {
		m.publishStreamEvent(ctx, sessionID, ev)
	}

	// The stream closed: the session is over.
	sess, err := m.spawner.Get(sessionID)
	if err != nil {
		log.WithError(err).Warn("session vanished before exit handling")
		return
	}

	m.failPending(sessionID, errors.InvalidState(
		"session "+sessionID+" ended before reaching running"))

	m.mu.Lock()
	key := historyKey{agentID: agentID, role: role}
	m.history[key] = append(m.history[key], session.HistoryFromSession(sess))
	delete(m.pending, sessionID)
	m.mu.Unlock()

	// The final store binding must land even if the server is shutting down.
	bindCtx, cancel := appctx.Detached(nil, 10*time.Second)
	defer cancel()
	m.updateAgentSession(bindCtx, agentID, sessionID, sess.UpstreamSessionID, string(sess.Status))
	if sess.Status == session.StatusSuspended {
		m.publishLifecycle(events.SessionSuspended, sess)
	} else {
		m.publishLifecycle(events.SessionTerminated, sess)
	}
	log.Info("session ended",
		zap.String("status", string(sess.Status)),
		zap.Intp("exit_code", sess.ExitCode))
}

func (m *Manager) awaitRunning(ctx context.Context, sessionID, agentID string, log *logger.Logger) {
	sess, err := m.spawner.WaitReady(ctx, sessionID)
	if err != nil {
		m.failPending(sessionID, err)
		return
	}

	m.flushPending(sessionID, log)
	m.updateAgentSession(ctx, agentID, sessionID, sess.UpstreamSessionID, "running")
	m.publishLifecycle(events.SessionRunning, sess)
}

func (m *Manager) flushPending(sessionID string, log *logger.Logger) {
	m.mu.Lock()
	p := m.pending[sessionID]
	m.mu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	msgs := p.msgs
	p.msgs = nil
	p.mu.Unlock()

	for _, msg := range msgs {
		if err := m.spawner.SendInput(sessionID, msg); err != nil {
			log.WithError(err).Warn("failed to flush buffered message")
		}
	}
}

func (m *Manager) failPending(sessionID string, cause error) {
	m.mu.Lock()
	p := m.pending[sessionID]
	m.mu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	dropped := len(p.msgs)
	p.msgs = nil
	if p.failed == nil {
		p.failed = cause
	}
	p.mu.Unlock()

	if dropped > 0 {
		m.logger.WithSessionID(sessionID).WithError(cause).
			Warn("dropping buffered messages", zap.Int("count", dropped))
	}
}

// lastUpstreamID looks for a resumable upstream id, first in this process's
// history, then in the store's agent metadata for cross-restart resume.
func (m *Manager) lastUpstreamID(ctx context.Context, agentID string, role session.AgentRole) string {
	m.mu.Lock()
	entries := m.history[historyKey{agentID: agentID, role: role}]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Resumable() {
			m.mu.Unlock()
			return entries[i].UpstreamSessionID
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return ""
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return ""
	}
	if agent.Meta.SessionStatus == "running" {
		return ""
	}
	return agent.Meta.UpstreamSessionID
}

func (m *Manager) resolveWorkingDir(ctx context.Context, agentID, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if m.store == nil {
		return "", nil
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return agent.WorkingDir, nil
}

func (m *Manager) updateAgentSession(ctx context.Context, agentID, sessionID, upstreamID, status string) {
	if m.store == nil {
		return
	}
	err := m.store.UpdateAgentSession(ctx, agentID, store.AgentSessionUpdate{
		SessionID:         sessionID,
		UpstreamSessionID: upstreamID,
		Status:            status,
		LastSeen:          time.Now().UTC(),
	})
	if err != nil && !errors.IsNotFound(err) {
		m.logger.WithAgentID(agentID).WithError(err).
			Warn("failed to update agent session binding")
	}
}

func (m *Manager) publishLifecycle(eventType string, sess *session.Session) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"session_id": sess.ID,
		"agent_id":   sess.AgentID,
		"agent_role": string(sess.Role),
		"status":     string(sess.Status),
	})
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.WithError(err).Debug("failed to publish lifecycle event")
	}
}

func (m *Manager) publishStreamEvent(ctx context.Context, sessionID string, ev session.Event) {
	if m.eventBus == nil {
		return
	}
	subject := events.BuildSessionStreamSubject(sessionID)
	event := bus.NewEvent(string(ev.Kind), "session-manager", map[string]interface{}{
		"session_id": sessionID,
		"event":      ev,
	})
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.WithError(err).Debug("failed to publish stream event")
	}
}
