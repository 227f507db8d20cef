// Package spawner creates and supervises one subprocess per session. It
// translates subprocess output into typed session events, provides the input
// write path, and enforces the session status machine. Two spawn paths share
// one public contract: headless (line-JSON over pipes) and interactive (PTY).
package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/constants"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/provider/shared"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/stream"
	"github.com/elementalhq/elemental/pkg/claudecli"
)

// SpawnRequest describes one session to create.
type SpawnRequest struct {
	AgentID    string
	Role       session.AgentRole
	WorkerMode session.WorkerMode
	Mode       session.Mode

	// Provider selects the upstream CLI; empty means the registry default.
	Provider string

	WorkingDir    string
	InitialPrompt string

	// ResumeUpstreamID asks the CLI to resume a previous upstream session.
	ResumeUpstreamID string

	// InitTimeout overrides the configured init handshake timeout.
	// Values below 5s are clamped to 5s.
	InitTimeout time.Duration

	// Extra environment for the subprocess, on top of the inherited one.
	Env map[string]string

	// PTY dimensions for interactive sessions; zero means configured defaults.
	Cols int
	Rows int
}

// runtime is the spawner-private state for one live session.
type runtime struct {
	mu   sync.Mutex
	sess *session.Session

	cmd     *exec.Cmd
	ptmx    PtyHandle
	client  *claudecli.Client
	emitter *stream.Broadcaster

	// Interactive terminal emulator for the best-effort session id scrape.
	termMu   sync.Mutex
	term     vt10x.Terminal
	termCols int
	termRows int

	suspending   bool
	initTimedOut bool

	// releaseServer returns the session's shared-server lease, if any.
	releaseServer shared.ReleaseFunc

	initOnce  sync.Once
	initDone  chan struct{} // closed when the session reaches running
	endedOnce sync.Once
	waitDone  chan struct{} // closed when the exit handler has run

	cancelRead context.CancelFunc
}

// Spawner supervises subprocess sessions. All exported methods are safe for
// concurrent use.
type Spawner struct {
	cfg           config.SpawnerConfig
	registry      *provider.Registry
	workspaceRoot string
	logger        *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*runtime

	// Refcounted backing servers for SharedBacked providers.
	servers     *shared.Coordinator
	serverMu    sync.Mutex
	serverSpecs map[string]provider.SharedServerSpec
}

// New creates a spawner. workspaceRoot is forwarded to every subprocess as
// ELEMENTAL_ROOT.
func New(cfg config.SpawnerConfig, registry *provider.Registry, workspaceRoot string, log *logger.Logger) *Spawner {
	s := &Spawner{
		cfg:           cfg,
		registry:      registry,
		workspaceRoot: workspaceRoot,
		logger:        log.WithFields(zap.String("component", "spawner")),
		sessions:      make(map[string]*runtime),
		serverSpecs:   make(map[string]provider.SharedServerSpec),
	}
	s.servers = shared.NewCoordinator(s.startSharedServer, s.logger)
	return s
}

// Spawn creates a session and starts its subprocess. The returned session is
// in status starting; use WaitReady to await the running transition. Spawn
// errors leave the session terminated and are returned to the caller.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*session.Session, error) {
	if req.AgentID == "" {
		return nil, errors.ValidationError("agent_id", "agent_id is required")
	}
	if req.Mode == "" {
		req.Mode = session.ModeHeadless
	}

	p, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if !p.IsAvailable() {
		return nil, errors.SpawnFailure(fmt.Sprintf("provider %s binary not found on PATH", p.Name()), nil)
	}

	releaseServer, err := s.acquireSharedServer(ctx, p)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:                uuid.New().String(),
		AgentID:           req.AgentID,
		Role:              req.Role,
		WorkerMode:        req.WorkerMode,
		Mode:              req.Mode,
		UpstreamSessionID: req.ResumeUpstreamID,
		WorkingDir:        req.WorkingDir,
		Status:            session.StatusStarting,
		CreatedAt:         now,
		LastActivityAt:    now,
	}

	rt := &runtime{
		sess:          sess,
		emitter:       stream.NewBroadcaster(sess.ID, s.cfg.SubscriberBuffer, s.logger),
		initDone:      make(chan struct{}),
		waitDone:      make(chan struct{}),
		releaseServer: releaseServer,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = rt
	s.mu.Unlock()

	s.logger.Info("spawning session",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("mode", string(req.Mode)),
		zap.String("provider", p.Name()),
		zap.Bool("resume", req.ResumeUpstreamID != ""))

	switch req.Mode {
	case session.ModeHeadless:
		err = s.spawnHeadless(rt, p, req)
	case session.ModeInteractive:
		err = s.spawnInteractive(rt, p, req)
	default:
		err = errors.ValidationError("mode", fmt.Sprintf("unknown session mode %q", req.Mode))
	}
	if err != nil {
		s.failStartup(rt, err)
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return sess.Clone(), nil
}

// WaitReady blocks until the session reaches running, terminates, or the
// context expires.
func (s *Spawner) WaitReady(ctx context.Context, sessionID string) (*session.Session, error) {
	rt, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-rt.initDone:
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.sess.Clone(), nil
	case <-rt.waitDone:
		rt.mu.Lock()
		timedOut := rt.initTimedOut
		exitCode := rt.sess.ExitCode
		rt.mu.Unlock()
		if timedOut {
			return nil, errors.Timeout("init handshake")
		}
		if exitCode != nil {
			return nil, errors.SpawnFailure(fmt.Sprintf("session exited with code %d before becoming ready", *exitCode), nil)
		}
		return nil, errors.SpawnFailure("session terminated before becoming ready", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a bounded event stream for the session, starting from now.
func (s *Spawner) Subscribe(sessionID string) (*stream.Subscriber, error) {
	rt, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.emitter.Subscribe(), nil
}

// SubscribeBuffered is Subscribe with an explicit per-subscriber buffer depth.
func (s *Spawner) SubscribeBuffered(sessionID string, depth int) (*stream.Subscriber, error) {
	rt, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.emitter.SubscribeBuffered(depth), nil
}

// SendInput writes one user turn to a headless session's stdin. Allowed only
// in status running.
func (s *Spawner) SendInput(sessionID string, text string) error {
	rt, err := s.get(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.sess.Mode != session.ModeHeadless {
		rt.mu.Unlock()
		return errors.InvalidState("send_input requires a headless session")
	}
	if rt.sess.Status != session.StatusRunning {
		status := rt.sess.Status
		rt.mu.Unlock()
		return errors.InvalidState(fmt.Sprintf("cannot send input in status %s", status))
	}
	client := rt.client
	rt.sess.Touch()
	rt.mu.Unlock()

	return client.SendUserMessage(text)
}

// WritePTY writes opaque bytes to an interactive session's terminal.
func (s *Spawner) WritePTY(sessionID string, data []byte) error {
	rt, err := s.get(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.sess.Mode != session.ModeInteractive {
		rt.mu.Unlock()
		return errors.InvalidState("write_pty requires an interactive session")
	}
	if rt.sess.Status != session.StatusRunning {
		status := rt.sess.Status
		rt.mu.Unlock()
		return errors.InvalidState(fmt.Sprintf("cannot write to PTY in status %s", status))
	}
	ptmx := rt.ptmx
	rt.sess.Touch()
	rt.mu.Unlock()

	if ptmx == nil {
		return errors.InvalidState("PTY not available")
	}
	_, err = ptmx.Write(data)
	return err
}

// Resize changes an interactive session's terminal dimensions. Resize against
// a closed PTY is downgraded to a warning.
func (s *Spawner) Resize(sessionID string, cols, rows int) error {
	rt, err := s.get(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	ptmx := rt.ptmx
	rt.mu.Unlock()
	if ptmx == nil {
		s.logger.Warn("resize on session without PTY", zap.String("session_id", sessionID))
		return nil
	}

	if err := ptmx.Resize(uint16(cols), uint16(rows)); err != nil {
		s.logger.Warn("PTY resize failed",
			zap.String("session_id", sessionID),
			zap.Int("cols", cols),
			zap.Int("rows", rows),
			zap.Error(err))
		return nil
	}

	rt.termMu.Lock()
	if rt.term != nil {
		rt.term.Resize(cols, rows)
		rt.termCols = cols
		rt.termRows = rows
	}
	rt.termMu.Unlock()
	return nil
}

// Terminate stops the session's subprocess. Graceful termination sends the
// mode-appropriate soft shutdown and escalates to a kill after the grace
// window. Terminating an already-terminated session is a no-op.
func (s *Spawner) Terminate(ctx context.Context, sessionID string, graceful bool) error {
	rt, err := s.get(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	switch rt.sess.Status {
	case session.StatusTerminated:
		rt.mu.Unlock()
		return nil
	case session.StatusSuspended:
		// No process to stop; close out the record.
		err := rt.sess.TransitionTo(session.StatusTerminated)
		rt.mu.Unlock()
		return err
	case session.StatusRunning:
		if err := rt.sess.TransitionTo(session.StatusTerminating); err != nil {
			rt.mu.Unlock()
			return err
		}
	}
	mode := rt.sess.Mode
	cmd := rt.cmd
	ptmx := rt.ptmx
	rt.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.handleExit(rt, -1)
		return nil
	}

	if !graceful {
		_ = cmd.Process.Kill()
		return s.awaitExit(ctx, rt)
	}

	if mode == session.ModeInteractive && ptmx != nil {
		if _, err := ptmx.Write([]byte("exit\r")); err != nil {
			s.logger.Debug("soft shutdown write failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	} else {
		if err := terminateProcess(cmd.Process); err != nil {
			s.logger.Debug("SIGTERM failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	grace := s.cfg.GracefulStopDuration()
	if grace <= 0 {
		grace = constants.GracefulStopTimeout
	}
	select {
	case <-rt.waitDone:
		return nil
	case <-time.After(grace):
		s.logger.Warn("graceful stop timed out, killing process",
			zap.String("session_id", sessionID))
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	return s.awaitExit(ctx, rt)
}

// Suspend kills the subprocess but keeps the session record with status
// suspended and its upstream session id, so the caller can resume later.
// Suspending an ended session is a no-op.
func (s *Spawner) Suspend(ctx context.Context, sessionID string) error {
	rt, err := s.get(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.sess.Status.IsTerminal() || rt.sess.Status == session.StatusSuspended {
		rt.mu.Unlock()
		return nil
	}
	rt.suspending = true
	cmd := rt.cmd
	rt.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.handleExit(rt, -1)
		return nil
	}
	_ = cmd.Process.Kill()
	return s.awaitExit(ctx, rt)
}

// Get returns a snapshot of the session.
func (s *Spawner) Get(sessionID string) (*session.Session, error) {
	rt, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sess.Clone(), nil
}

// ListActive returns sessions whose status is not terminated.
func (s *Spawner) ListActive() []*session.Session {
	return s.list(func(sess *session.Session) bool {
		return !sess.Status.IsTerminal()
	})
}

// ListAll returns every session, including terminated ones.
func (s *Spawner) ListAll() []*session.Session {
	return s.list(func(*session.Session) bool { return true })
}

// ListByAgent returns every session for the agent.
func (s *Spawner) ListByAgent(agentID string) []*session.Session {
	return s.list(func(sess *session.Session) bool {
		return sess.AgentID == agentID
	})
}

// MostRecentForAgent returns the newest session for (agent, role) by creation
// time, or NotFound.
func (s *Spawner) MostRecentForAgent(agentID string, role session.AgentRole) (*session.Session, error) {
	matches := s.list(func(sess *session.Session) bool {
		return sess.AgentID == agentID && sess.Role == role
	})
	if len(matches) == 0 {
		return nil, errors.NotFound("session", fmt.Sprintf("agent=%s role=%s", agentID, role))
	}
	return matches[0], nil
}

// Shutdown force-terminates every live session in parallel, then stops any
// shared provider servers. Used on server shutdown.
func (s *Spawner) Shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, sess := range s.ListActive() {
		sess := sess
		g.Go(func() error {
			if err := s.Terminate(ctx, sess.ID, false); err != nil {
				s.logger.Warn("failed to terminate session on shutdown",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	s.servers.Close()
}

// list snapshots matching sessions sorted by creation time, newest first.
func (s *Spawner) list(match func(*session.Session) bool) []*session.Session {
	s.mu.RLock()
	runtimes := make([]*runtime, 0, len(s.sessions))
	for _, rt := range s.sessions {
		runtimes = append(runtimes, rt)
	}
	s.mu.RUnlock()

	var out []*session.Session
	for _, rt := range runtimes {
		rt.mu.Lock()
		if match(rt.sess) {
			out = append(out, rt.sess.Clone())
		}
		rt.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Spawner) get(sessionID string) (*runtime, error) {
	s.mu.RLock()
	rt, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return rt, nil
}

// awaitExit waits for the exit handler after a kill has been issued.
func (s *Spawner) awaitExit(ctx context.Context, rt *runtime) error {
	select {
	case <-rt.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failStartup finishes a session whose subprocess never started.
func (s *Spawner) failStartup(rt *runtime, cause error) {
	s.logger.Error("spawn failed",
		zap.String("session_id", rt.sess.ID),
		zap.Error(cause))
	s.handleExit(rt, -1)
}

// handleExit is the single, idempotent exit path. Subprocess and PTY layers
// may deliver exit more than once; the one-shot guard keeps endedAt and the
// final transition single-fire. A suspending session lands on suspended,
// everything else on terminated.
func (s *Spawner) handleExit(rt *runtime, exitCode int) {
	rt.endedOnce.Do(func() {
		rt.mu.Lock()
		final := session.StatusTerminated
		if rt.suspending && rt.sess.Status.CanTransitionTo(session.StatusSuspended) {
			final = session.StatusSuspended
		}
		if !rt.sess.Status.IsTerminal() {
			_ = rt.sess.TransitionTo(final)
		}
		now := time.Now().UTC()
		rt.sess.ExitCode = &exitCode
		rt.sess.EndedAt = &now
		sessionID := rt.sess.ID
		status := rt.sess.Status
		ptmx := rt.ptmx
		rt.ptmx = nil
		client := rt.client
		cancel := rt.cancelRead
		release := rt.releaseServer
		rt.mu.Unlock()

		if client != nil {
			client.Stop()
		}
		if cancel != nil {
			cancel()
		}
		if ptmx != nil {
			_ = ptmx.Close()
		}
		if release != nil {
			release()
		}

		s.logger.Info("session ended",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Int("exit_code", exitCode))

		rt.emitter.Close(exitCode)
		close(rt.waitDone)
	})
}

// markRunning performs the starting -> running transition exactly once.
func (rt *runtime) markRunning(upstreamID string) {
	rt.initOnce.Do(func() {
		rt.mu.Lock()
		if upstreamID != "" {
			rt.sess.UpstreamSessionID = upstreamID
		}
		if rt.sess.Status == session.StatusStarting {
			_ = rt.sess.TransitionTo(session.StatusRunning)
			now := time.Now().UTC()
			if rt.sess.StartedAt == nil {
				rt.sess.StartedAt = &now
			}
		}
		rt.sess.Touch()
		rt.mu.Unlock()
		close(rt.initDone)
	})
}

// sessionEnv builds the subprocess environment: inherited, plus the
// orchestration variables, plus request extras.
func (s *Spawner) sessionEnv(sessionID string, extra map[string]string) []string {
	env := os.Environ()
	if s.workspaceRoot != "" {
		env = append(env, "ELEMENTAL_ROOT="+s.workspaceRoot)
	}
	env = append(env, "ELEMENTAL_SESSION_ID="+sessionID)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// initTimeout resolves the effective init handshake timeout for a request.
func (s *Spawner) initTimeout(req SpawnRequest) time.Duration {
	if req.InitTimeout > 0 {
		if req.InitTimeout < constants.MinInitHandshakeTimeout {
			return constants.MinInitHandshakeTimeout
		}
		return req.InitTimeout
	}
	return s.cfg.InitTimeoutDuration()
}
