package spawner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/pkg/claudecli"
)

// spawnHeadless starts the subprocess with piped stdio speaking the
// line-delimited JSON protocol. The initial user turn is written right after
// process creation: the subprocess blocks waiting for JSON input.
func (s *Spawner) spawnHeadless(rt *runtime, p provider.Provider, req SpawnRequest) error {
	spec := p.HeadlessCommand(req.ResumeUpstreamID)
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = s.sessionEnv(rt.sess.ID, req.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.SpawnFailure("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.SpawnFailure("failed to open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.SpawnFailure("failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return errors.SpawnFailure("failed to start subprocess", err)
	}

	sessionID := rt.sess.ID
	client := claudecli.NewClient(stdin, stdout, s.logger.WithSessionID(sessionID))
	client.SetMessageHandler(func(msg *claudecli.CLIMessage) {
		s.handleHeadlessMessage(rt, msg)
	})
	client.SetRawLineHandler(func(line []byte) {
		rt.emitter.Publish(session.RawEvent(sessionID, line))
	})

	readCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	now := time.Now().UTC()
	rt.sess.StartedAt = &now
	rt.cmd = cmd
	rt.client = client
	rt.cancelRead = cancel
	rt.mu.Unlock()

	<-client.Start(readCtx)
	go s.drainStderr(sessionID, stderr)

	if err := client.SendUserMessage(req.InitialPrompt); err != nil {
		s.logger.Warn("failed to write initial user turn",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	go s.watchInit(rt, s.initTimeout(req))
	go s.waitHeadless(rt)
	return nil
}

// handleHeadlessMessage converts one protocol message into a session event.
// The init message carries the upstream session id and flips the session to
// running.
func (s *Spawner) handleHeadlessMessage(rt *runtime, msg *claudecli.CLIMessage) {
	rt.mu.Lock()
	sessionID := rt.sess.ID
	rt.sess.Touch()
	rt.mu.Unlock()

	if msg.IsInit() {
		s.logger.Info("init handshake received",
			zap.String("session_id", sessionID),
			zap.String("upstream_session_id", msg.SessionID))
		rt.markRunning(msg.SessionID)
	}

	rt.emitter.Publish(session.EventFromCLIMessage(sessionID, msg))
}

// watchInit fails the startup if no init handshake arrives in time.
func (s *Spawner) watchInit(rt *runtime, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rt.initDone:
	case <-rt.waitDone:
	case <-timer.C:
		rt.mu.Lock()
		rt.initTimedOut = true
		sessionID := rt.sess.ID
		cmd := rt.cmd
		rt.mu.Unlock()

		s.logger.Error("init handshake timed out",
			zap.String("session_id", sessionID),
			zap.Duration("timeout", timeout))
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// waitHeadless reaps the subprocess and runs the exit path.
func (s *Spawner) waitHeadless(rt *runtime) {
	exitCode, signalName, err := waitPtyProcess(rt.cmd, nil)
	if err != nil {
		rt.mu.Lock()
		sessionID := rt.sess.ID
		rt.mu.Unlock()
		s.logger.Debug("subprocess exited with error",
			zap.String("session_id", sessionID),
			zap.Int("exit_code", exitCode),
			zap.String("signal", signalName),
			zap.Error(err))
	}
	s.handleExit(rt, exitCode)
}

// drainStderr logs subprocess stderr lines for diagnosis.
func (s *Spawner) drainStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("subprocess stderr",
			zap.String("session_id", sessionID),
			zap.String("line", line))
	}
}
