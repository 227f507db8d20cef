package spawner

import (
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/constants"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/session"
)

// upstreamIDPattern matches the best-effort "Session: <id>" line some CLIs
// print to the terminal. Interactive mode has no protocol handshake, so this
// scrape is the only source of a resumable upstream id.
var upstreamIDPattern = regexp.MustCompile(`Session:\s+([A-Za-z0-9][A-Za-z0-9_-]*)`)

// spawnInteractive allocates a PTY running a login shell and types the
// provider CLI invocation into it. The session is running as soon as the PTY
// is up; there is no init handshake.
func (s *Spawner) spawnInteractive(rt *runtime, p provider.Provider, req SpawnRequest) error {
	cols := req.Cols
	if cols <= 0 {
		cols = s.cfg.PTYCols
	}
	if cols <= 0 {
		cols = constants.DefaultPTYCols
	}
	rows := req.Rows
	if rows <= 0 {
		rows = s.cfg.PTYRows
	}
	if rows <= 0 {
		rows = constants.DefaultPTYRows
	}

	shell := defaultShellCommand("")
	cmd := exec.Command(shell[0], shell[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = s.sessionEnv(rt.sess.ID, req.Env)

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return errors.SpawnFailure("failed to allocate PTY", err)
	}

	rt.mu.Lock()
	now := time.Now().UTC()
	rt.sess.StartedAt = &now
	rt.cmd = cmd
	rt.ptmx = ptmx
	rt.mu.Unlock()

	rt.termMu.Lock()
	rt.term = vt10x.New(vt10x.WithSize(cols, rows))
	rt.termCols = cols
	rt.termRows = rows
	rt.termMu.Unlock()

	s.logger.Info("PTY allocated",
		zap.String("session_id", rt.sess.ID),
		zap.Int("cols", cols),
		zap.Int("rows", rows),
		zap.Int("pid", cmd.Process.Pid))

	rt.markRunning("")

	go s.readPTY(rt, ptmx)
	go s.waitInteractive(rt, ptmx)

	// Type the provider invocation into the shell once it has settled.
	spec := p.InteractiveCommand(req.ResumeUpstreamID)
	go func() {
		time.Sleep(100 * time.Millisecond)
		line := strings.Join(spec.Argv(), " ") + "\n"
		if _, err := ptmx.Write([]byte(line)); err != nil {
			s.logger.Warn("failed to write provider command to PTY",
				zap.String("session_id", rt.sess.ID), zap.Error(err))
		}
	}()

	return nil
}

// readPTY forwards terminal output as opaque pty-data events and feeds the
// screen scrape while the upstream id is unknown.
func (s *Spawner) readPTY(rt *runtime, ptmx PtyHandle) {
	sessionID := rt.sess.ID
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := buf[:n]
			rt.emitter.Publish(session.PTYDataEvent(sessionID, data))
			s.scrapeUpstreamID(rt, data)

			rt.mu.Lock()
			rt.sess.Touch()
			rt.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// scrapeUpstreamID feeds PTY output through a terminal emulator and scans the
// rendered screen for a session id line. Stops once an id is found.
func (s *Spawner) scrapeUpstreamID(rt *runtime, data []byte) {
	rt.mu.Lock()
	known := rt.sess.UpstreamSessionID != ""
	rt.mu.Unlock()
	if known {
		return
	}

	rt.termMu.Lock()
	term := rt.term
	if term == nil {
		rt.termMu.Unlock()
		return
	}
	_, _ = term.Write(data)
	id := findUpstreamID(term, rt.termCols, rt.termRows)
	rt.termMu.Unlock()

	if id == "" {
		return
	}

	rt.mu.Lock()
	if rt.sess.UpstreamSessionID == "" {
		rt.sess.UpstreamSessionID = id
	}
	sessionID := rt.sess.ID
	rt.mu.Unlock()

	s.logger.Info("scraped upstream session id from terminal",
		zap.String("session_id", sessionID),
		zap.String("upstream_session_id", id))
}

// findUpstreamID scans the visible terminal rows for the session id pattern.
func findUpstreamID(term vt10x.Terminal, cols, rows int) string {
	for row := 0; row < rows; row++ {
		var chars []rune
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		if m := upstreamIDPattern.FindStringSubmatch(string(chars)); m != nil {
			return m[1]
		}
	}
	return ""
}

// waitInteractive reaps the PTY process and runs the exit path.
func (s *Spawner) waitInteractive(rt *runtime, ptmx PtyHandle) {
	exitCode, signalName, err := waitPtyProcess(rt.cmd, ptmx)
	if err != nil {
		s.logger.Debug("interactive process exited with error",
			zap.String("session_id", rt.sess.ID),
			zap.Int("exit_code", exitCode),
			zap.String("signal", signalName),
			zap.Error(err))
	}
	s.handleExit(rt, exitCode)
}
