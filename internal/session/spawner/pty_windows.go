//go:build windows

package spawner

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
	"golang.org/x/sys/windows"
)

// windowsPTY adapts a ConPTY pseudo-console to the PtyHandle interface.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTYWithSize launches cmd inside a ConPTY. ConPTY creates the process
// itself from a flat command line, so the exec.Cmd fields are translated and
// cmd.Process is backfilled afterwards for the reaping path.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	args := cmd.Args
	if len(args) == 0 {
		args = []string{cmd.Path}
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(windows.ComposeCommandLine(args), opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to adopt ConPTY process %d: %w", cpty.Pid(), err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}
