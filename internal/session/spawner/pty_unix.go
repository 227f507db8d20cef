//go:build !windows

package spawner

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY is the master file of a creack/pty allocation. The embedded file
// supplies Read, Write, and Close.
type unixPTY struct {
	*os.File
}

func (p unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.File, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize launches cmd inside a PTY of the given dimensions.
// pty.StartWithSize runs cmd.Start itself.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return unixPTY{f}, nil
}
