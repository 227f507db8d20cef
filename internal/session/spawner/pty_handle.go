package spawner

import "io"

// PtyHandle is the master side of an allocated pseudo-terminal, backed by
// creack/pty on Unix and ConPTY on Windows.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
