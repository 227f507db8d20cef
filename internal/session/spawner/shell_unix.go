//go:build !windows

package spawner

import "os"

// defaultShellCommand picks the login shell for interactive sessions:
// the preferred shell if given, then $SHELL, then /bin/sh.
func defaultShellCommand(preferred string) []string {
	for _, shell := range []string{preferred, os.Getenv("SHELL")} {
		if shell != "" {
			return []string{shell, "-l"}
		}
	}
	return []string{"/bin/sh", "-l"}
}
