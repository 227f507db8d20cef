//go:build windows

package spawner

import "os"

// defaultShellCommand picks the shell for interactive sessions: the
// preferred shell if given, then %COMSPEC%, then cmd.exe.
func defaultShellCommand(preferred string) []string {
	for _, shell := range []string{preferred, os.Getenv("COMSPEC")} {
		if shell != "" {
			return []string{shell}
		}
	}
	return []string{"cmd.exe"}
}
