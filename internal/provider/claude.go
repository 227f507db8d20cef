package provider

import "os/exec"

// claudeBinary is the default binary name resolved on PATH.
const claudeBinary = "claude"

// ClaudeProvider drives the Claude CLI. Headless mode uses the stream-json
// protocol on both stdin and stdout; the initial prompt is never a CLI
// argument, it is written as the first stdin message.
type ClaudeProvider struct {
	path      string
	available bool
}

// NewClaudeProvider resolves the binary on PATH. An explicit binaryPath
// overrides lookup (registry overrides use this).
func NewClaudeProvider(binaryPath string) *ClaudeProvider {
	if binaryPath == "" {
		binaryPath = claudeBinary
	}
	resolved, err := exec.LookPath(binaryPath)
	if err != nil {
		return &ClaudeProvider{path: binaryPath, available: false}
	}
	return &ClaudeProvider{path: resolved, available: true}
}

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) IsAvailable() bool { return p.available }

func (p *ClaudeProvider) HeadlessCommand(resumeUpstreamID string) CommandSpec {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if resumeUpstreamID != "" {
		args = append(args, "--resume", resumeUpstreamID)
	}
	return CommandSpec{Path: p.path, Args: args}
}

func (p *ClaudeProvider) InteractiveCommand(resumeUpstreamID string) CommandSpec {
	var args []string
	if resumeUpstreamID != "" {
		args = append(args, "--resume", resumeUpstreamID)
	}
	return CommandSpec{Path: p.path, Args: args}
}
