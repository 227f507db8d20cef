// Package provider abstracts the upstream LLM CLI binaries a session can be
// backed by. Absence of a binary is reported by IsAvailable at construction
// time, never by a failure at spawn time.
package provider

// CommandSpec describes how to invoke a provider CLI.
type CommandSpec struct {
	Path string
	Args []string
}

// Argv returns the full argument vector including the binary path.
func (c CommandSpec) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Provider is the capability interface for one upstream CLI.
type Provider interface {
	// Name identifies the provider ("claude", "mock", ...).
	Name() string

	// IsAvailable reports whether the binary was found on PATH when the
	// provider was constructed.
	IsAvailable() bool

	// HeadlessCommand builds the invocation for the line-JSON protocol.
	// resumeUpstreamID, when non-empty, asks the CLI to resume that session.
	HeadlessCommand(resumeUpstreamID string) CommandSpec

	// InteractiveCommand builds the invocation run inside the interactive
	// login shell.
	InteractiveCommand(resumeUpstreamID string) CommandSpec
}

// SharedServerSpec describes an embedded backing server a provider's CLI
// depends on. Sessions that use the same key share one server process.
type SharedServerSpec struct {
	Key     string
	Command []string
	Env     map[string]string
}

// SharedBacked is implemented by providers whose CLI needs a backing server.
// The spawner refcounts the server across sessions: the first spawn starts
// it, the last session to end stops it.
type SharedBacked interface {
	SharedServer() (SharedServerSpec, bool)
}
