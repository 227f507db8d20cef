package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/errors"
)

func TestRegistry_Defaults(t *testing.T) {
	reg, err := NewRegistry(config.ProviderConfig{Default: "claude"})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	p, err := reg.Get("")
	if err != nil {
		t.Fatalf("Get(\"\") error = %v", err)
	}
	if p.Name() != "claude" {
		t.Errorf("default provider = %q, want claude", p.Name())
	}

	_, err = reg.Get("nope")
	if !errors.IsNotFound(err) {
		t.Errorf("Get(nope) error = %v, want NotFound", err)
	}
}

func TestRegistry_YAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `providers:
  mock:
    binary: sh
    headless_args: ["-c", "cat"]
    resume_flag: "--resume"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write registry file: %v", err)
	}

	reg, err := NewRegistry(config.ProviderConfig{Default: "mock", RegistryPath: path})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	p := reg.Default()
	if p.Name() != "mock" {
		t.Fatalf("default provider = %q, want mock", p.Name())
	}
	if !p.IsAvailable() {
		t.Fatal("sh-backed provider reported unavailable")
	}

	spec := p.HeadlessCommand("u-1")
	if len(spec.Args) != 4 {
		t.Fatalf("args = %v, want 4 entries", spec.Args)
	}
	if spec.Args[2] != "--resume" || spec.Args[3] != "u-1" {
		t.Errorf("resume args = %v", spec.Args[2:])
	}
}

func TestRegistry_SharedServerDeclaration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `providers:
  mock:
    binary: sh
    headless_args: ["-c", "cat"]
    shared_server: ["sleep", "60"]
    shared_server_env:
      PORT: "9000"
  plain:
    binary: sh
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write registry file: %v", err)
	}

	reg, err := NewRegistry(config.ProviderConfig{Default: "mock", RegistryPath: path})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	p, _ := reg.Get("mock")
	sb, ok := p.(SharedBacked)
	if !ok {
		t.Fatal("registry provider does not implement SharedBacked")
	}
	spec, need := sb.SharedServer()
	if !need {
		t.Fatal("declared shared server not reported")
	}
	if spec.Key != "mock" {
		t.Errorf("key = %q, want mock (provider name default)", spec.Key)
	}
	if len(spec.Command) != 2 || spec.Command[0] != "sleep" {
		t.Errorf("command = %v", spec.Command)
	}
	if spec.Env["PORT"] != "9000" {
		t.Errorf("env = %v", spec.Env)
	}

	plain, _ := reg.Get("plain")
	if sb, ok := plain.(SharedBacked); ok {
		if _, need := sb.SharedServer(); need {
			t.Error("provider without a declaration reported a shared server")
		}
	}
}

func TestRegistry_UnknownDefault(t *testing.T) {
	_, err := NewRegistry(config.ProviderConfig{Default: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown default provider")
	}
}

func TestClaudeProvider_HeadlessCommand(t *testing.T) {
	p := NewClaudeProvider("definitely-not-on-path-xyz")
	if p.IsAvailable() {
		t.Error("missing binary reported available")
	}

	spec := p.HeadlessCommand("")
	want := []string{
		"--print", "--verbose", "--dangerously-skip-permissions",
		"--input-format", "stream-json", "--output-format", "stream-json",
	}
	if len(spec.Args) != len(want) {
		t.Fatalf("args = %v, want %v", spec.Args, want)
	}
	for i := range want {
		if spec.Args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, spec.Args[i], want[i])
		}
	}

	withResume := p.HeadlessCommand("u-9")
	if withResume.Args[len(withResume.Args)-2] != "--resume" || withResume.Args[len(withResume.Args)-1] != "u-9" {
		t.Errorf("resume args missing: %v", withResume.Args)
	}
}
