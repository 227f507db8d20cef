package provider

import (
	"fmt"
	"os"
	"os/exec"

	"gopkg.in/yaml.v3"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/errors"
)

// registryFile is the YAML override format:
//
//	providers:
//	  claude:
//	    binary: /usr/local/bin/claude
//	  mock:
//	    binary: mock-agent
//	    headless_args: ["--headless"]
//	    resume_flag: "--resume"
type registryFile struct {
	Providers map[string]providerOverride `yaml:"providers"`
}

type providerOverride struct {
	Binary          string   `yaml:"binary"`
	HeadlessArgs    []string `yaml:"headless_args"`
	InteractiveArgs []string `yaml:"interactive_args"`
	ResumeFlag      string   `yaml:"resume_flag"`

	// SharedServer, when set, is the command line of a backing server the
	// CLI depends on. One server is shared by all sessions of the provider.
	SharedServer    []string          `yaml:"shared_server"`
	SharedServerKey string            `yaml:"shared_server_key"`
	SharedServerEnv map[string]string `yaml:"shared_server_env"`
}

// Registry holds the constructed providers. Availability is detected once,
// at construction.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds the provider set: the built-in Claude provider plus any
// providers declared in the optional YAML registry file.
func NewRegistry(cfg config.ProviderConfig) (*Registry, error) {
	providers := map[string]Provider{
		"claude": NewClaudeProvider(""),
	}

	if cfg.RegistryPath != "" {
		data, err := os.ReadFile(cfg.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read provider registry %s: %w", cfg.RegistryPath, err)
		}
		var file registryFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse provider registry %s: %w", cfg.RegistryPath, err)
		}
		for name, ov := range file.Providers {
			if name == "claude" && len(ov.HeadlessArgs) == 0 && len(ov.InteractiveArgs) == 0 {
				providers[name] = NewClaudeProvider(ov.Binary)
				continue
			}
			providers[name] = newGenericProvider(name, ov)
		}
	}

	defaultName := cfg.Default
	if defaultName == "" {
		defaultName = "claude"
	}
	if _, ok := providers[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not registered", defaultName)
	}

	return &Registry{providers: providers, defaultName: defaultName}, nil
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.NotFound("provider", name)
	}
	return p, nil
}

// Default returns the configured default provider.
func (r *Registry) Default() Provider {
	return r.providers[r.defaultName]
}

// Available lists the names of providers whose binary was found.
func (r *Registry) Available() []string {
	var names []string
	for name, p := range r.providers {
		if p.IsAvailable() {
			names = append(names, name)
		}
	}
	return names
}

// genericProvider is a registry-declared provider with explicit argument
// lists. Used for alternative upstream CLIs and the mock agent.
type genericProvider struct {
	name            string
	path            string
	available       bool
	headlessArgs    []string
	interactiveArgs []string
	resumeFlag      string
	sharedServer    *SharedServerSpec
}

func newGenericProvider(name string, ov providerOverride) *genericProvider {
	binary := ov.Binary
	if binary == "" {
		binary = name
	}
	resumeFlag := ov.ResumeFlag
	if resumeFlag == "" {
		resumeFlag = "--resume"
	}

	p := &genericProvider{
		name:            name,
		path:            binary,
		headlessArgs:    ov.HeadlessArgs,
		interactiveArgs: ov.InteractiveArgs,
		resumeFlag:      resumeFlag,
	}
	if len(ov.SharedServer) > 0 {
		key := ov.SharedServerKey
		if key == "" {
			key = name
		}
		p.sharedServer = &SharedServerSpec{
			Key:     key,
			Command: ov.SharedServer,
			Env:     ov.SharedServerEnv,
		}
	}
	if resolved, err := exec.LookPath(binary); err == nil {
		p.path = resolved
		p.available = true
	}
	return p
}

func (p *genericProvider) Name() string { return p.name }

func (p *genericProvider) IsAvailable() bool { return p.available }

func (p *genericProvider) HeadlessCommand(resumeUpstreamID string) CommandSpec {
	args := append([]string{}, p.headlessArgs...)
	if resumeUpstreamID != "" {
		args = append(args, p.resumeFlag, resumeUpstreamID)
	}
	return CommandSpec{Path: p.path, Args: args}
}

func (p *genericProvider) InteractiveCommand(resumeUpstreamID string) CommandSpec {
	args := append([]string{}, p.interactiveArgs...)
	if resumeUpstreamID != "" {
		args = append(args, p.resumeFlag, resumeUpstreamID)
	}
	return CommandSpec{Path: p.path, Args: args}
}

// SharedServer reports the provider's backing server, when one is declared.
func (p *genericProvider) SharedServer() (SharedServerSpec, bool) {
	if p.sharedServer == nil {
		return SharedServerSpec{}, false
	}
	return *p.sharedServer, true
}
