package spawner

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/provider/shared"
)

// serverProcess is the shared.Handle for a provider backing server.
type serverProcess struct {
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
}

// wait reaps the process exactly once.
func (p *serverProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *serverProcess) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.wait()
}

// acquireSharedServer takes a lease on the provider's backing server when it
// declares one. The returned release is non-nil even when no server is
// needed, so callers can invoke it unconditionally.
func (s *Spawner) acquireSharedServer(ctx context.Context, p provider.Provider) (shared.ReleaseFunc, error) {
	noop := shared.ReleaseFunc(func() {})

	sb, ok := p.(provider.SharedBacked)
	if !ok {
		return noop, nil
	}
	spec, need := sb.SharedServer()
	if !need {
		return noop, nil
	}

	s.serverMu.Lock()
	s.serverSpecs[spec.Key] = spec
	s.serverMu.Unlock()

	_, release, err := s.servers.Acquire(ctx, spec.Key, nil)
	if err != nil {
		return nil, errors.SpawnFailure("failed to start shared provider server", err)
	}
	return release, nil
}

// startSharedServer boots the backing server registered under key. Called by
// the coordinator at most once per key while a lease is live.
func (s *Spawner) startSharedServer(_ context.Context, key string, _ shared.Config) (shared.Handle, error) {
	s.serverMu.Lock()
	spec, ok := s.serverSpecs[key]
	s.serverMu.Unlock()
	if !ok || len(spec.Command) == 0 {
		return nil, errors.SpawnFailure("no shared server registered for key "+key, nil)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s.logger.Info("shared provider server started",
		zap.String("key", key),
		zap.Int("pid", cmd.Process.Pid))

	proc := &serverProcess{cmd: cmd}
	go func() {
		_ = proc.wait()
		s.logger.Info("shared provider server exited", zap.String("key", key))
	}()
	return proc, nil
}
