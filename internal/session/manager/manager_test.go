//go:build !windows

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/spawner"
	"github.com/elementalhq/elemental/internal/store"
)

// echoAgent answers the init handshake after the first user message, then
// echoes every further message as an assistant event. Passing --resume makes
// it report the resumed id instead of its default.
const echoAgent = `resume="abc"
while [ $# -gt 0 ]; do
  if [ "$1" = "--resume" ]; then resume="$2"; fi
  shift
done
read line
sleep 0.2
printf '{"type":"system","subtype":"init","session_id":"%s"}\n' "$resume"
while read msg; do
  printf '{"type":"assistant","message":"echo"}\n'
done
`

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestSpawner(t *testing.T, script string) *spawner.Spawner {
	t.Helper()
	dir := t.TempDir()

	scriptPath := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script), 0o755))

	regPath := filepath.Join(dir, "providers.yaml")
	content := "providers:\n  mock:\n    binary: " + scriptPath + "\n"
	require.NoError(t, os.WriteFile(regPath, []byte(content), 0o644))

	reg, err := provider.NewRegistry(config.ProviderConfig{Default: "mock", RegistryPath: regPath})
	require.NoError(t, err)

	cfg := config.SpawnerConfig{
		InitTimeout:         120,
		GracefulStopTimeout: 1,
		SubscriberBuffer:    64,
		PTYCols:             120,
		PTYRows:             30,
	}
	return spawner.New(cfg, reg, dir, testLogger(t))
}

func seedAgent(t *testing.T, st store.Store, id, workingDir string) {
	t.Helper()
	require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{
		ID:         id,
		Name:       id,
		WorkingDir: workingDir,
		Meta:       store.AgentMeta{AgentRole: "worker"},
	}))
}

func waitForSessionStatus(t *testing.T, st store.Store, agentID, status string) *store.Agent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agent, err := st.GetAgent(context.Background(), agentID)
		require.NoError(t, err)
		if agent.Meta.SessionStatus == status {
			return agent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %s never reached session status %s", agentID, status)
	return nil
}

func TestStartBuffersSendsUntilRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	sess, err := m.Start(ctx, "agent-1", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusStarting, sess.Status)

	sub, err := m.Stream(sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	// Buffered while the init handshake is still pending.
	require.NoError(t, m.Send(sess.ID, "queued message"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ready, err := m.WaitReady(waitCtx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", ready.UpstreamSessionID)

	// The flushed message comes back as an assistant echo.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed before echo arrived")
			if ev.Kind == session.EventAssistant {
				assert.Equal(t, "echo", ev.Text)
				return
			}
		case <-deadline:
			t.Fatal("buffered message was never delivered")
		}
	}
}

func TestStoreBindingFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	sess, err := m.Start(ctx, "agent-1", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)

	agent := waitForSessionStatus(t, st, "agent-1", "running")
	assert.Equal(t, sess.ID, agent.Meta.SessionID)
	assert.Equal(t, "abc", agent.Meta.UpstreamSessionID)

	require.NoError(t, m.Stop(ctx, sess.ID, false))
	agent = waitForSessionStatus(t, st, "agent-1", "terminated")
	assert.Equal(t, "abc", agent.Meta.UpstreamSessionID, "upstream id survives termination")
}

func TestResumeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-a", "")

	// First life: run a session to completion so the store learns the
	// upstream id.
	m1 := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	sess, err := m1.Start(ctx, "agent-a", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = m1.WaitReady(waitCtx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, m1.Stop(ctx, sess.ID, false))
	waitForSessionStatus(t, st, "agent-a", "terminated")

	// Second life: a fresh manager with no in-memory history.
	m2 := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m2.Shutdown(ctx)
	assert.Empty(t, m2.History("agent-a", session.RoleWorker))

	resumed, err := m2.Resume(ctx, "agent-a", ResumeOptions{
		StartOptions: StartOptions{
			Role:          session.RoleWorker,
			Mode:          session.ModeHeadless,
			InitialPrompt: "continue",
		},
		FallBackToStart: false,
	})
	require.NoError(t, err)

	waitCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	ready, err := m2.WaitReady(waitCtx2, resumed.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", ready.UpstreamSessionID,
		"spawner must be invoked with the stored upstream id")
	assert.Equal(t, session.StatusRunning, ready.Status)
}

func TestResumeWithoutHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	_, err := m.Resume(ctx, "agent-1", ResumeOptions{
		StartOptions: StartOptions{
			Role:          session.RoleWorker,
			Mode:          session.ModeHeadless,
			InitialPrompt: "hi",
		},
		FallBackToStart: false,
	})
	assert.True(t, errors.IsNotFound(err))

	sess, err := m.Resume(ctx, "agent-1", ResumeOptions{
		StartOptions: StartOptions{
			Role:          session.RoleWorker,
			Mode:          session.ModeHeadless,
			InitialPrompt: "hi",
		},
		FallBackToStart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusStarting, sess.Status)
}

func TestResumeRequiresAnchoredWork(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")
	require.NoError(t, st.UpdateAgentSession(ctx, "agent-1", store.AgentSessionUpdate{
		UpstreamSessionID: "u-old",
		Status:            "terminated",
		LastSeen:          time.Now().UTC(),
	}))

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	opts := ResumeOptions{
		StartOptions: StartOptions{
			Role:          session.RoleWorker,
			Mode:          session.ModeHeadless,
			InitialPrompt: "hi",
		},
		RequireAnchoredWork: true,
	}
	_, err := m.Resume(ctx, "agent-1", opts)
	assert.True(t, errors.IsInvalidState(err), "no anchored work must refuse the resume")

	require.NoError(t, st.CreateTask(ctx, &store.Task{ID: "t1", Assignee: "agent-1"}))
	sess, err := m.Resume(ctx, "agent-1", opts)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestSendAcceptedAcrossStartupTransition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	sess, err := m.Start(ctx, "agent-1", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)

	ready := make(chan struct{})
	go func() {
		defer close(ready)
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, _ = m.WaitReady(waitCtx, sess.ID)
	}()

	// Sends racing the starting-to-running transition must buffer or
	// deliver; a stale starting snapshot is no reason to reject input the
	// running session would accept.
	for {
		require.NoError(t, m.Send(sess.ID, "ping"))
		select {
		case <-ready:
			require.NoError(t, m.Send(sess.ID, "ping"))
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSendRejectedAfterTermination(t *testing.T) {
	ctx := context.Background()
	m := New(newTestSpawner(t, echoAgent), store.NewMemoryStore(), nil, testLogger(t))
	defer m.Shutdown(ctx)

	sess, err := m.Start(ctx, "agent-1", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = m.WaitReady(waitCtx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, sess.ID, false))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := m.Get(sess.ID)
		require.NoError(t, err)
		if cur.Status == session.StatusTerminated {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = m.Send(sess.ID, "too late")
	assert.True(t, errors.IsInvalidState(err))
}

func TestHistoryRecordsEndedSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "agent-1", "")

	m := New(newTestSpawner(t, echoAgent), st, nil, testLogger(t))
	defer m.Shutdown(ctx)

	sess, err := m.Start(ctx, "agent-1", StartOptions{
		Role:          session.RoleWorker,
		Mode:          session.ModeHeadless,
		InitialPrompt: "hi",
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = m.WaitReady(waitCtx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, sess.ID, false))
	waitForSessionStatus(t, st, "agent-1", "terminated")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.History("agent-1", session.RoleWorker)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := m.History("agent-1", session.RoleWorker)
	require.Len(t, entries, 1)
	assert.Equal(t, sess.ID, entries[0].SessionID)
	assert.Equal(t, "abc", entries[0].UpstreamSessionID)
	assert.True(t, entries[0].Resumable())
	assert.NotNil(t, entries[0].EndedAt)

	assert.Empty(t, m.History("agent-1", session.RoleDirector))
}
