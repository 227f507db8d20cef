package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	"github.com/elementalhq/elemental/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// flakyStore wraps a Store with injectable failures for outage and race
// simulation.
type flakyStore struct {
	store.Store

	mu           sync.Mutex
	unavailable  bool
	conflictOnce map[string]bool
	assigned     map[string]string
}

func newFlakyStore(inner store.Store) *flakyStore {
	return &flakyStore{
		Store:        inner,
		conflictOnce: make(map[string]bool),
		assigned:     make(map[string]string),
	}
}

func (f *flakyStore) setUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

func (f *flakyStore) GetReadyTasks(ctx context.Context, limit int) ([]store.TaskAssignmentSnapshot, error) {
	f.mu.Lock()
	down := f.unavailable
	f.mu.Unlock()
	if down {
		return nil, errors.UpstreamUnavailable("task-store", nil)
	}
	return f.Store.GetReadyTasks(ctx, limit)
}

func (f *flakyStore) AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta store.AssignmentMeta) error {
	f.mu.Lock()
	if f.conflictOnce[taskID] {
		delete(f.conflictOnce, taskID)
		f.mu.Unlock()
		return errors.Conflict("task already assigned: " + taskID)
	}
	f.mu.Unlock()

	if err := f.Store.AssignTaskAtomic(ctx, taskID, agentID, meta); err != nil {
		return err
	}
	f.mu.Lock()
	f.assigned[taskID] = agentID
	f.mu.Unlock()
	return nil
}

func (f *flakyStore) assignments() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.assigned))
	for k, v := range f.assigned {
		out[k] = v
	}
	return out
}

func limit(n int) *int { return &n }

func seedWorkers(t *testing.T, st store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{
			ID: "worker-" + string(rune('a'+i)),
			Meta: store.AgentMeta{
				AgentRole: "worker",
				Capabilities: store.CapabilitySet{
					MaxConcurrentTasks: limit(2),
				},
			},
		}))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchAssignsEveryTaskToOneWorker(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(store.NewMemoryStore())
	seedWorkers(t, st, 5)
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, st.CreateTask(ctx, &store.Task{ID: id}))
	}

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var mu sync.Mutex
	var assignedEvents []*bus.Event
	_, err := eventBus.Subscribe(events.TaskAssigned, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		assignedEvents = append(assignedEvents, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	d := NewDaemon(config.DispatchConfig{}, st, eventBus, log)
	d.Start(ctx)
	defer d.Stop()
	d.PollNow()

	waitFor(t, 2*time.Second, func() bool { return len(st.assignments()) == 3 })

	got := st.assignments()
	seen := make(map[string]bool)
	for taskID, agentID := range got {
		assert.False(t, seen[agentID], "worker %s assigned twice", agentID)
		seen[agentID] = true
		task, err := st.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, agentID, task.Assignee)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(assignedEvents) == 3
	})
}

func TestDispatchSkipsConflictedTask(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(store.NewMemoryStore())
	seedWorkers(t, st, 3)
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, st.CreateTask(ctx, &store.Task{ID: id}))
	}
	st.conflictOnce["t2"] = true

	log := testLogger(t)
	d := NewDaemon(config.DispatchConfig{}, st, nil, log)
	d.Start(ctx)
	defer d.Stop()
	d.PollNow()

	waitFor(t, 2*time.Second, func() bool { return len(st.assignments()) == 2 })

	got := st.assignments()
	assert.Contains(t, got, "t1")
	assert.Contains(t, got, "t3")
	assert.NotContains(t, got, "t2", "conflicted task is skipped this pass")

	// The next pass picks up the previously conflicted task.
	d.PollNow()
	waitFor(t, 2*time.Second, func() bool { return len(st.assignments()) == 3 })
}

func TestDispatchRespectsCapabilityMatch(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(store.NewMemoryStore())

	require.NoError(t, st.CreateAgent(ctx, &store.Agent{
		ID: "w-go",
		Meta: store.AgentMeta{
			AgentRole: "worker",
			Capabilities: store.CapabilitySet{
				Skills:             []string{"backend"},
				Languages:          []string{"go"},
				MaxConcurrentTasks: limit(1),
			},
		},
	}))
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{
		ID: "w-py",
		Meta: store.AgentMeta{
			AgentRole: "worker",
			Capabilities: store.CapabilitySet{
				Skills:             []string{"backend"},
				Languages:          []string{"python"},
				MaxConcurrentTasks: limit(1),
			},
		},
	}))
	require.NoError(t, st.CreateTask(ctx, &store.Task{
		ID:                "t-go",
		RequiredLanguages: []string{"go"},
	}))

	log := testLogger(t)
	d := NewDaemon(config.DispatchConfig{}, st, nil, log)
	d.Start(ctx)
	defer d.Stop()
	d.PollNow()

	waitFor(t, 2*time.Second, func() bool { return len(st.assignments()) == 1 })
	assert.Equal(t, "w-go", st.assignments()["t-go"])
}

func TestDispatchRecoversFromStoreOutage(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(store.NewMemoryStore())
	seedWorkers(t, st, 1)
	require.NoError(t, st.CreateTask(ctx, &store.Task{ID: "t1"}))
	st.setUnavailable(true)

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	errCh := make(chan struct{}, 8)
	_, err := eventBus.Subscribe(events.DispatchError, func(_ context.Context, _ *bus.Event) error {
		select {
		case errCh <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	d := NewDaemon(config.DispatchConfig{}, st, eventBus, log)
	d.Start(ctx)
	defer d.Stop()

	d.PollNow()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatch error event during the outage")
	}

	st.setUnavailable(false)
	d.PollNow()
	waitFor(t, 2*time.Second, func() bool { return len(st.assignments()) == 1 })
}

func TestDispatchStopWaitsForLoop(t *testing.T) {
	st := newFlakyStore(store.NewMemoryStore())
	log := testLogger(t)

	d := NewDaemon(config.DispatchConfig{}, st, nil, log)
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	// Stop is idempotent.
	d.Stop()
}

func TestCheckReadyQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := CheckReadyQueue(ctx, st, "w1", ReadyQueueOptions{})
	require.NoError(t, err)
	assert.False(t, res.HasWork)
	assert.Nil(t, res.Task)

	require.NoError(t, st.CreateTask(ctx, &store.Task{ID: "low", Assignee: "w1", Priority: 5, CreatedAt: base}))
	require.NoError(t, st.CreateTask(ctx, &store.Task{ID: "high", Assignee: "w1", Priority: 1, CreatedAt: base}))
	require.NoError(t, st.CreateTask(ctx, &store.Task{ID: "finished", Assignee: "w1", Status: store.TaskDone, CreatedAt: base}))

	res, err = CheckReadyQueue(ctx, st, "w1", ReadyQueueOptions{AutoStart: true})
	require.NoError(t, err)
	assert.True(t, res.HasWork)
	assert.Equal(t, "high", res.Task.ID)
	assert.True(t, res.AutoStart)
	assert.Len(t, res.Pending, 2)

	// The check itself never mutates task state.
	task, err := st.GetTask(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, store.TaskOpen, task.Status)

	res, err = CheckReadyQueue(ctx, st, "w1", ReadyQueueOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res.Pending, 1)
}
