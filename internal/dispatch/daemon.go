// Package dispatch runs the assignment loop that binds ready tasks to idle
// workers through the task store's atomic assignment.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/capability"
	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/constants"
	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/events/bus"
	"github.com/elementalhq/elemental/internal/store"
)

const (
	defaultTick      = 5 * time.Second
	defaultBatchSize = 16
)

// Daemon polls the store on a fixed tick and assigns ready tasks to the
// best-matching idle workers.
type Daemon struct {
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	tick         time.Duration
	batchSize    int
	storeTimeout time.Duration
	maxBackoff   time.Duration

	pollNow  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDaemon builds a dispatch daemon. Zero config values fall back to the
// defaults (5s tick, batch 16, 30s store timeout, 60s backoff cap).
func NewDaemon(cfg config.DispatchConfig, st store.Store, eventBus bus.EventBus, log *logger.Logger) *Daemon {
	d := &Daemon{
		store:        st,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "dispatch")),
		tick:         cfg.TickDuration(),
		batchSize:    cfg.BatchSize,
		storeTimeout: cfg.StoreTimeoutDuration(),
		maxBackoff:   cfg.MaxBackoffDuration(),
		pollNow:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if d.tick <= 0 {
		d.tick = defaultTick
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.storeTimeout <= 0 {
		d.storeTimeout = constants.StoreCallTimeout
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = constants.DispatchMaxBackoff
	}
	return d
}

// Start launches the dispatch loop.
func (d *Daemon) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the loop to exit at the next boundary and waits for it.
// In-flight store calls are never interrupted.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// PollNow triggers an immediate poll without waiting for the next tick.
func (d *Daemon) PollNow() {
	select {
	case d.pollNow <- struct{}{}:
	default:
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.logger.Info("dispatch daemon started",
		zap.Duration("tick", d.tick),
		zap.Int("batch_size", d.batchSize))

	wait := d.tick
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-d.stop:
			d.logger.Info("dispatch daemon stopped")
			return
		case <-ctx.Done():
			d.logger.Info("dispatch daemon stopped", zap.Error(ctx.Err()))
			return
		case <-d.pollNow:
		case <-timer.C:
		}

		if err := d.runOnce(ctx); err != nil {
			// Store outage: back off exponentially up to the cap.
			wait *= 2
			if wait > d.maxBackoff {
				wait = d.maxBackoff
			}
			d.logger.WithError(err).Warn("dispatch poll failed",
				zap.Duration("retry_in", wait))
			d.publish(ctx, events.DispatchError, map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			wait = d.tick
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// runOnce performs one poll-and-assign pass. It returns an error only when
// the store itself is unreachable; per-task conflicts are skipped.
func (d *Daemon) runOnce(ctx context.Context) error {
	tasks, err := d.readyTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	workers, err := d.idleWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		d.logger.Debug("ready tasks but no idle workers",
			zap.Int("ready", len(tasks)))
		return nil
	}

	assigned := 0
	for _, task := range tasks {
		worker, ok := capability.Best(workers, task)
		if !ok {
			continue
		}
		if err := d.assign(ctx, task, worker); err != nil {
			if errors.IsConflict(err) {
				d.logger.Debug("task assigned elsewhere, skipping",
					zap.String("task_id", task.TaskID))
				continue
			}
			if errors.IsNotFound(err) {
				continue
			}
			return err
		}
		assigned++
		workers = removeWorker(workers, worker.AgentID)
		if len(workers) == 0 {
			break
		}
	}

	if assigned > 0 {
		d.logger.Info("dispatch pass complete",
			zap.Int("assigned", assigned),
			zap.Int("ready", len(tasks)))
	}
	return nil
}

func (d *Daemon) readyTasks(ctx context.Context) ([]store.TaskAssignmentSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.GetReadyTasks(callCtx, d.batchSize)
}

func (d *Daemon) idleWorkers(ctx context.Context) ([]store.IdleWorker, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.GetIdleWorkers(callCtx)
}

func (d *Daemon) assign(ctx context.Context, task store.TaskAssignmentSnapshot, worker store.IdleWorker) error {
	callCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	if err := d.store.AssignTaskAtomic(callCtx, task.TaskID, worker.AgentID, store.AssignmentMeta{}); err != nil {
		return err
	}

	d.logger.WithTaskID(task.TaskID).WithAgentID(worker.AgentID).
		Info("task assigned", zap.Int("priority", task.Priority))
	d.publish(ctx, events.TaskAssigned, map[string]interface{}{
		"task_id":  task.TaskID,
		"agent_id": worker.AgentID,
		"priority": task.Priority,
	})
	return nil
}

func (d *Daemon) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "dispatch", data)
	if err := d.eventBus.Publish(ctx, eventType, event); err != nil {
		d.logger.WithError(err).Debug("failed to publish dispatch event")
	}
}

func removeWorker(workers []store.IdleWorker, agentID string) []store.IdleWorker {
	out := workers[:0]
	for _, w := range workers {
		if w.AgentID != agentID {
			out = append(out, w)
		}
	}
	return out
}
