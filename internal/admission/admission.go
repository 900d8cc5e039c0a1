// Package admission decides whether a task may start now and which queued
// task runs next. It only reads the task store; callers that act on a
// decision must serialise decision and claim themselves.
package admission

import (
	"context"
	"fmt"

	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Controller enforces the concurrent running-task limit.
type Controller struct {
	store store.Store
	limit int
}

// New creates a Controller admitting at most limit running tasks.
// A limit below 1 is treated as 1.
func New(st store.Store, limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{store: st, limit: limit}
}

// Limit returns the configured concurrency limit.
func (c *Controller) Limit() int {
	return c.limit
}

// CanAdmit reports whether fewer than limit tasks are running.
func (c *Controller) CanAdmit(ctx context.Context) (bool, error) {
	n, err := c.Running(ctx)
	if err != nil {
		return false, err
	}
	return n < c.limit, nil
}

// Running returns the number of tasks currently in the running state.
func (c *Controller) Running(ctx context.Context) (int, error) {
	n, err := c.store.CountTasksByState(ctx, model.TaskStateRunning)
	if err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

// NextQueued returns the oldest pending task, or nil if the queue is empty.
func (c *Controller) NextQueued(ctx context.Context) (*model.Task, error) {
	tasks, err := c.store.ListPendingTasks(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// QueueDepth returns the number of pending tasks.
func (c *Controller) QueueDepth(ctx context.Context) (int, error) {
	n, err := c.store.CountTasksByState(ctx, model.TaskStatePending)
	if err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// Position returns the 1-based place of taskID in the pending queue, or 0
// when the task is not pending.
func (c *Controller) Position(ctx context.Context, taskID string) (int, error) {
	n, err := c.store.PendingPosition(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("queue position of %s: %w", taskID, err)
	}
	return n, nil
}
