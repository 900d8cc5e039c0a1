package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Start runs the fallback dispatch sweep until ctx is cancelled or Stop is
// called, then shuts supervisors down. Running tasks are interrupted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	interval := s.cfg.SweepInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.logger.Info("scheduler started",
		"max_concurrent", s.admission.Limit(),
		"sweep_interval", interval,
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			s.shutdown()
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop called)")
			s.shutdown()
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop interrupts running tasks and waits for their supervisors to exit.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			s.shutdown()
			return
		}
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}

// Tick saves terminal states that failed to persist, then dispatches queued
// tasks into free slots.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.flushUnsaved(ctx); err != nil {
		s.logger.Warn("save deferred terminal states", "error", err)
	}
	if err := s.dispatch(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if _, err := s.admission.QueueDepth(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopping = true
	n := len(s.running)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("interrupting running tasks", "count", n)
	}
	s.cancelRun()
	s.wg.Wait()

	if err := s.flushUnsaved(context.Background()); err != nil {
		s.logger.Error("terminal states lost at shutdown", "error", err)
	}
}

// deferTerminal queues a copy of task for the sweep to persist.
func (s *Scheduler) deferTerminal(task *model.Task) {
	snap := *task
	s.mu.Lock()
	s.unsaved[task.ID] = &snap
	s.mu.Unlock()
}

// flushUnsaved retries terminal writes that failed in their supervisor.
func (s *Scheduler) flushUnsaved(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*model.Task, 0, len(s.unsaved))
	for _, t := range s.unsaved {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		if err := s.store.UpdateTask(ctx, t); err != nil && !errors.Is(err, model.ErrTaskTerminal) {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		s.mu.Lock()
		delete(s.unsaved, t.ID)
		s.mu.Unlock()
		s.logger.Info("deferred terminal state saved", "task_id", t.ID, "state", t.State)
	}
	return errors.Join(errs...)
}
