package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
	"github.com/pulce2011/GPU-Code-Runner/internal/process"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Terminal writes are retried this many times before the sweep takes over.
const (
	terminalAttempts   = 3
	terminalRetryDelay = 50 * time.Millisecond
)

// supervisor owns one running task from launch to its terminal state. Only
// the supervisor goroutine touches task.
type supervisor struct {
	s         *Scheduler
	task      *model.Task
	interrupt chan string
	logger    *slog.Logger

	// ctx is for store writes; they must outlive shutdown cancellation.
	ctx context.Context

	handle   *process.Handle
	source   string
	finished bool
}

func newSupervisor(s *Scheduler, task *model.Task) *supervisor {
	return &supervisor{
		s:         s,
		task:      task,
		interrupt: make(chan string, 1),
		logger:    logging.ForTask(s.logger, task.ID, task.UserID),
		ctx:       context.WithoutCancel(s.runCtx),
	}
}

// signal requests an interrupt. Only the first reason is kept.
func (sv *supervisor) signal(reason string) {
	select {
	case sv.interrupt <- reason:
	default:
	}
}

func (sv *supervisor) run() {
	task := sv.task
	metrics.TasksRunning.Inc()
	if task.StartedAt != nil {
		metrics.QueueWait.Observe(task.StartedAt.Sub(task.CreatedAt).Seconds())
	}

	defer func() {
		if r := recover(); r != nil {
			sv.logger.Error("supervisor panic", "panic", r, "stack", string(debug.Stack()))
			msg := fmt.Sprintf("internal error: %v", r)
			if sv.handle != nil {
				sv.handle.Terminate(sv.s.cfg.KillGrace.Duration)
			}
			task.Stderr += msg
			sv.finish(model.TaskStateFailed, msg, "panic")
		}
		if sv.handle != nil {
			// No process outlives its task.
			sv.handle.Terminate(sv.s.cfg.KillGrace.Duration)
		}
		if sv.source != "" {
			if err := os.Remove(sv.source); err != nil && !errors.Is(err, os.ErrNotExist) {
				sv.logger.Warn("remove source file", "path", sv.source, "error", err)
			}
		}
		sv.s.unregister(task.ID)
		metrics.TasksRunning.Dec()
		sv.s.publisher.Publish(task)
	}()

	sv.logger.Info("task started")
	sv.s.publisher.Publish(task)

	ex, err := sv.s.store.GetExercise(sv.ctx, task.ExerciseID)
	if err != nil || ex == nil {
		msg := fmt.Sprintf("exercise %s unavailable", task.ExerciseID)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		task.Stderr = msg
		sv.finish(model.TaskStateFailed, msg, "exercise")
		return
	}

	sv.source, err = writeSource(sv.s.cfg.WorkDir, ex, sv.s.cfg.DefaultFileExtension, task.Code)
	if err != nil {
		msg := fmt.Sprintf("prepare source: %v", err)
		task.Stderr = msg
		sv.finish(model.TaskStateFailed, msg, "source")
		return
	}

	sv.handle, err = sv.s.launcher.Start(sv.s.runCtx, sv.source, ex.Name)
	if err != nil {
		msg := fmt.Sprintf("launch failed: %v", err)
		task.Stderr = msg
		sv.finish(model.TaskStateFailed, msg, "launch")
		return
	}
	task.ProcessID = sv.handle.PID()
	sv.persist()
	sv.s.publisher.Publish(task)

	sv.monitor()
}

// monitor polls the process until it exits or a limit ends the task.
func (sv *supervisor) monitor() {
	cfg := sv.s.cfg
	task := sv.task
	h := sv.handle

	start := time.Now()
	if task.StartedAt != nil {
		start = *task.StartedAt
	}
	lastBill := start

	ticker := time.NewTicker(cfg.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case reason := <-sv.interrupt:
			sv.stop(model.TaskStateInterrupted, reason, "", "interrupt")
			return
		case <-sv.s.runCtx.Done():
			sv.stop(model.TaskStateInterrupted, ReasonShutdown, "", "shutdown")
			return
		case <-h.Done():
		case <-ticker.C:
		}

		if exited, code := h.Poll(); exited {
			sv.finalize(code)
			return
		}

		if stdout, stderr := h.Drain(); stdout != "" || stderr != "" {
			task.Stdout += stdout
			task.Stderr += stderr
			if sv.truncate() {
				h.Terminate(cfg.KillGrace.Duration)
				sv.finish(model.TaskStateFailed, sv.overflowMessage(), "overflow")
				return
			}
			sv.persist()
			sv.s.publisher.Publish(task)
		}

		now := time.Now()
		elapsed := now.Sub(start)
		if elapsed >= cfg.MaxExecutionTime.Duration {
			msg := fmt.Sprintf("timed out after %s", cfg.MaxExecutionTime.Duration)
			sv.stop(model.TaskStateFailed, msg, msg, "timeout")
			return
		}

		if now.Sub(lastBill) >= cfg.BillingInterval.Duration {
			lastBill = now
			if !sv.bill(elapsed) {
				sv.stop(model.TaskStateInterrupted, "credits exhausted", "", "credits")
				return
			}
		}
	}
}

// stop terminates the process, collects what it still had buffered and
// records the terminal state. A non-empty note is appended to stderr.
func (sv *supervisor) stop(state model.TaskState, message, note, reason string) {
	grace := sv.s.cfg.KillGrace.Duration
	sv.handle.Terminate(grace)
	stdout, stderr := sv.handle.Remaining(grace)
	sv.task.Stdout += stdout
	sv.task.Stderr += stderr
	sv.truncate()
	if note != "" {
		sv.appendStderr(note)
	}
	sv.finish(state, message, reason)
}

// finalize records a process exit: remaining output, billing for the full
// run, then completed or failed by exit code.
func (sv *supervisor) finalize(code int) {
	task := sv.task
	grace := sv.s.cfg.KillGrace.Duration
	// Clear whatever the script left running before collecting output.
	sv.handle.Terminate(grace)
	stdout, stderr := sv.handle.Remaining(grace)
	task.Stdout += stdout
	task.Stderr += stderr

	elapsed := task.Elapsed(time.Now())
	if owed := sv.s.ledger.Owed(elapsed, task.CreditsCost); owed > 0 {
		ok, err := sv.s.ledger.Deduct(sv.ctx, task.UserID, task.ID, owed, model.LedgerReconcile)
		switch {
		case err != nil:
			sv.logger.Warn("reconcile billing", "owed", owed, "error", err)
		case !ok:
			sv.logger.Warn("reconcile billing declined", "owed", owed)
		default:
			task.CreditsCost += owed
		}
	}

	if sv.truncate() {
		sv.finish(model.TaskStateFailed, sv.overflowMessage(), "overflow")
		return
	}
	if code == 0 {
		sv.finish(model.TaskStateCompleted, "completed", "exit")
		return
	}
	sv.finish(model.TaskStateFailed, fmt.Sprintf("exited with code %d", code), "exit")
}

// bill charges the increment owed for elapsed and reports whether the task
// may keep running: the debit succeeded and the next increment is covered.
func (sv *supervisor) bill(elapsed time.Duration) bool {
	task := sv.task
	l := sv.s.ledger

	if owed := l.Owed(elapsed, task.CreditsCost); owed > 0 {
		ok, err := l.Deduct(sv.ctx, task.UserID, task.ID, owed, model.LedgerBilling)
		if err != nil {
			sv.logger.Error("billing", "owed", owed, "error", err)
			return false
		}
		if !ok {
			return false
		}
		task.CreditsCost += owed
		sv.persist()
		sv.s.publisher.Publish(task)
	}

	ok, err := l.HasSufficient(sv.ctx, task.UserID, l.Increment())
	if err != nil {
		sv.logger.Error("balance check", "error", err)
		return false
	}
	return ok
}

// truncate caps both streams at the output limit and reports whether either
// was over it.
func (sv *supervisor) truncate() bool {
	limit := sv.s.cfg.MaxOutputBytes
	marker := fmt.Sprintf("\n... [output truncated: limit of %d bytes reached]", limit)
	over := false
	if len(sv.task.Stdout) > limit {
		sv.task.Stdout = strings.ToValidUTF8(sv.task.Stdout[:limit], "") + marker
		over = true
	}
	if len(sv.task.Stderr) > limit {
		sv.task.Stderr = strings.ToValidUTF8(sv.task.Stderr[:limit], "") + marker
		over = true
	}
	return over
}

func (sv *supervisor) overflowMessage() string {
	return fmt.Sprintf("output exceeded the limit of %d bytes", sv.s.cfg.MaxOutputBytes)
}

func (sv *supervisor) appendStderr(note string) {
	if sv.task.Stderr != "" && !strings.HasSuffix(sv.task.Stderr, "\n") {
		sv.task.Stderr += "\n"
	}
	sv.task.Stderr += note
}

// finish moves the task to its terminal state once and persists it.
func (sv *supervisor) finish(state model.TaskState, message, reason string) {
	if sv.finished {
		return
	}
	task := sv.task
	if err := task.Transition(state, time.Now().UTC()); err != nil {
		sv.logger.Error("terminal transition", "state", state, "error", err)
		return
	}
	sv.finished = true
	task.Message = message
	sv.persistTerminal()

	metrics.TasksFinished.WithLabelValues(string(state), reason).Inc()
	if task.TotalExecutionTime != nil {
		metrics.TaskDuration.WithLabelValues(string(state)).Observe(task.TotalExecutionTime.Seconds())
	}
	sv.logger.Info("task finished", "state", state, "reason", reason, "credits", task.CreditsCost, "message", message)
}

func (sv *supervisor) persist() {
	if err := sv.s.store.UpdateTask(sv.ctx, sv.task); err != nil {
		if errors.Is(err, model.ErrTaskTerminal) {
			sv.logger.Debug("task already terminal, update dropped")
			return
		}
		sv.logger.Warn("persist task", "error", err)
	}
}

// persistTerminal writes the terminal row, retrying store errors. A snapshot
// that still cannot be written is handed to the sweep; otherwise the row
// would stay running and hold an admission slot forever.
func (sv *supervisor) persistTerminal() {
	var err error
	for attempt := 0; attempt < terminalAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * terminalRetryDelay)
		}
		err = sv.s.store.UpdateTask(sv.ctx, sv.task)
		if err == nil || errors.Is(err, model.ErrTaskTerminal) {
			return
		}
		sv.logger.Warn("persist terminal task", "attempt", attempt+1, "error", err)
	}
	sv.logger.Error("terminal state not saved, leaving it to the sweep", "state", sv.task.State, "error", err)
	sv.s.deferTerminal(sv.task)
}
