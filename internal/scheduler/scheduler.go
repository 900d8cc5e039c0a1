// Package scheduler turns submissions into supervised run-script processes.
//
// Submit creates a pending task and hands it to a supervisor when the
// admission limit allows. Each supervisor owns one running task: it launches
// the process, streams output, bills elapsed time and drives the task to
// exactly one terminal state. A finishing supervisor claims the next queued
// task on its own goroutine, and a periodic sweep dispatches anything a
// hand-off missed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulce2011/GPU-Code-Runner/internal/admission"
	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/ledger"
	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
	"github.com/pulce2011/GPU-Code-Runner/internal/process"
	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Interrupt reasons recorded in the task message.
const (
	ReasonDisconnect = "interrupted: client disconnected"
	ReasonShutdown   = "interrupted: server shutting down"
	ReasonRecovered  = "supervisor lost (server restart)"
)

// Scheduler admits, runs and reports on tasks.
type Scheduler struct {
	store     store.Store
	ledger    *ledger.Ledger
	admission *admission.Controller
	launcher  *process.Launcher
	publisher *publish.Publisher
	cfg       config.RuntimeConfig
	logger    *slog.Logger

	// mu serialises admission decisions with claims and guards running.
	mu       sync.Mutex
	running  map[string]*supervisor
	stopping bool

	// unsaved holds terminal snapshots whose write failed; the sweep
	// retries them.
	unsaved map[string]*model.Task

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// New creates a Scheduler. publisher may be nil.
func New(st store.Store, launcher *process.Launcher, publisher *publish.Publisher, cfg config.RuntimeConfig, logger *slog.Logger) *Scheduler {
	logger = logging.Component(logger, "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		ledger:    ledger.New(st, cfg, logger),
		admission: admission.New(st, cfg.MaxConcurrent),
		launcher:  launcher,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]*supervisor),
		unsaved:   make(map[string]*model.Task),
		runCtx:    ctx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Ledger returns the credit ledger the scheduler bills through.
func (s *Scheduler) Ledger() *ledger.Ledger {
	return s.ledger
}

// Submit validates a run request, charges the start cost and creates a
// pending task, starting it at once when a slot is free. Failures are
// *model.APIError values.
func (s *Scheduler) Submit(ctx context.Context, userID, exerciseID, code string) (*model.SubmitResult, error) {
	res, err := s.submit(ctx, userID, exerciseID, code)
	if err != nil {
		apiErr := model.AsAPIError(err)
		metrics.TasksRejected.WithLabelValues(string(apiErr.Code)).Inc()
		return nil, apiErr
	}
	return res, nil
}

func (s *Scheduler) submit(ctx context.Context, userID, exerciseID, code string) (*model.SubmitResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, model.NewValidationError("code is required",
			model.FieldError{Field: "code", Message: "must not be empty"})
	}
	if exerciseID == "" {
		return nil, model.NewValidationError("exercise_id is required",
			model.FieldError{Field: "exercise_id", Message: "must not be empty"})
	}
	if s.cfg.MaxSourceLength > 0 && len(code) > s.cfg.MaxSourceLength {
		return nil, model.NewValidationError(
			fmt.Sprintf("code exceeds the limit of %d characters", s.cfg.MaxSourceLength),
			model.FieldError{Field: "code", Message: "too long"})
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if user == nil {
		return nil, model.NewNotFoundError("user", userID)
	}
	ex, err := s.store.GetExercise(ctx, exerciseID)
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if ex == nil {
		return nil, model.NewNotFoundError("exercise", exerciseID)
	}

	cost := s.cfg.TaskStartCost
	ok, err := s.ledger.HasSufficient(ctx, userID, cost)
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if !ok {
		return nil, model.NewPaymentRequiredError(cost)
	}

	task := &model.Task{
		ID:          "task_" + uuid.New().String(),
		UserID:      userID,
		ExerciseID:  exerciseID,
		Code:        code,
		State:       model.TaskStatePending,
		CreditsCost: cost,
		CreatedAt:   time.Now().UTC(),
	}

	// The balance may have moved since the check; the debit is authoritative.
	ok, err = s.ledger.Deduct(ctx, userID, task.ID, cost, model.LedgerTaskStart)
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if !ok {
		return nil, model.NewPaymentRequiredError(cost)
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("create task after debit", "task_id", task.ID, "user_id", userID, "credits", cost, "error", err)
		return nil, model.NewInternalError(fmt.Sprintf("create task: %v", err))
	}
	s.logger.Info("task submitted", "task_id", task.ID, "user_id", userID, "exercise_id", exerciseID)

	if err := s.dispatch(); err != nil {
		s.logger.Error("dispatch after submit", "task_id", task.ID, "error", err)
	}

	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil || current == nil {
		current = task
	}
	pos := 0
	if current.State == model.TaskStatePending {
		pos, err = s.admission.Position(ctx, task.ID)
		if err != nil {
			return nil, model.NewInternalError(err.Error())
		}
		if pos == 0 {
			// Left the queue since the read; report where it went.
			if t, err := s.store.GetTask(ctx, task.ID); err == nil && t != nil {
				current = t
			}
		}
	}

	res := &model.SubmitResult{TaskID: task.ID, State: current.State}
	if pos > 0 {
		res.Message = fmt.Sprintf("added to queue (position %d)", pos)
		metrics.TasksSubmitted.WithLabelValues("queued").Inc()
	} else {
		res.Message = "task started"
		metrics.TasksSubmitted.WithLabelValues("started").Inc()
	}
	return res, nil
}

// GetTask returns the task if it belongs to userID.
func (s *Scheduler) GetTask(ctx context.Context, taskID, userID string) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if task == nil || task.UserID != userID {
		return nil, model.NewNotFoundError("task", taskID)
	}
	return task, nil
}

// ListRecentTasks returns the user's newest tasks, at most limit (default 10).
func (s *Scheduler) ListRecentTasks(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	tasks, err := s.store.ListTasksByUser(ctx, userID, model.ClampLimit(limit))
	if err != nil {
		return nil, model.NewInternalError(err.Error())
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

// Interrupt stops a task. A running task is signalled and its supervisor
// terminates the process before marking it interrupted; a pending task is
// marked interrupted directly. Terminal tasks are left untouched.
func (s *Scheduler) Interrupt(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sv, ok := s.running[taskID]; ok {
		sv.signal(reason)
		return nil
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task == nil {
		return model.NewNotFoundError("task", taskID)
	}
	if task.State != model.TaskStatePending {
		return nil
	}

	if err := task.Transition(model.TaskStateInterrupted, time.Now().UTC()); err != nil {
		return err
	}
	task.Message = reason
	if err := s.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, model.ErrTaskTerminal) {
			return nil
		}
		return fmt.Errorf("interrupt task %s: %w", taskID, err)
	}
	metrics.TasksFinished.WithLabelValues(string(model.TaskStateInterrupted), "queued").Inc()
	s.logger.Info("pending task interrupted", "task_id", taskID, "reason", reason)
	s.publisher.Publish(task)
	return nil
}

// InterruptChannel interrupts the task behind a live-update channel. It is
// meant to be registered as a transport disconnect hook.
func (s *Scheduler) InterruptChannel(channel string) {
	id, ok := model.TaskIDFromChannel(channel)
	if !ok {
		return
	}
	if err := s.Interrupt(context.Background(), id, ReasonDisconnect); err != nil {
		s.logger.Debug("disconnect interrupt", "task_id", id, "error", err)
	}
}

// Recover fails tasks left running by a previous process, then resumes the
// pending queue.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.store.FailRunningTasks(ctx, ReasonRecovered)
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	if n > 0 {
		metrics.TasksFinished.WithLabelValues(string(model.TaskStateFailed), "recovered").Add(float64(n))
		s.logger.Warn("failed orphaned tasks", "count", n)
	}
	return s.dispatch()
}

// dispatch starts supervisors until the queue is empty or no slot is free.
func (s *Scheduler) dispatch() error {
	for {
		sv, err := s.claimNext()
		if err != nil {
			return err
		}
		if sv == nil {
			return nil
		}
		go s.chain(sv)
	}
}

// chain runs sv and then every task it can claim afterwards, on the same
// goroutine.
func (s *Scheduler) chain(sv *supervisor) {
	defer s.wg.Done()
	for sv != nil {
		sv.run()
		next, err := s.claimNext()
		if err != nil {
			s.logger.Error("claim next task", "error", err)
			return
		}
		if next != nil {
			// Every claim holds a wait group slot; release the finished one.
			s.wg.Done()
		}
		sv = next
	}
}

// claimNext admits the oldest pending task if capacity allows. The returned
// supervisor is registered and holds a wait group slot.
func (s *Scheduler) claimNext() (*supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, nil
	}
	ctx := s.runCtx

	for {
		ok, err := s.admission.CanAdmit(ctx)
		if err != nil || !ok {
			return nil, err
		}
		next, err := s.admission.NextQueued(ctx)
		if err != nil || next == nil {
			return nil, err
		}
		task, err := s.store.ClaimTask(ctx, next.ID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			// Interrupted or claimed between list and claim; try the next one.
			continue
		}

		sv := newSupervisor(s, task)
		s.running[task.ID] = sv
		s.wg.Add(1)
		return sv, nil
	}
}

func (s *Scheduler) unregister(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// Running returns the number of live supervisors.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
