//go:build !windows

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/process"
	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// runScript executes the submitted code as a shell script, so each test
// describes its process behaviour in the submission itself.
const runScript = "#!/bin/sh\nexec sh \"$1\"\n"

type fixture struct {
	sched   *Scheduler
	store   *store.SQLiteStore
	hub     *publish.Hub
	workDir string
}

func testConfig(t *testing.T) config.RuntimeConfig {
	cfg := config.DefaultRuntimeConfig()
	cfg.RateUnit = config.D(100 * time.Millisecond)
	cfg.BillingInterval = config.D(100 * time.Millisecond)
	cfg.MaxExecutionTime = config.D(10 * time.Second)
	cfg.MaxOutputBytes = 1 << 16
	cfg.WorkDir = t.TempDir()
	cfg.LineBuffered = false
	cfg.PollInterval = config.D(5 * time.Millisecond)
	cfg.KillGrace = config.D(200 * time.Millisecond)
	cfg.SweepInterval = config.D(50 * time.Millisecond)
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.RuntimeConfig)) *fixture {
	t.Helper()
	return newFixtureWithStore(t, mutate, nil)
}

// newFixtureWithStore lets wrap stand between the scheduler and the SQLite
// store; the fixture's own store handle stays unwrapped.
func newFixtureWithStore(t *testing.T, mutate func(*config.RuntimeConfig), wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	script := filepath.Join(t.TempDir(), "run_exercise.sh")
	if err := os.WriteFile(script, []byte(runScript), 0o755); err != nil {
		t.Fatalf("write run script: %v", err)
	}

	cfg := testConfig(t)
	cfg.RunCommand = "sh " + script
	if mutate != nil {
		mutate(&cfg)
	}

	launcher, err := process.NewLauncher(cfg.RunCommand, "", cfg.LineBuffered, logger)
	if err != nil {
		t.Fatalf("launcher: %v", err)
	}
	hub := publish.NewHub(256, logger)
	var schedStore store.Store = st
	if wrap != nil {
		schedStore = wrap(st)
	}
	sched := New(schedStore, launcher, publish.NewPublisher(hub, logger), cfg, logger)
	t.Cleanup(func() { sched.Stop() })

	ctx := context.Background()
	if err := st.CreateExercise(ctx, &model.Exercise{
		ID: "ex-1", Name: "shell_ex", ReturnType: "void", FileExtension: ".sh",
	}); err != nil {
		t.Fatalf("create exercise: %v", err)
	}
	return &fixture{sched: sched, store: st, hub: hub, workDir: cfg.WorkDir}
}

func (f *fixture) addUser(t *testing.T, id string, credits int64, privileged bool) {
	t.Helper()
	err := f.store.CreateUser(context.Background(), &model.User{
		ID: id, Matr: id, Credits: credits, Privileged: privileged, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	if err != nil || u == nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Credits
}

func (f *fixture) submit(t *testing.T, userID, code string) *model.SubmitResult {
	t.Helper()
	res, err := f.sched.Submit(context.Background(), userID, "ex-1", code)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (f *fixture) waitFor(t *testing.T, id string, timeout time.Duration, cond func(*model.Task) bool) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, err := f.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task != nil && cond(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: condition not met within %v (last: %+v)", id, timeout, task)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) waitTerminal(t *testing.T, id string) *model.Task {
	t.Helper()
	return f.waitFor(t, id, 10*time.Second, func(task *model.Task) bool { return task.State.IsTerminal() })
}

func (f *fixture) waitRunning(t *testing.T, id string) *model.Task {
	t.Helper()
	return f.waitFor(t, id, 5*time.Second, func(task *model.Task) bool {
		return task.State == model.TaskStateRunning && task.ProcessID > 0
	})
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.sched.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("supervisors still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertAPIError(t *testing.T, err error, code model.ErrorCode) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError", err)
	}
	if apiErr.Code != code {
		t.Errorf("code = %s, want %s (%s)", apiErr.Code, code, apiErr.Message)
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, func(c *config.RuntimeConfig) { c.MaxSourceLength = 20 })
	f.addUser(t, "u1", 100, false)
	ctx := context.Background()

	_, err := f.sched.Submit(ctx, "u1", "ex-1", "   ")
	assertAPIError(t, err, model.ErrValidation)

	_, err = f.sched.Submit(ctx, "u1", "", "echo hi")
	assertAPIError(t, err, model.ErrValidation)

	_, err = f.sched.Submit(ctx, "u1", "ex-1", "echo this line is far too long")
	assertAPIError(t, err, model.ErrValidation)

	_, err = f.sched.Submit(ctx, "u1", "nope", "echo hi")
	assertAPIError(t, err, model.ErrNotFound)

	if stats, _ := f.store.TaskStats(ctx); stats.Total != 0 {
		t.Errorf("rejected submissions created %d tasks", stats.Total)
	}
	if got := f.balance(t, "u1"); got != 100 {
		t.Errorf("balance = %d, rejected submissions must not charge", got)
	}
}

func TestSubmit_PaymentRequired(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "broke", 0, false)

	_, err := f.sched.Submit(context.Background(), "broke", "ex-1", "echo hi")
	assertAPIError(t, err, model.ErrPaymentRequired)
	if stats, _ := f.store.TaskStats(context.Background()); stats.Total != 0 {
		t.Error("no task should be created without credits")
	}
}

func TestSubmit_CompletesAndCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 100, false)

	res := f.submit(t, "u1", "echo hello; echo warn >&2")
	if res.Message != "task started" {
		t.Errorf("message = %q", res.Message)
	}

	task := f.waitTerminal(t, res.TaskID)
	if task.State != model.TaskStateCompleted {
		t.Fatalf("state = %s (%s)", task.State, task.Message)
	}
	if task.Stdout != "hello\n" || task.Stderr != "warn\n" {
		t.Errorf("stdout=%q stderr=%q", task.Stdout, task.Stderr)
	}
	if task.StartedAt == nil || task.FinishedAt == nil || task.TotalExecutionTime == nil {
		t.Fatal("terminal task must carry start, finish and total time")
	}
	if task.StartedAt.After(*task.FinishedAt) {
		t.Error("started_at after finished_at")
	}
	if *task.TotalExecutionTime != task.FinishedAt.Sub(*task.StartedAt) {
		t.Errorf("total = %v, want finished - started", *task.TotalExecutionTime)
	}
	if task.ProcessID == 0 {
		t.Error("process id not recorded")
	}
	if task.CreditsCost < 1 {
		t.Errorf("credits_cost = %d, want at least the start cost", task.CreditsCost)
	}
	if got := f.balance(t, "u1"); got != 100-task.CreditsCost {
		t.Errorf("balance = %d, want %d", got, 100-task.CreditsCost)
	}

	f.waitIdle(t)
	entries, _ := os.ReadDir(filepath.Join(f.workDir, "shell_ex"))
	if len(entries) != 0 {
		t.Errorf("temp source files left behind: %d", len(entries))
	}
}

func TestSubmit_NonZeroExitFails(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 100, false)

	res := f.submit(t, "u1", "echo bad >&2; exit 4")
	task := f.waitTerminal(t, res.TaskID)
	if task.State != model.TaskStateFailed {
		t.Fatalf("state = %s", task.State)
	}
	if task.Message != "exited with code 4" || task.Stderr != "bad\n" {
		t.Errorf("message=%q stderr=%q", task.Message, task.Stderr)
	}
}

func TestSubmit_FIFO(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 1000, false)

	a := f.submit(t, "u1", "sleep 0.2")
	b := f.submit(t, "u1", "sleep 0.2")
	c := f.submit(t, "u1", "sleep 0.2")

	if a.State != model.TaskStateRunning {
		t.Errorf("A state = %s, want running", a.State)
	}
	if b.State != model.TaskStatePending || b.Message != "added to queue (position 1)" {
		t.Errorf("B = %+v", b)
	}
	if c.Message != "added to queue (position 2)" {
		t.Errorf("C message = %q", c.Message)
	}

	ta := f.waitTerminal(t, a.TaskID)
	tb := f.waitTerminal(t, b.TaskID)
	tc := f.waitTerminal(t, c.TaskID)
	for _, task := range []*model.Task{ta, tb, tc} {
		if task.State != model.TaskStateCompleted {
			t.Fatalf("%s state = %s (%s)", task.ID, task.State, task.Message)
		}
	}
	if tb.StartedAt.Before(*ta.FinishedAt) {
		t.Error("B started before A finished")
	}
	if tc.StartedAt.Before(*tb.FinishedAt) {
		t.Error("C started before B finished")
	}
}

func TestSubmit_ConcurrencyLimit(t *testing.T) {
	const limit = 2
	f := newFixture(t, func(c *config.RuntimeConfig) { c.MaxConcurrent = limit })
	f.addUser(t, "u1", 100000, false)

	stop := make(chan struct{})
	violation := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, _ := f.store.CountTasksByState(context.Background(), model.TaskStateRunning)
			if n > limit {
				select {
				case violation <- n:
				default:
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sched.Submit(context.Background(), "u1", "ex-1", "sleep 0.1")
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ids <- res.TaskID
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		if task := f.waitTerminal(t, id); task.State != model.TaskStateCompleted {
			t.Errorf("%s state = %s (%s)", id, task.State, task.Message)
		}
	}
	close(stop)

	select {
	case n := <-violation:
		t.Errorf("observed %d running tasks, limit %d", n, limit)
	default:
	}
}

func TestGetTask_OwnerScoped(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "owner", 100, false)
	f.addUser(t, "other", 100, false)
	ctx := context.Background()

	res := f.submit(t, "owner", "true")
	if _, err := f.sched.GetTask(ctx, res.TaskID, "owner"); err != nil {
		t.Errorf("owner lookup: %v", err)
	}
	_, err := f.sched.GetTask(ctx, res.TaskID, "other")
	assertAPIError(t, err, model.ErrNotFound)
	_, err = f.sched.GetTask(ctx, "task_missing", "owner")
	assertAPIError(t, err, model.ErrNotFound)
}

func TestListRecentTasks(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 1000, false)
	ctx := context.Background()

	var last string
	for i := 0; i < 12; i++ {
		last = f.submit(t, "u1", fmt.Sprintf("exit %d", i%2)).TaskID
	}
	tasks, err := f.sched.ListRecentTasks(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != model.DefaultRecentLimit {
		t.Errorf("got %d tasks, want %d", len(tasks), model.DefaultRecentLimit)
	}
	if tasks[0].ID != last {
		t.Errorf("newest task = %s, want %s", tasks[0].ID, last)
	}

	empty, _ := f.sched.ListRecentTasks(ctx, "nobody", 5)
	if empty == nil || len(empty) != 0 {
		t.Errorf("unknown user should get an empty list, got %v", empty)
	}
}

func TestRecover_FailsOrphansAndResumesQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 100, false)
	ctx := context.Background()

	now := time.Now().UTC()
	f.store.CreateTask(ctx, &model.Task{ID: "task_orphan", UserID: "u1", ExerciseID: "ex-1",
		Code: "true", State: model.TaskStatePending, CreatedAt: now})
	f.store.ClaimTask(ctx, "task_orphan")
	f.store.CreateTask(ctx, &model.Task{ID: "task_queued", UserID: "u1", ExerciseID: "ex-1",
		Code: "echo resumed", State: model.TaskStatePending, CreatedAt: now.Add(time.Millisecond)})

	if err := f.sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	orphan, _ := f.store.GetTask(ctx, "task_orphan")
	if orphan.State != model.TaskStateFailed || orphan.Message != ReasonRecovered {
		t.Errorf("orphan = %s %q", orphan.State, orphan.Message)
	}
	queued := f.waitTerminal(t, "task_queued")
	if queued.State != model.TaskStateCompleted || queued.Stdout != "resumed\n" {
		t.Errorf("queued = %s %q", queued.State, queued.Stdout)
	}
}

func TestStart_SweepDispatchesQueuedTasks(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 100, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Inserted behind the scheduler's back, as after a missed hand-off.
	f.store.CreateTask(ctx, &model.Task{ID: "task_stray", UserID: "u1", ExerciseID: "ex-1",
		Code: "true", State: model.TaskStatePending, CreatedAt: time.Now().UTC()})

	done := make(chan error, 1)
	go func() { done <- f.sched.Start(ctx) }()

	task := f.waitTerminal(t, "task_stray")
	if task.State != model.TaskStateCompleted {
		t.Errorf("state = %s", task.State)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStop_InterruptsRunningTasks(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "u1", 100000, false)

	res := f.submit(t, "u1", "sleep 30")
	f.waitRunning(t, res.TaskID)

	if err := f.sched.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	task, _ := f.store.GetTask(context.Background(), res.TaskID)
	if task.State != model.TaskStateInterrupted || task.Message != ReasonShutdown {
		t.Errorf("after stop: %s %q", task.State, task.Message)
	}
}

// flakyStore fails the next n terminal task writes.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) UpdateTask(ctx context.Context, task *model.Task) error {
	if task.State.IsTerminal() && s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.Store.UpdateTask(ctx, task)
}

func TestTerminalWrite_RetriedOnStoreError(t *testing.T) {
	flaky := &flakyStore{}
	flaky.failures.Store(terminalAttempts - 1)
	f := newFixtureWithStore(t, nil, func(st store.Store) store.Store {
		flaky.Store = st
		return flaky
	})
	f.addUser(t, "u1", 100, false)

	task := f.waitTerminal(t, f.submit(t, "u1", "echo hi").TaskID)
	if task.State != model.TaskStateCompleted {
		t.Errorf("state = %s, want completed", task.State)
	}
}

func TestTerminalWrite_SweepSavesAndQueueResumes(t *testing.T) {
	flaky := &flakyStore{}
	flaky.failures.Store(terminalAttempts)
	f := newFixtureWithStore(t, nil, func(st store.Store) store.Store {
		flaky.Store = st
		return flaky
	})
	f.addUser(t, "u1", 100, false)
	ctx := context.Background()

	a := f.submit(t, "u1", "echo a")
	b := f.submit(t, "u1", "echo b")
	f.waitIdle(t)

	// Every attempt failed: the row still holds the only slot.
	if task, _ := f.store.GetTask(ctx, a.TaskID); task.State != model.TaskStateRunning {
		t.Fatalf("a = %s before sweep, want running", task.State)
	}
	if task, _ := f.store.GetTask(ctx, b.TaskID); task.State != model.TaskStatePending {
		t.Fatalf("b = %s before sweep, want pending", task.State)
	}

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if task := f.waitTerminal(t, a.TaskID); task.State != model.TaskStateCompleted || task.Stdout != "a\n" {
		t.Errorf("a = %s %q", task.State, task.Stdout)
	}
	if task := f.waitTerminal(t, b.TaskID); task.State != model.TaskStateCompleted {
		t.Errorf("b = %s, want completed", task.State)
	}
}

func TestNew_NilLogger(t *testing.T) {
	f := newFixture(t, nil)
	launcher, err := process.NewLauncher("sh run.sh", "", false, nil)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	sched := New(f.store, launcher, publish.NewPublisher(publish.NewHub(0, nil), nil), testConfig(t), nil)
	if _, err := sched.ListRecentTasks(context.Background(), "nobody", 0); err != nil {
		t.Errorf("ListRecentTasks: %v", err)
	}
	sched.Stop()
}
