package model

import (
	"strings"
	"time"
)

// Task is one supervised execution attempt of user code against an exercise.
type Task struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ExerciseID string    `json:"exercise_id"`
	Code       string    `json:"code"`
	State      TaskState `json:"status"`
	Message    string    `json:"message"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// CreditsCost is the running count of credits charged for this task,
	// including the start cost. It never decreases.
	CreditsCost int64 `json:"credits_cost"`

	// ProcessID is the OS pid of the run script, 0 until launched.
	ProcessID int `json:"process_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// TotalExecutionTime is set only on the terminal transition.
	TotalExecutionTime *time.Duration `json:"total_execution_time,omitempty"`
}

// Transition moves the task to next, stamping StartedAt when it begins running
// and FinishedAt/TotalExecutionTime when it reaches a terminal state.
func (t *Task) Transition(next TaskState, now time.Time) error {
	if !t.State.CanTransitionTo(next) {
		return &InvalidTransitionError{
			Entity: "task",
			ID:     t.ID,
			From:   string(t.State),
			To:     string(next),
		}
	}
	t.State = next
	if next == TaskStateRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if next.IsTerminal() {
		finished := now
		t.FinishedAt = &finished
		if t.StartedAt != nil {
			total := finished.Sub(*t.StartedAt)
			t.TotalExecutionTime = &total
		}
	}
	return nil
}

// Elapsed returns how long the task has been running as of now.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.FinishedAt != nil {
		return t.FinishedAt.Sub(*t.StartedAt)
	}
	return now.Sub(*t.StartedAt)
}

// Channel returns the live-update channel name for this task.
func (t *Task) Channel() string {
	return TaskChannel(t.ID)
}

// TaskChannel returns the live-update channel name for a task id.
func TaskChannel(id string) string {
	return "task:" + id
}

// TaskIDFromChannel extracts the task id from a channel name produced by
// TaskChannel.
func TaskIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "task:")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// TaskFilter selects tasks for bulk admin operations.
type TaskFilter struct {
	All           bool
	States        []TaskState
	UserID        string
	CreatedBefore time.Time
}

// TaskStats holds per-state task counts.
type TaskStats struct {
	Total  int               `json:"total"`
	States map[TaskState]int `json:"states"`
}
