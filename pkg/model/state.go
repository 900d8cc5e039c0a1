package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending     TaskState = "pending"
	TaskStateRunning     TaskState = "running"
	TaskStateCompleted   TaskState = "completed"
	TaskStateFailed      TaskState = "failed"
	TaskStateInterrupted TaskState = "interrupted"
)

// AllTaskStates lists every state in lifecycle order.
var AllTaskStates = []TaskState{
	TaskStatePending,
	TaskStateRunning,
	TaskStateCompleted,
	TaskStateFailed,
	TaskStateInterrupted,
}

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateInterrupted:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known states.
func (s TaskState) IsValid() bool {
	for _, known := range AllTaskStates {
		if s == known {
			return true
		}
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// A pending task may be interrupted directly when its observer disconnects
// before it was ever admitted.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending: {TaskStateRunning, TaskStateInterrupted},
	TaskStateRunning: {TaskStateCompleted, TaskStateFailed, TaskStateInterrupted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
