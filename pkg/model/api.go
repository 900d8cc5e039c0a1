package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// SubmitRequest is the body of POST /api/v1/run.
type SubmitRequest struct {
	ExerciseID string `json:"exercise_id"`
	Code       string `json:"code"`
}

// SubmitResult is returned to the submitter once a task is created.
type SubmitResult struct {
	TaskID  string    `json:"task_id"`
	State   TaskState `json:"status"`
	Message string    `json:"message"`
}

// DefaultRecentLimit is the number of tasks returned by recent-task listings.
const DefaultRecentLimit = 10

// ClampLimit enforces list limits (default 10, max 100).
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
