package store

import (
	"context"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// Store defines the persistence layer for runner entities.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	ClaimTask(ctx context.Context, id string) (*model.Task, error)
	ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error)
	CountTasksByState(ctx context.Context, state model.TaskState) (int, error)
	PendingPosition(ctx context.Context, id string) (int, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error)
	FailRunningTasks(ctx context.Context, message string) (int64, error)
	DeleteTasks(ctx context.Context, filter model.TaskFilter) (int64, error)
	TaskStats(ctx context.Context) (*model.TaskStats, error)

	// User and credit operations
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByMatr(ctx context.Context, matr string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
	DeductCredits(ctx context.Context, userID string, amount int64) (balance int64, ok bool, err error)
	ResetCredits(ctx context.Context, floor int64) (int64, error)
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)

	// Exercise catalog
	CreateExercise(ctx context.Context, ex *model.Exercise) error
	GetExercise(ctx context.Context, id string) (*model.Exercise, error)
	ListExercises(ctx context.Context) ([]*model.Exercise, error)
	UpsertExercise(ctx context.Context, ex *model.Exercise) error
	DeleteExercises(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
