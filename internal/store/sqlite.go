package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical ORDER BY on the text column matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(timeLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.Component(logger, "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Task operations ---

const taskColumns = `id, user_id, exercise_id, code, state, message, stdout, stderr,
	credits_cost, process_id, created_at, started_at, finished_at, total_ns`

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "insert", "table", "tasks", "id", task.ID)

	var totalNS *int64
	if task.TotalExecutionTime != nil {
		v := int64(*task.TotalExecutionTime)
		totalNS = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.ExerciseID, task.Code, string(task.State), task.Message,
		task.Stdout, task.Stderr, task.CreditsCost, task.ProcessID,
		formatTime(task.CreatedAt), formatTimePtr(task.StartedAt), formatTimePtr(task.FinishedAt), totalNS,
	)
	return err
}

// GetTask returns the task with the given id, or nil if none exists.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks", "id", id)
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// UpdateTask persists every mutable field of a live task. Rows already in a
// terminal state are never rewritten: the call returns model.ErrTaskTerminal.
// credits_cost is only ever raised.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	s.logger.Debug("sql", "op", "update", "table", "tasks", "id", task.ID, "state", task.State)

	var totalNS *int64
	if task.TotalExecutionTime != nil {
		v := int64(*task.TotalExecutionTime)
		totalNS = &v
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state=?, message=?, stdout=?, stderr=?,
		 credits_cost=MAX(credits_cost, ?), process_id=?,
		 started_at=?, finished_at=?, total_ns=?
		 WHERE id=? AND state IN ('pending', 'running')`,
		string(task.State), task.Message, task.Stdout, task.Stderr,
		task.CreditsCost, task.ProcessID,
		formatTimePtr(task.StartedAt), formatTimePtr(task.FinishedAt), totalNS,
		task.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, task.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return model.ErrTaskTerminal
}

// ClaimTask moves a pending task to running and stamps started_at. It returns
// nil if the task was no longer pending.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string) (*model.Task, error) {
	s.logger.Debug("sql", "op", "claim", "table", "tasks", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = 'running', started_at = ? WHERE id = ? AND state = 'pending'`,
		formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	return s.GetTask(ctx, id)
}

// ListPendingTasks returns pending tasks oldest first. limit <= 0 means all.
func (s *SQLiteStore) ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list_pending", "table", "tasks", "limit", limit)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = 'pending'
		 ORDER BY created_at, rowid LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) CountTasksByState(ctx context.Context, state model.TaskState) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "tasks", "state", state)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE state = ?`, string(state)).Scan(&n)
	return n, err
}

// PendingPosition ranks a pending task in FIFO order (1 is next to run).
// It returns 0 for tasks that are not pending.
func (s *SQLiteStore) PendingPosition(ctx context.Context, id string) (int, error) {
	s.logger.Debug("sql", "op", "pending_position", "table", "tasks", "id", id)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks p, tasks t
		 WHERE t.id = ? AND t.state = 'pending' AND p.state = 'pending'
		   AND (p.created_at < t.created_at
		        OR (p.created_at = t.created_at AND p.rowid <= t.rowid))`, id).Scan(&n)
	return n, err
}

// ListTasksByUser returns a user's tasks newest first.
func (s *SQLiteStore) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "list", "table", "tasks", "user_id", userID, "limit", limit)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// FailRunningTasks marks every running task failed with message. It is used at
// startup, when no supervisor can own a running row.
func (s *SQLiteStore) FailRunningTasks(ctx context.Context, message string) (int64, error) {
	s.logger.Debug("sql", "op", "fail_running", "table", "tasks")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = 'running' ORDER BY created_at, rowid`)
	if err != nil {
		return 0, err
	}
	tasks, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var n int64
	for _, task := range tasks {
		if err := task.Transition(model.TaskStateFailed, now); err != nil {
			return n, err
		}
		task.Message = message
		if err := s.UpdateTask(ctx, task); err != nil {
			return n, fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		n++
	}
	return n, nil
}

// DeleteTasks removes tasks matching filter. An empty filter without All set
// is rejected.
func (s *SQLiteStore) DeleteTasks(ctx context.Context, filter model.TaskFilter) (int64, error) {
	s.logger.Debug("sql", "op", "delete", "table", "tasks", "all", filter.All)

	var where []string
	var args []any
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.CreatedBefore))
	}
	if len(where) == 0 && !filter.All {
		return 0, fmt.Errorf("refusing to delete tasks without a filter")
	}

	query := "DELETE FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TaskStats counts tasks per state.
func (s *SQLiteStore) TaskStats(ctx context.Context) (*model.TaskStats, error) {
	s.logger.Debug("sql", "op", "stats", "table", "tasks")

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.TaskStats{States: make(map[model.TaskState]int)}
	for _, st := range model.AllTaskStates {
		stats.States[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats.States[model.TaskState(state)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// --- User and credit operations ---

const userColumns = `id, email, matr, first_name, last_name, credits, privileged, created_at`

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	s.logger.Debug("sql", "op", "insert", "table", "users", "id", u.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Matr, u.FirstName, u.LastName, u.Credits, u.Privileged,
		formatTime(u.CreatedAt),
	)
	return err
}

// GetUser returns the user with the given id, or nil if none exists.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.logger.Debug("sql", "op", "select", "table", "users", "id", id)
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// GetUserByMatr looks a user up by student registration number.
func (s *SQLiteStore) GetUserByMatr(ctx context.Context, matr string) (*model.User, error) {
	s.logger.Debug("sql", "op", "select", "table", "users", "matr", matr)
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE matr = ?`, matr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// UpsertUser inserts u or overwrites the profile and balance of an existing row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *model.User) error {
	s.logger.Debug("sql", "op", "upsert", "table", "users", "id", u.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, matr=excluded.matr,
		 first_name=excluded.first_name, last_name=excluded.last_name,
		 credits=excluded.credits, privileged=excluded.privileged`,
		u.ID, u.Email, u.Matr, u.FirstName, u.LastName, u.Credits, u.Privileged,
		formatTime(u.CreatedAt),
	)
	return err
}

// DeductCredits subtracts amount from the user's balance in one conditional
// UPDATE. It reports the new balance and whether the debit was applied; a
// debit that would go negative leaves the row untouched.
func (s *SQLiteStore) DeductCredits(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	s.logger.Debug("sql", "op", "deduct", "table", "users", "id", userID, "amount", amount)

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - ? WHERE id = ? AND credits >= ? RETURNING credits`,
		amount, userID, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, model.ErrUserNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return balance, false, nil
}

// ResetCredits raises every non-privileged balance below floor to floor and
// records a reset ledger entry per user. It returns the number of users
// topped up.
func (s *SQLiteStore) ResetCredits(ctx context.Context, floor int64) (int64, error) {
	s.logger.Debug("sql", "op", "reset_credits", "table", "users", "floor", floor)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, credits FROM users WHERE privileged = 0 AND credits < ?`, floor)
	if err != nil {
		return 0, err
	}
	type topUp struct {
		id      string
		credits int64
	}
	var targets []topUp
	for rows.Next() {
		var t topUp
		if err := rows.Scan(&t.id, &t.credits); err != nil {
			rows.Close()
			return 0, err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := formatTime(time.Now())
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_ledger (user_id, task_id, amount, reason, balance, created_at)
			 VALUES (?, '', ?, ?, ?, ?)`,
			t.id, t.credits-floor, string(model.LedgerReset), floor, now); err != nil {
			return 0, fmt.Errorf("ledger reset %s: %w", t.id, err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = ? WHERE privileged = 0 AND credits < ?`, floor, floor)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	s.logger.Debug("sql", "op", "insert", "table", "credit_ledger", "user_id", e.UserID, "reason", e.Reason)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_ledger (user_id, task_id, amount, reason, balance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.TaskID, e.Amount, string(e.Reason), e.Balance, formatTime(e.Timestamp))
	if err != nil {
		return err
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// ListLedgerEntries returns entries newest first. An empty userID lists all users.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	s.logger.Debug("sql", "op", "list", "table", "credit_ledger", "user_id", userID)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, task_id, amount, reason, balance, created_at FROM credit_ledger
		 WHERE (? = '' OR user_id = ?) ORDER BY id DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var reason, ts string
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.Amount, &reason, &e.Balance, &ts); err != nil {
			return nil, err
		}
		e.Reason = model.LedgerReason(reason)
		if t := parseTimePtr(&ts); t != nil {
			e.Timestamp = *t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Exercise catalog ---

const exerciseColumns = `id, name, return_type, params, comment, file_extension, includes`

func exerciseArgs(ex *model.Exercise) ([]any, error) {
	params := ex.Params
	if params == nil {
		params = []model.Param{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	includes := ex.Includes
	if includes == nil {
		includes = []string{}
	}
	includesJSON, err := json.Marshal(includes)
	if err != nil {
		return nil, fmt.Errorf("marshal includes: %w", err)
	}
	return []any{ex.ID, ex.Name, ex.ReturnType, string(paramsJSON), ex.Comment,
		ex.FileExtension, string(includesJSON)}, nil
}

func (s *SQLiteStore) CreateExercise(ctx context.Context, ex *model.Exercise) error {
	s.logger.Debug("sql", "op", "insert", "table", "exercises", "id", ex.ID)
	args, err := exerciseArgs(ex)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exercises (`+exerciseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

// GetExercise returns the exercise with the given id, or nil if none exists.
func (s *SQLiteStore) GetExercise(ctx context.Context, id string) (*model.Exercise, error) {
	s.logger.Debug("sql", "op", "select", "table", "exercises", "id", id)
	ex, err := scanExercise(s.db.QueryRowContext(ctx,
		`SELECT `+exerciseColumns+` FROM exercises WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ex, err
}

func (s *SQLiteStore) ListExercises(ctx context.Context) ([]*model.Exercise, error) {
	s.logger.Debug("sql", "op", "list", "table", "exercises")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exerciseColumns+` FROM exercises ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*model.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ex)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) UpsertExercise(ctx context.Context, ex *model.Exercise) error {
	s.logger.Debug("sql", "op", "upsert", "table", "exercises", "id", ex.ID)
	args, err := exerciseArgs(ex)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exercises (`+exerciseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, return_type=excluded.return_type,
		 params=excluded.params, comment=excluded.comment,
		 file_extension=excluded.file_extension, includes=excluded.includes`, args...)
	return err
}

func (s *SQLiteStore) DeleteExercises(ctx context.Context) (int64, error) {
	s.logger.Debug("sql", "op", "delete", "table", "exercises")
	result, err := s.db.ExecContext(ctx, `DELETE FROM exercises`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var state, createdAt string
	var startedAt, finishedAt *string
	var totalNS *int64

	if err := row.Scan(
		&task.ID, &task.UserID, &task.ExerciseID, &task.Code, &state, &task.Message,
		&task.Stdout, &task.Stderr, &task.CreditsCost, &task.ProcessID,
		&createdAt, &startedAt, &finishedAt, &totalNS,
	); err != nil {
		return nil, err
	}

	task.State = model.TaskState(state)
	if t := parseTimePtr(&createdAt); t != nil {
		task.CreatedAt = *t
	}
	task.StartedAt = parseTimePtr(startedAt)
	task.FinishedAt = parseTimePtr(finishedAt)
	if totalNS != nil {
		d := time.Duration(*totalNS)
		task.TotalExecutionTime = &d
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.Matr, &u.FirstName, &u.LastName,
		&u.Credits, &u.Privileged, &createdAt); err != nil {
		return nil, err
	}
	if t := parseTimePtr(&createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}

func scanExercise(row scanner) (*model.Exercise, error) {
	var ex model.Exercise
	var paramsJSON, includesJSON string
	if err := row.Scan(&ex.ID, &ex.Name, &ex.ReturnType, &paramsJSON, &ex.Comment,
		&ex.FileExtension, &includesJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &ex.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(includesJSON), &ex.Includes); err != nil {
		return nil, fmt.Errorf("unmarshal includes: %w", err)
	}
	return &ex, nil
}
