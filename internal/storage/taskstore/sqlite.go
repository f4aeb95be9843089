package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"scribe/internal/logging"
	"scribe/internal/task"
)

// timeLayout stores timestamps at millisecond precision in UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL,
    error        TEXT,
    config       TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    started_at   TEXT,
    completed_at TEXT,
    result       TEXT,
    priority     INTEGER NOT NULL,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 0,
    timeout      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, kind, priority, created_at);
`

// SQLiteStore persists tasks in SQLite.
type SQLiteStore struct {
	db      *sqlx.DB
	logger  logging.Logger
	claimMu sync.Mutex // serializes the claim critical section
}

// ParseDSN maps the service sqlite:// locator onto a driver DSN.
func ParseDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if rest, ok := strings.CutPrefix(trimmed, "sqlite://"); ok {
		return "file:" + rest
	}
	return trimmed
}

// NewSQLiteStore opens the database and creates the task table if absent.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	logger := logging.NewComponentLogger("TaskStore")
	driverDSN := ParseDSN(dsn)
	logger.Info("opening sqlite task store at %s", driverDSN)

	db, err := sqlx.Open("sqlite3", driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite supports a single writer; a larger pool only buys lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure task schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type taskRow struct {
	ID          string         `db:"id"`
	Kind        string         `db:"kind"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	Config      string         `db:"config"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	StartedAt   sql.NullString `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
	Result      sql.NullString `db:"result"`
	Priority    int            `db:"priority"`
	RetryCount  int            `db:"retry_count"`
	MaxRetries  int            `db:"max_retries"`
	Timeout     sql.NullInt64  `db:"timeout"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Tolerate rows written without fractional seconds.
		t, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func rowFromTask(t *task.Task) (taskRow, error) {
	config, err := json.Marshal(t.Config)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode task config: %w", err)
	}
	row := taskRow{
		ID:          t.ID,
		Kind:        string(t.Config.Kind),
		Status:      string(t.Status.State),
		Config:      string(config),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
		StartedAt:   formatOptTime(t.StartedAt),
		CompletedAt: formatOptTime(t.CompletedAt),
		Priority:    int(t.Config.Priority),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.Config.MaxRetries,
	}
	if t.Status.State == task.StateFailed {
		row.Error = sql.NullString{String: t.Status.Message, Valid: true}
	} else if t.Error != "" {
		row.Error = sql.NullString{String: t.Error, Valid: true}
	}
	if t.Result != nil {
		result, err := json.Marshal(t.Result)
		if err != nil {
			return taskRow{}, fmt.Errorf("encode task result: %w", err)
		}
		row.Result = sql.NullString{String: string(result), Valid: true}
	}
	if seconds, ok := t.Config.Timeout(); ok {
		row.Timeout = sql.NullInt64{Int64: seconds, Valid: true}
	}
	return row, nil
}

func (r taskRow) toTask() (*task.Task, error) {
	var cfg task.Config
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, fmt.Errorf("decode task config: %w", err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		ID:         r.ID,
		Config:     cfg,
		RetryCount: r.RetryCount,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	state := task.State(r.Status)
	if !state.Valid() {
		return nil, fmt.Errorf("invalid stored task state %q", r.Status)
	}
	if state == task.StateFailed {
		t.Status = task.Failed(r.Error.String)
		t.Error = r.Error.String
	} else {
		t.Status = task.Status{State: state}
		t.Error = r.Error.String
	}
	if r.StartedAt.Valid {
		startedAt, err := parseTime(r.StartedAt.String)
		if err != nil {
			return nil, err
		}
		t.StartedAt = &startedAt
	}
	if r.CompletedAt.Valid {
		completedAt, err := parseTime(r.CompletedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &completedAt
	}
	if r.Result.Valid {
		var result task.Result
		if err := json.Unmarshal([]byte(r.Result.String), &result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		t.Result = &result
	}
	return t, nil
}

const insertColumns = `(id, kind, status, error, config, created_at, updated_at, started_at, completed_at, result, priority, retry_count, max_retries, timeout)
VALUES (:id, :kind, :status, :error, :config, :created_at, :updated_at, :started_at, :completed_at, :result, :priority, :retry_count, :max_retries, :timeout)`

// Insert writes a new task row.
func (s *SQLiteStore) Insert(ctx context.Context, t *task.Task) error {
	row, err := rowFromTask(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO tasks `+insertColumns, row); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Upsert writes the task, overwriting the mutable columns of an existing row.
func (s *SQLiteStore) Upsert(ctx context.Context, t *task.Task) error {
	row, err := rowFromTask(t)
	if err != nil {
		return err
	}
	query := `INSERT INTO tasks ` + insertColumns + `
ON CONFLICT(id) DO UPDATE SET
    kind = excluded.kind,
    status = excluded.status,
    error = excluded.error,
    config = excluded.config,
    updated_at = excluded.updated_at,
    started_at = excluded.started_at,
    completed_at = excluded.completed_at,
    result = excluded.result,
    priority = excluded.priority,
    retry_count = excluded.retry_count,
    max_retries = excluded.max_retries,
    timeout = excluded.timeout`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the task, or nil when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toTask()
}

// List returns a page of tasks ordered by creation time ascending.
func (s *SQLiteStore) List(ctx context.Context, page Pagination) ([]*task.Task, error) {
	page = page.Check()
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		page.Limit(), page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return rowsToTasks(rows)
}

// ClaimNextPending atomically claims up to limit pending tasks of a kind.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context, kind task.Kind, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []taskRow
	err = tx.SelectContext(ctx, &rows,
		`SELECT * FROM tasks
         WHERE kind = ? AND status = ?
         ORDER BY priority ASC, created_at ASC
         LIMIT ?`,
		string(kind), string(task.StatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}

	now := time.Now().UTC()
	nowStr := formatTime(now)
	claimed := make([]*task.Task, 0, len(rows))
	for _, row := range rows {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks
             SET status = ?, updated_at = ?,
                 started_at = COALESCE(started_at, ?)
             WHERE id = ? AND status = ?`,
			string(task.StateProcessing), nowStr, nowStr, row.ID, string(task.StatePending))
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", row.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", row.ID, err)
		}
		if affected == 0 {
			continue
		}
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		t.Status = task.Processing()
		t.UpdatedAt = now
		if t.StartedAt == nil {
			startedAt := now
			t.StartedAt = &startedAt
		}
		claimed = append(claimed, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// FindByStatus returns all tasks in the given state.
func (s *SQLiteStore) FindByStatus(ctx context.Context, state task.State) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE status = ? ORDER BY priority ASC, created_at ASC`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("find tasks by status %s: %w", state, err)
	}
	return rowsToTasks(rows)
}

// FindTimedOut returns Processing tasks whose deadline has passed.
func (s *SQLiteStore) FindTimedOut(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks
         WHERE status = ?
           AND timeout IS NOT NULL
           AND started_at IS NOT NULL
           AND (strftime('%s','now') - strftime('%s', started_at)) > timeout`,
		string(task.StateProcessing))
	if err != nil {
		return nil, fmt.Errorf("find timed out tasks: %w", err)
	}
	return rowsToTasks(rows)
}

// UpdateStatus transitions the task status at the column level.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	return s.updateStatus(ctx, id, status, -1)
}

// RecordFailure updates status and retry accounting in one statement.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, retryCount int, status task.Status) error {
	if retryCount < 0 {
		return fmt.Errorf("record failure for %s: negative retry count", id)
	}
	return s.updateStatus(ctx, id, status, retryCount)
}

func (s *SQLiteStore) updateStatus(ctx context.Context, id string, status task.Status, retryCount int) error {
	if !status.State.Valid() {
		return fmt.Errorf("update task %s: invalid state %q", id, status.State)
	}
	now := formatTime(time.Now())
	var errMsg sql.NullString
	if status.State == task.StateFailed {
		errMsg = sql.NullString{String: status.Message, Valid: true}
	}
	terminal := 0
	if status.Terminal() {
		terminal = 1
	}
	query := `UPDATE tasks
        SET status = ?, error = ?, updated_at = ?,
            started_at = CASE WHEN ? = 'Processing' AND started_at IS NULL THEN ? ELSE started_at END,
            completed_at = CASE WHEN ? = 1 AND completed_at IS NULL THEN ? ELSE completed_at END`
	args := []any{string(status.State), errMsg, now, string(status.State), now, terminal, now}
	if retryCount >= 0 {
		query += `, retry_count = ?`
		args = append(args, retryCount)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("update task %s status: task not found", id)
	}
	return nil
}

// Delete removes a task row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Sweep deletes terminal Completed/Failed rows older than the cutoff.
func (s *SQLiteStore) Sweep(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
         WHERE status IN (?, ?) AND updated_at < ?`,
		string(task.StateCompleted), string(task.StateFailed), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("swept %d terminal tasks older than %s", deleted, formatTime(before))
	}
	return deleted, nil
}

func rowsToTasks(rows []taskRow) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
