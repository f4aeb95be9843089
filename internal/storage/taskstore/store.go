package taskstore

import (
	"context"
	"time"

	"scribe/internal/task"
)

// Pagination selects a page of results. Indexes start at 1.
type Pagination struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// DefaultPagination is the fallback for out-of-range inputs.
func DefaultPagination() Pagination { return Pagination{Index: 1, Size: 10} }

// Check returns the pagination, falling back to the default when out of range.
func (p Pagination) Check() Pagination {
	if p.Index < 1 || p.Size < 1 {
		return DefaultPagination()
	}
	return p
}

// Offset returns the row offset of the page.
func (p Pagination) Offset() int { return (p.Index - 1) * p.Size }

// Limit returns the page size.
func (p Pagination) Limit() int { return p.Size }

// Store is the durable source of truth for task state. All task mutation
// goes through it.
type Store interface {
	// Insert writes a new task row.
	Insert(ctx context.Context, t *task.Task) error
	// Upsert writes the task, overwriting the mutable columns of an existing
	// row. id and created_at are preserved.
	Upsert(ctx context.Context, t *task.Task) error
	// Get returns the task, or nil when it does not exist.
	Get(ctx context.Context, id string) (*task.Task, error)
	// List returns a page of tasks ordered by creation time.
	List(ctx context.Context, page Pagination) ([]*task.Task, error)
	// ClaimNextPending atomically transitions up to limit pending tasks of the
	// given kind to Processing, in (priority, created_at) order, and returns
	// them. Concurrent callers never observe the same task twice.
	ClaimNextPending(ctx context.Context, kind task.Kind, limit int) ([]*task.Task, error)
	// FindByStatus returns all tasks in the given state.
	FindByStatus(ctx context.Context, state task.State) ([]*task.Task, error)
	// FindTimedOut returns Processing tasks whose deadline has passed.
	// Tasks with no timeout are never returned.
	FindTimedOut(ctx context.Context) ([]*task.Task, error)
	// UpdateStatus transitions the task status, stamping updated_at always,
	// started_at on the first entry to Processing, and completed_at on the
	// first entry to a terminal state.
	UpdateStatus(ctx context.Context, id string, status task.Status) error
	// RecordFailure updates status and retry accounting in one statement.
	RecordFailure(ctx context.Context, id string, retryCount int, status task.Status) error
	// Delete removes the task row.
	Delete(ctx context.Context, id string) error
	// Sweep deletes Completed and Failed tasks last touched before the cutoff
	// and returns the number of deleted rows.
	Sweep(ctx context.Context, before time.Time) (int64, error)
	// Close releases the underlying connection pool.
	Close() error
}
