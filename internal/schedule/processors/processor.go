// Package processors holds the kind-specific task executors.
package processors

import (
	"context"

	"scribe/internal/task"
)

// Processor executes tasks of a single kind.
type Processor interface {
	// Kind identifies the processor family.
	Kind() task.Kind
	// Validate rejects malformed parameters before a task is admitted.
	Validate(params task.Params) error
	// Process runs the task to completion. It may block for a long time;
	// callers own the deadline.
	Process(ctx context.Context, t *task.Task) (task.Result, error)
	// Cancel is a best-effort request to stop a running task.
	Cancel(ctx context.Context, t *task.Task) error
	// Cleanup releases per-task resources after a terminal transition.
	Cleanup(ctx context.Context, t *task.Task) error
}
