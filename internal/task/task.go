package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of durable work owned by the task store.
type Task struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Config      Config     `json:"config"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewID returns a fresh opaque task identifier.
func NewID() string {
	return fmt.Sprintf("task-%s", uuid.NewString())
}

// New builds a pending task for the given config.
func New(cfg Config) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		Status:    Pending(),
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Deadline returns the absolute processing deadline, or false when the task
// carries no timeout or has not started.
func (t *Task) Deadline() (time.Time, bool) {
	seconds, ok := t.Config.Timeout()
	if !ok || t.StartedAt == nil {
		return time.Time{}, false
	}
	return t.StartedAt.Add(time.Duration(seconds) * time.Second), true
}
