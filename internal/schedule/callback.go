// Package schedule is the scheduling core: the task manager, the per-kind
// workers, the supervising scheduler, and terminal-status callbacks.
package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"scribe/internal/httpclient"
	"scribe/internal/logging"
	"scribe/internal/task"
)

// FunctionCallback is an in-process callback resolved by name.
type FunctionCallback func(t *task.Task, message string) error

// EventType tags messages on the event bus.
type EventType string

const (
	EventStatusChanged EventType = "StatusChanged"
	EventCompleted     EventType = "Completed"
	EventFailed        EventType = "Failed"
)

// Event is one broadcast message about a task.
type Event struct {
	Type   EventType
	TaskID string
	Status task.Status
	Result *task.Result
	Error  string
}

// EventBus broadcasts task events to in-process subscribers. Subscriber
// buffers are bounded; messages to a full subscriber are dropped.
type EventBus struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	next     int
	capacity int
	logger   logging.Logger
}

// NewEventBus builds a bus whose subscriber channels hold capacity messages.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 10
	}
	return &EventBus{
		subs:     make(map[int]chan Event),
		capacity: capacity,
		logger:   logging.NewComponentLogger("EventBus"),
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, b.capacity)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event %s for slow subscriber %d", event.Type, id)
		}
	}
}

// firedCacheSize bounds the exactly-once registry of terminal notifications.
const firedCacheSize = 4096

// Dispatcher delivers terminal task status through the configured channel.
// Delivery is best-effort: a failed callback never alters task state.
type Dispatcher struct {
	client *http.Client
	events *EventBus
	logger logging.Logger

	fnMu      sync.RWMutex
	functions map[string]FunctionCallback

	fired *lru.Cache[string, struct{}]
}

// NewDispatcher builds a dispatcher with an HTTP client guarded by a
// circuit breaker and a fresh event bus.
func NewDispatcher() *Dispatcher {
	logger := logging.NewComponentLogger("CallbackDispatcher")
	fired, _ := lru.New[string, struct{}](firedCacheSize)
	return &Dispatcher{
		client:    httpclient.NewWithCircuitBreaker(30*time.Second, logger, "task-callback"),
		events:    NewEventBus(10),
		logger:    logger,
		functions: make(map[string]FunctionCallback),
		fired:     fired,
	}
}

// Events exposes the broadcast bus for subscribers.
func (d *Dispatcher) Events() *EventBus { return d.events }

// RegisterFunction installs a named in-process callback. Re-registering a
// name replaces the previous binding.
func (d *Dispatcher) RegisterFunction(name string, fn FunctionCallback) {
	d.fnMu.Lock()
	defer d.fnMu.Unlock()
	d.functions[name] = fn
}

func (d *Dispatcher) functionFor(name string) (FunctionCallback, error) {
	d.fnMu.RLock()
	defer d.fnMu.RUnlock()
	fn, ok := d.functions[name]
	if !ok {
		return nil, fmt.Errorf("callback function not found: %s", name)
	}
	return fn, nil
}

// markFired records the terminal notification and reports whether this is
// the first one for the task.
func (d *Dispatcher) markFired(taskID string) bool {
	if _, seen := d.fired.Get(taskID); seen {
		return false
	}
	d.fired.Add(taskID, struct{}{})
	return true
}

// FireCompleted delivers a completion notification exactly once.
func (d *Dispatcher) FireCompleted(ctx context.Context, t *task.Task) {
	if !d.markFired(t.ID) {
		d.logger.Warn("suppressing duplicate completion callback for task %s", t.ID)
		return
	}
	d.fire(ctx, t, task.Completed(), t.Result, "")
}

// FireFailed delivers a failure notification exactly once.
func (d *Dispatcher) FireFailed(ctx context.Context, t *task.Task) {
	if !d.markFired(t.ID) {
		d.logger.Warn("suppressing duplicate failure callback for task %s", t.ID)
		return
	}
	message := t.Status.Message
	if message == "" {
		message = t.Error
	}
	d.fire(ctx, t, task.Failed(message), nil, message)
}

func (d *Dispatcher) fire(ctx context.Context, t *task.Task, status task.Status, result *task.Result, errMsg string) {
	switch t.Config.Callback.Type {
	case task.CallbackHTTP:
		if err := d.postHTTP(ctx, t.Config.Callback.URL, t.ID, status, result, errMsg); err != nil {
			d.logger.Error("http callback for task %s failed: %v", t.ID, err)
		}
	case task.CallbackFunction:
		fn, err := d.functionFor(t.Config.Callback.Name)
		if err != nil {
			d.logger.Error("callback for task %s failed: %v", t.ID, err)
			return
		}
		message := errMsg
		if status.State == task.StateCompleted {
			message = "task completed"
		}
		if err := fn(t, message); err != nil {
			d.logger.Error("function callback for task %s failed: %v", t.ID, err)
		}
	case task.CallbackEvent:
		event := Event{TaskID: t.ID, Status: status}
		if status.State == task.StateCompleted {
			event.Type = EventCompleted
			event.Result = result
		} else {
			event.Type = EventFailed
			event.Error = errMsg
		}
		d.events.Publish(event)
	case task.CallbackNone:
	default:
		d.logger.Warn("task %s has unknown callback type %q", t.ID, t.Config.Callback.Type)
	}
}

type callbackPayload struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Data   any         `json:"data"`
}

func (d *Dispatcher) postHTTP(ctx context.Context, url, taskID string, status task.Status, result *task.Result, errMsg string) error {
	payload := callbackPayload{TaskID: taskID, Status: status}
	if status.State == task.StateCompleted {
		payload.Data = result
	} else {
		payload.Data = errMsg
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
