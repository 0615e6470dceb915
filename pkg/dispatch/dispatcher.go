// Package dispatch runs long-lived skill work on per-app worker pools and
// tracks task status through the shared KV store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

// TaskState is the externally visible lifecycle of a dispatched task.
type TaskState string

// Task states. External runtime states map onto these: PENDING→pending,
// STARTED/RETRY→processing, SUCCESS→completed, FAILURE/REJECTED→failed,
// REVOKED→cancelled.
const (
	StatePending    TaskState = "pending"
	StateProcessing TaskState = "processing"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
	StateUnknown    TaskState = "unknown"
)

const (
	statusKeyPrefix = "task_status:"
	statusTTL       = time.Hour
)

// Task is one unit of dispatched work.
type Task struct {
	ID        string         `json:"id"`
	AppID     string         `json:"app_id"`
	SkillID   string         `json:"skill_id"`
	Name      string         `json:"name"`  // apps.<app_id>.tasks.skill_<skill_id>
	Queue     string         `json:"queue"` // app_<app_id>
	Args      map[string]any `json:"args"`
	ChatID    string         `json:"chat_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	NotBefore time.Time      `json:"not_before,omitempty"`
}

// Status is the stored state of a task.
type Status struct {
	State  TaskState      `json:"state"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Handler executes one task. The dispatcher records the returned result or
// error as the task's final status.
type Handler func(ctx context.Context, task *Task) (map[string]any, error)

// Notifier announces a deferred task's completion to the client stream.
// Implemented by the stream bus.
type Notifier interface {
	PublishSkillTaskCompleted(ctx context.Context, payload streambus.SkillTaskCompletedPayload) error
}

// Dispatcher owns the per-app worker pools.
type Dispatcher struct {
	cfg      *config.DispatchConfig
	store    kvstore.Store
	handler  Handler
	notifier Notifier

	mu     sync.Mutex
	pools  map[string]chan *Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New builds a dispatcher. Start pools lazily per app on first dispatch.
func New(cfg *config.DispatchConfig, store kvstore.Store, handler Handler) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		handler: handler,
		pools:   make(map[string]chan *Task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// TaskName returns the conventional task name for a skill.
func TaskName(appID, skillID string) string {
	return fmt.Sprintf("apps.%s.tasks.skill_%s", appID, skillID)
}

// QueueName returns the conventional queue name for an app.
func QueueName(appID string) string {
	return "app_" + appID
}

// Dispatch enqueues a skill task on its app queue. A positive countdown delays
// execution. Returns the fresh task id.
func (d *Dispatcher) Dispatch(ctx context.Context, appID, skillID string, args map[string]any, countdown time.Duration) (string, error) {
	task := &Task{
		ID:      uuid.NewString(),
		AppID:   appID,
		SkillID: skillID,
		Name:    TaskName(appID, skillID),
		Queue:   QueueName(appID),
		Args:    args,
	}
	if chatID, ok := args["_chat_id"].(string); ok {
		task.ChatID = chatID
	}
	if messageID, ok := args["_message_id"].(string); ok {
		task.MessageID = messageID
	}
	if countdown > 0 {
		task.NotBefore = time.Now().Add(countdown)
	}

	if err := d.setStatus(ctx, task.ID, Status{State: StatePending}); err != nil {
		return "", err
	}

	queue, err := d.poolFor(appID)
	if err != nil {
		return "", err
	}
	select {
	case queue <- task:
	default:
		d.setStatus(ctx, task.ID, Status{State: StateFailed, Error: "queue full"})
		return "", fmt.Errorf("dispatch: queue %s is full", task.Queue)
	}

	slog.Info("Task dispatched",
		"task_id", task.ID, "name", task.Name, "queue", task.Queue, "countdown", countdown)
	return task.ID, nil
}

// SetNotifier wires the stream bus used for deferred-task completion events.
// Called once during startup, before any traffic.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.notifier = n
}

// Defer satisfies the rate limiter's deferral hook. Besides enqueueing the
// task, it chains a follow-up that tells the client when the rescheduled
// skill call finished, since the original request has long since returned a
// "scheduled" answer.
func (d *Dispatcher) Defer(ctx context.Context, appID, skillID string, args map[string]any, countdown time.Duration) (string, error) {
	taskID, err := d.Dispatch(ctx, appID, skillID, args, countdown)
	if err != nil {
		return "", err
	}

	if d.notifier != nil {
		chatID, _ := args["_chat_id"].(string)
		messageID, _ := args["_message_id"].(string)
		d.Chain(taskID, func(ctx context.Context, parent Status) {
			err := d.notifier.PublishSkillTaskCompleted(ctx, streambus.SkillTaskCompletedPayload{
				TaskID:    taskID,
				ChatID:    chatID,
				MessageID: messageID,
				AppID:     appID,
				SkillID:   skillID,
				Result:    parent.Result,
			})
			if err != nil {
				slog.Warn("Deferred-task completion event failed",
					"task_id", taskID, "chat_id", chatID, "error", err)
			}
		})
	}
	return taskID, nil
}

// Status returns the task's stored state; unknown ids report StateUnknown.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (Status, error) {
	raw, err := d.store.Get(ctx, statusKeyPrefix+taskID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Status{State: StateUnknown}, nil
		}
		return Status{State: StateUnknown}, err
	}
	var s Status
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("dispatch: corrupt status for %s: %w", taskID, err)
	}
	return s, nil
}

// Cancel marks a pending task cancelled. Workers skip cancelled tasks when
// they dequeue them; a task already processing finishes normally.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	return d.setStatus(ctx, taskID, Status{State: StateCancelled})
}

// Chain runs followup once the parent task completes. The follow-up is
// skipped when the parent fails or is cancelled.
func (d *Dispatcher) Chain(parentTaskID string, followup func(ctx context.Context, parent Status)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
			}
			status, err := d.Status(d.ctx, parentTaskID)
			if err != nil {
				slog.Warn("Chain status poll failed", "task_id", parentTaskID, "error", err)
				continue
			}
			switch status.State {
			case StateCompleted:
				followup(d.ctx, status)
				return
			case StateFailed, StateCancelled:
				slog.Info("Chain parent did not complete, skipping follow-up",
					"task_id", parentTaskID, "state", status.State)
				return
			}
		}
	}()
}

// PoolHealth reports the queued task count per running app pool.
func (d *Dispatcher) PoolHealth() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.pools))
	for appID, queue := range d.pools {
		out[QueueName(appID)] = len(queue)
	}
	return out
}

// Stop drains the pools gracefully, bounded by the configured shutdown
// timeout.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	for _, queue := range d.pools {
		close(queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.GracefulShutdownTimeout):
		slog.Warn("Dispatcher shutdown timed out, abandoning in-flight tasks")
	}
	d.cancel()
}

func (d *Dispatcher) poolFor(appID string) (chan *Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dispatch: dispatcher is stopped")
	}
	if queue, ok := d.pools[appID]; ok {
		return queue, nil
	}

	queue := make(chan *Task, d.cfg.QueueDepth)
	d.pools[appID] = queue
	for i := 0; i < d.cfg.WorkersPerApp; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", QueueName(appID), i)
		d.wg.Add(1)
		go d.runWorker(workerID, queue)
	}
	slog.Info("Started app worker pool", "queue", QueueName(appID), "workers", d.cfg.WorkersPerApp)
	return queue, nil
}

func (d *Dispatcher) runWorker(workerID string, queue chan *Task) {
	defer d.wg.Done()
	for task := range queue {
		d.runTask(workerID, task)
	}
}

func (d *Dispatcher) runTask(workerID string, task *Task) {
	// Honor the countdown without blocking other dequeues longer than needed:
	// the worker sleeps, which is acceptable at per-app pool sizes.
	if wait := time.Until(task.NotBefore); wait > 0 {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	status, err := d.Status(d.ctx, task.ID)
	if err == nil && status.State == StateCancelled {
		slog.Info("Skipping cancelled task", "task_id", task.ID, "worker", workerID)
		return
	}

	d.setStatus(d.ctx, task.ID, Status{State: StateProcessing})

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.TaskTimeout)
	result, err := d.handler(ctx, task)
	cancel()

	if err != nil {
		slog.Error("Task failed", "task_id", task.ID, "name", task.Name, "error", err)
		d.setStatus(d.ctx, task.ID, Status{State: StateFailed, Error: err.Error()})
		return
	}
	d.setStatus(d.ctx, task.ID, Status{State: StateCompleted, Result: result})
}

func (d *Dispatcher) setStatus(ctx context.Context, taskID string, status Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("dispatch: marshal status: %w", err)
	}
	if err := d.store.SetEx(ctx, statusKeyPrefix+taskID, string(raw), statusTTL); err != nil {
		return fmt.Errorf("dispatch: store status for %s: %w", taskID, err)
	}
	return nil
}
