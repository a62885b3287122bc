// Package queue is the persistent task queue: enqueue with DAG validation,
// atomic claims, status transitions with their events, and dependency
// unblocking. All state lives in the database; the queue is stateless and
// safe to run from several orchestrator instances at once.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

// Queue exposes the task queue operations.
type Queue struct {
	store  *db.DB
	bus    events.Bus
	logger *slog.Logger
}

// New creates a task queue over the store and event bus.
func New(store *db.DB, bus events.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, bus: bus, logger: logger}
}

// Enqueue inserts a task, validates its dependency DAG and publishes
// task.created.
func (q *Queue) Enqueue(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewTaskID()
	}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return err
	}
	q.bus.Publish(events.NewEvent(events.EventTaskCreated, "task", t.ID,
		events.TaskCreatedPayload{
			TaskID:       t.ID,
			TicketID:     t.TicketID,
			PhaseID:      t.PhaseID,
			Priority:     string(t.Priority),
			Dependencies: t.Dependencies,
		}))
	q.logger.Info("task enqueued",
		"task_id", t.ID, "ticket_id", t.TicketID, "phase", t.PhaseID, "priority", t.Priority)
	return nil
}

// ClaimNext atomically claims the best eligible task matching the spec, or
// returns (nil, nil) when nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context, spec db.ClaimSpec) (*model.Task, error) {
	return q.store.ClaimNext(ctx, spec)
}

// ReadyBatch returns up to limit eligible pending tasks in priority order
// without claiming them.
func (q *Queue) ReadyBatch(ctx context.Context, projectID, phaseID string, limit int) ([]*model.Task, error) {
	tasks, err := q.store.ListTasksByStatus(ctx, projectID, model.TaskPending)
	if err != nil {
		return nil, err
	}
	var ready []*model.Task
	for _, t := range tasks {
		if phaseID != "" && t.PhaseID != phaseID {
			continue
		}
		if !t.Eligible() {
			continue
		}
		ok, err := q.store.DependenciesComplete(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ready = append(ready, t)
		if limit > 0 && len(ready) == limit {
			break
		}
	}
	return ready, nil
}

// Start moves a claimed task to running and publishes task.started.
func (q *Queue) Start(ctx context.Context, taskID, sandboxID, agentID string) error {
	if err := q.store.TransitionTask(ctx, taskID, model.TaskAssigned, model.TaskRunning); err != nil {
		return err
	}
	q.bus.Publish(events.NewEvent(events.EventTaskStarted, "task", taskID,
		events.TaskStartedPayload{TaskID: taskID, SandboxID: sandboxID, AgentID: agentID}))
	return nil
}

// Complete marks a running task completed, publishes task.completed and
// returns the set of tasks whose last blocking dependency just resolved.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) ([]string, error) {
	if err := q.store.CompleteTask(ctx, taskID, result); err != nil {
		return nil, err
	}
	q.bus.Publish(events.NewEvent(events.EventTaskCompleted, "task", taskID,
		events.TaskCompletedPayload{TaskID: taskID, Result: result}))

	unblocked, err := q.RecomputeUnblocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(unblocked) > 0 {
		q.bus.Publish(events.NewEvent(events.EventTasksUnblocked, "task", taskID,
			events.TasksUnblockedPayload{CompletedTaskID: taskID, UnblockedIDs: unblocked}))
	}
	return unblocked, nil
}

// Fail marks a task failed and publishes task.failed. Retry handling is the
// orchestrator's concern.
func (q *Queue) Fail(ctx context.Context, taskID, reason string) error {
	if err := q.store.FailTask(ctx, taskID, reason); err != nil {
		return err
	}
	q.bus.Publish(events.NewEvent(events.EventTaskFailed, "task", taskID,
		events.TaskFailedPayload{TaskID: taskID, Reason: reason}))
	return nil
}

// Cancel cancels a non-terminal task and publishes task.cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	if err := q.store.CancelTask(ctx, taskID); err != nil {
		return err
	}
	q.bus.Publish(events.NewEvent(events.EventTaskCancelled, "task", taskID,
		events.TaskCancelledPayload{TaskID: taskID}))
	return nil
}

// Requeue returns a failed or blocked task to the pending pool.
func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	return q.store.RequeueTask(ctx, taskID)
}

// RecomputeUnblocked returns the tasks that became eligible because the
// given task completed: pending dependents with no remaining incomplete
// dependency.
func (q *Queue) RecomputeUnblocked(ctx context.Context, completedTaskID string) ([]string, error) {
	dependents, err := q.store.DependentsOf(ctx, completedTaskID)
	if err != nil {
		return nil, err
	}
	var unblocked []string
	for _, id := range dependents {
		t, err := q.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load dependent %s: %w", id, err)
		}
		if !t.Eligible() {
			continue
		}
		done, err := q.store.DependenciesComplete(ctx, id)
		if err != nil {
			return nil, err
		}
		if done {
			unblocked = append(unblocked, id)
		}
	}
	return unblocked, nil
}
