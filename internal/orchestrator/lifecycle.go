package orchestrator

import (
	"context"
	"time"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

// HandleCompletion applies a task completion: store transition, lock
// release, sandbox teardown, downstream unblocking and possibly a phase
// advance. Idempotent: a completion that already landed is a no-op, so
// the bus event and the HTTP callback can both fire.
func (o *Orchestrator) HandleCompletion(ctx context.Context, taskID string, result map[string]any) ([]string, error) {
	unblocked, err := o.queue.Complete(ctx, taskID, result)
	if conderr.IsCode(err, conderr.CodeClaimLost) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := o.locks.ReleaseByTask(ctx, taskID); err != nil {
		o.logger.Warn("lock release failed", "task_id", taskID, "error", err)
	}
	o.terminateSandbox(ctx, taskID)

	task, err := o.store.GetTask(ctx, taskID)
	if err == nil {
		if advErr := o.maybeAdvancePhase(ctx, task); advErr != nil {
			o.logger.Warn("phase advance skipped",
				"ticket_id", task.TicketID, "error", advErr)
		}
	}

	o.logger.Info("task completed",
		"task_id", taskID, "unblocked", len(unblocked))
	return unblocked, nil
}

// HandleFailure applies the retry policy: requeue with jittered
// exponential backoff while attempts remain, otherwise mark the failure
// permanent and record a bug discovery for human follow-up.
func (o *Orchestrator) HandleFailure(ctx context.Context, taskID, reason string) error {
	err := o.store.FailTask(ctx, taskID, reason)
	alreadyFailed := conderr.IsCode(err, conderr.CodeClaimLost)
	if err != nil && !alreadyFailed {
		return err
	}

	if _, err := o.locks.ReleaseByTask(ctx, taskID); err != nil {
		o.logger.Warn("lock release failed", "task_id", taskID, "error", err)
	}
	o.terminateSandbox(ctx, taskID)
	if alreadyFailed {
		// Another handler recorded the failure first and owns the retry
		// decision; this path only had locks and sandbox to clean up.
		return nil
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	maxRetries := o.cfg.DefaultRetries
	if ph, err := o.reg.Get(ctx, task.ProjectID, task.PhaseID); err == nil && ph.MaxRetries > 0 {
		maxRetries = ph.MaxRetries
	}

	if task.RetryCount >= maxRetries {
		o.recordPermanentFailure(ctx, task, reason)
		return nil
	}

	delay := jitteredBackoff(task.RetryCount, o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay)
	o.logger.Info("task retry scheduled",
		"task_id", taskID, "attempt", task.RetryCount, "delay", delay.Round(time.Millisecond))
	time.AfterFunc(delay, func() {
		if err := o.queue.Requeue(context.Background(), taskID); err != nil {
			o.logger.Warn("retry requeue failed", "task_id", taskID, "error", err)
		}
	})
	return nil
}

// recordPermanentFailure leaves the task failed and records a bug
// discovery so the failure surfaces as new work. The investigation task
// must not depend on the failed task, which will never complete.
func (o *Orchestrator) recordPermanentFailure(ctx context.Context, task *model.Task, reason string) {
	o.logger.Error("task permanently failed",
		"task_id", task.ID, "attempts", task.RetryCount,
		"error", conderr.ErrMaxRetries(task.ID, task.RetryCount))

	followUp := &model.Task{
		ID:          model.NewTaskID(),
		TicketID:    task.TicketID,
		ProjectID:   task.ProjectID,
		PhaseID:     task.PhaseID,
		Description: "Investigate permanent failure of " + task.ID + ": " + reason,
		TaskType:    string(model.DiscoveryBug),
		Priority:    task.Priority.Boost(),
	}
	disc := &model.Discovery{
		ID:            model.NewID(),
		SourceTaskID:  task.ID,
		SpawnedTaskID: followUp.ID,
		Kind:          model.DiscoveryBug,
		Description:   followUp.Description,
		TargetPhase:   task.PhaseID,
		PriorityBoost: true,
	}
	if err := o.store.SaveDiscovery(ctx, disc); err != nil {
		o.logger.Error("discovery not recorded", "task_id", task.ID, "error", err)
		return
	}
	if err := o.queue.Enqueue(ctx, followUp); err != nil {
		o.logger.Error("follow-up not enqueued", "task_id", task.ID, "error", err)
		return
	}
	o.bus.Publish(events.NewEvent(events.EventDiscoveryRecorded, "discovery", disc.ID,
		events.DiscoveryRecordedPayload{
			DiscoveryID:  disc.ID,
			SourceTaskID: task.ID,
			Kind:         string(model.DiscoveryBug),
		}))
}

// HandleStuck cancels a stuck task's runtime and re-enqueues the task.
// The saved transcript (if any) hydrates the replacement sandbox.
func (o *Orchestrator) HandleStuck(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskRunning && task.Status != model.TaskAssigned {
		return nil
	}

	o.bus.Publish(events.NewEvent(events.EventTaskCancelled, "task", taskID,
		events.TaskCancelledPayload{TaskID: taskID}))

	if err := o.store.FailTask(ctx, taskID, "agent stuck"); err != nil {
		if conderr.IsCode(err, conderr.CodeClaimLost) {
			return nil
		}
		return err
	}
	if _, err := o.locks.ReleaseByTask(ctx, taskID); err != nil {
		o.logger.Warn("lock release failed", "task_id", taskID, "error", err)
	}
	o.terminateSandbox(ctx, taskID)

	if err := o.queue.Requeue(ctx, taskID); err != nil {
		return err
	}
	o.logger.Warn("stuck task re-enqueued", "task_id", taskID)
	return nil
}

// Completion is the payload of the runtime's task-completion callback.
type Completion struct {
	TaskID       string         `json:"task_id"`
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Callback is the authoritative completion signal from the sandbox
// runtime, honored even when the corresponding bus event is lost. It
// returns the newly-unblocked task ids.
func (o *Orchestrator) Callback(ctx context.Context, c Completion) ([]string, error) {
	if c.Success {
		return o.HandleCompletion(ctx, c.TaskID, c.Result)
	}
	return nil, o.HandleFailure(ctx, c.TaskID, c.ErrorMessage)
}

// maybeAdvancePhase moves the ticket to its next phase when every task of
// the current phase is complete and the gate passes. Gate rejection is
// expected here and not an error.
func (o *Orchestrator) maybeAdvancePhase(ctx context.Context, completed *model.Task) error {
	ticket, err := o.store.GetTicket(ctx, completed.TicketID)
	if err != nil {
		return err
	}
	if ticket.CurrentPhase != completed.PhaseID {
		return nil
	}

	tasks, err := o.store.ListTasksByTicket(ctx, ticket.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.PhaseID != ticket.CurrentPhase {
			continue
		}
		if t.Status != model.TaskCompleted && t.Status != model.TaskCancelled {
			return nil
		}
	}

	current, err := o.reg.Get(ctx, ticket.ProjectID, ticket.CurrentPhase)
	if err != nil {
		return err
	}
	if current.Terminal || len(current.AllowedNext) == 0 {
		return nil
	}

	next := current.AllowedNext[0]
	err = o.phases.Transition(ctx, ticket.ID, next, model.ReasonNormal, "orchestrator")
	if conderr.IsCode(err, conderr.CodeGateRejected) {
		o.logger.Info("phase gate not yet satisfied",
			"ticket_id", ticket.ID, "phase", ticket.CurrentPhase)
		return nil
	}
	return err
}

// RecoverOrphans requeues running tasks whose heartbeat went stale while
// no live sandbox backs them. Runs once at startup.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	cutoff := time.Now().Add(-o.cfg.StaleAfter)
	stale, err := o.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, task := range stale {
		sb, err := o.store.SandboxForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if sb != nil && sb.Status == model.SandboxRunning {
			continue
		}

		if err := o.store.FailTask(ctx, task.ID, "orphaned: no live sandbox"); err != nil {
			if conderr.IsCode(err, conderr.CodeClaimLost) {
				continue
			}
			return err
		}
		if _, err := o.locks.ReleaseByTask(ctx, task.ID); err != nil {
			o.logger.Warn("lock release failed", "task_id", task.ID, "error", err)
		}
		if err := o.queue.Requeue(ctx, task.ID); err != nil {
			return err
		}
		o.logger.Warn("orphaned task recovered", "task_id", task.ID)
	}
	return nil
}
