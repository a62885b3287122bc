package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingBus) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingBus) Subscribe(string, events.Handler) (func(), error) {
	return func() {}, nil
}

func (r *recordingBus) Close() {}

func (r *recordingBus) typesSeen() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestQueue(t *testing.T) (*Queue, *db.DB, *recordingBus) {
	t.Helper()
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	return New(store, bus, nil), store, bus
}

func seed(t *testing.T, store *db.DB) (projectID, ticketID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveProject(ctx, &model.Project{
		ID: "proj-1", Name: "demo", Autonomous: true, MaxConcurrent: 4,
	}))
	tk := &model.Ticket{
		ID: "TICK-1", ProjectID: "proj-1", Title: "demo",
		CurrentPhase: "implementation", Status: model.TicketActive,
	}
	require.NoError(t, store.CreateTicket(ctx, tk))
	return "proj-1", "TICK-1"
}

func TestEnqueuePublishesTaskCreated(t *testing.T) {
	q, store, bus := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	task := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation"}
	require.NoError(t, q.Enqueue(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, []events.EventType{events.EventTaskCreated}, bus.typesSeen())
}

func TestCompleteUnblocksDependents(t *testing.T) {
	q, store, bus := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	dep := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation"}
	require.NoError(t, q.Enqueue(ctx, dep))
	child := &model.Task{
		TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation",
		Dependencies: []string{dep.ID},
	}
	require.NoError(t, q.Enqueue(ctx, child))

	claimed, err := q.ClaimNext(ctx, db.ClaimSpec{ProjectID: projectID, Claimant: "sbx-1", Autonomous: true})
	require.NoError(t, err)
	require.Equal(t, dep.ID, claimed.ID)
	require.NoError(t, q.Start(ctx, dep.ID, "sbx-1", "agent-1"))

	unblocked, err := q.Complete(ctx, dep.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, unblocked)

	types := bus.typesSeen()
	assert.Contains(t, types, events.EventTaskCompleted)
	assert.Contains(t, types, events.EventTasksUnblocked)
}

func TestCompleteWithoutDependentsSkipsUnblockedEvent(t *testing.T) {
	q, store, bus := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	task := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation"}
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.ClaimNext(ctx, db.ClaimSpec{ProjectID: projectID, Claimant: "sbx-1", Autonomous: true})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx, task.ID, "sbx-1", "agent-1"))

	unblocked, err := q.Complete(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, unblocked)
	assert.NotContains(t, bus.typesSeen(), events.EventTasksUnblocked)
}

func TestFailAndRequeue(t *testing.T) {
	q, store, bus := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	task := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation"}
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.ClaimNext(ctx, db.ClaimSpec{ProjectID: projectID, Claimant: "sbx-1", Autonomous: true})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx, task.ID, "sbx-1", "agent-1"))

	require.NoError(t, q.Fail(ctx, task.ID, "tests failed"))
	assert.Contains(t, bus.typesSeen(), events.EventTaskFailed)

	require.NoError(t, q.Requeue(ctx, task.ID))
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestReadyBatchExcludesBlockedTasks(t *testing.T) {
	q, store, _ := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	dep := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation", Priority: model.PriorityHigh}
	require.NoError(t, q.Enqueue(ctx, dep))
	child := &model.Task{
		TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation",
		Dependencies: []string{dep.ID},
	}
	require.NoError(t, q.Enqueue(ctx, child))
	other := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "testing"}
	require.NoError(t, q.Enqueue(ctx, other))

	batch, err := q.ReadyBatch(ctx, projectID, "implementation", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, dep.ID, batch[0].ID)

	// Unfiltered includes the other phase, still not the blocked child.
	batch, err = q.ReadyBatch(ctx, projectID, "", 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestCancelPublishes(t *testing.T) {
	q, store, bus := newTestQueue(t)
	projectID, ticketID := seed(t, store)
	ctx := context.Background()

	task := &model.Task{TicketID: ticketID, ProjectID: projectID, PhaseID: "implementation"}
	require.NoError(t, q.Enqueue(ctx, task))
	require.NoError(t, q.Cancel(ctx, task.ID))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.Contains(t, bus.typesSeen(), events.EventTaskCancelled)
}
