package guardian

import (
	"context"
	"sync"
	"testing"
	"time"

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

func (r *recordingBus) byType(typ events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newRunningTask(t *testing.T, store *db.DB, heartbeatAge time.Duration) *model.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo", Autonomous: true}))
	require.NoError(t, store.CreateTicket(ctx, &model.Ticket{
		ID: "TICK-1", ProjectID: "proj-1", Title: "demo",
		CurrentPhase: "implementation", Status: model.TicketActive,
	}))
	task := &model.Task{
		ID: model.NewTaskID(), TicketID: "TICK-1", ProjectID: "proj-1",
		PhaseID: "implementation", Priority: model.PriorityMedium,
		Description: "implement retry backoff for the worker pool",
	}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.TransitionTask(ctx, task.ID, model.TaskPending, model.TaskAssigned))
	require.NoError(t, store.TransitionTask(ctx, task.ID, model.TaskAssigned, model.TaskRunning))
	require.NoError(t, store.Heartbeat(ctx, task.ID, time.Now().Add(-heartbeatAge)))
	return task
}

func TestSweepHealthyTaskQuiet(t *testing.T) {
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	m := New(store, bus, nil)
	task := newRunningTask(t, store, time.Second)

	m.Observe(Activity{TaskID: task.ID, Content: "editing worker pool retry backoff logic", At: time.Now()})
	m.Observe(Activity{TaskID: task.ID, Content: "running backoff tests for the worker", At: time.Now()})

	require.NoError(t, m.Sweep(context.Background(), time.Now()))
	assert.Empty(t, bus.byType(events.EventSteeringIssued))
	assert.Empty(t, bus.byType(events.EventAgentStuck))
}

func TestSweepStaleHeartbeatIssuesStop(t *testing.T) {
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	m := New(store, bus, nil)
	newRunningTask(t, store, 2*time.Minute)

	require.NoError(t, m.Sweep(context.Background(), time.Now()))

	issued := bus.byType(events.EventSteeringIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, string(events.SteeringStop), issued[0].Field("kind").String())
	assert.Empty(t, bus.byType(events.EventAgentStuck))
}

func TestSweepDeadHeartbeatMarksStuck(t *testing.T) {
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	m := New(store, bus, nil)
	task := newRunningTask(t, store, 10*time.Minute)

	require.NoError(t, m.Sweep(context.Background(), time.Now()))

	stuck := bus.byType(events.EventAgentStuck)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].Field("task_id").String())
	assert.Empty(t, bus.byType(events.EventSteeringIssued), "stuck supersedes steering")
}

func TestSweepRepetitionIssuesConstraint(t *testing.T) {
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	m := New(store, bus, nil, WithThreshold(0.95))
	task := newRunningTask(t, store, time.Second)

	for i := 0; i < 6; i++ {
		m.Observe(Activity{TaskID: task.ID, Content: "rerun the same failing test", At: time.Now()})
	}

	require.NoError(t, m.Sweep(context.Background(), time.Now()))

	issued := bus.byType(events.EventSteeringIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, string(events.SteeringConstraint), issued[0].Field("kind").String())
}

func TestAlignmentScoreRange(t *testing.T) {
	store := db.NewTestDB(t)
	m := New(store, &recordingBus{}, nil)
	task := newRunningTask(t, store, time.Second)

	m.Observe(Activity{TaskID: task.ID, Content: "implement retry backoff worker pool", At: time.Now()})
	score := m.AlignmentScore(task, time.Now())
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Greater(t, score, 0.7, "fresh heartbeat, on-topic, varied work scores high")
}

func TestActivityWindowBounded(t *testing.T) {
	store := db.NewTestDB(t)
	m := New(store, &recordingBus{}, nil)

	for i := 0; i < activityWindow*2; i++ {
		m.Observe(Activity{TaskID: "TASK-X", Content: "step", At: time.Now()})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.activity["TASK-X"], activityWindow)
}
