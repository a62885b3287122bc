package coordination

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
	"github.com/conductor-sh/conductor/internal/queue"
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

func (r *recordingBus) count(typ events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*Service, *db.DB, *recordingBus) {
	t.Helper()
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	q := queue.New(store, bus, nil)
	return NewService(store, q, bus, nil), store, bus
}

func seedTicket(t *testing.T, store *db.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo", Autonomous: true}))
	require.NoError(t, store.CreateTicket(ctx, &model.Ticket{
		ID: "TICK-1", ProjectID: "proj-1", Title: "demo",
		CurrentPhase: "implementation", Status: model.TicketActive,
	}))
}

func seedTask(t *testing.T, store *db.DB, deps ...string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID: model.NewTaskID(), TicketID: "TICK-1", ProjectID: "proj-1",
		PhaseID: "implementation", Priority: model.PriorityMedium,
		Dependencies: deps,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func completeWith(t *testing.T, store *db.DB, id string, result map[string]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.TransitionTask(ctx, id, model.TaskPending, model.TaskAssigned))
	require.NoError(t, store.TransitionTask(ctx, id, model.TaskAssigned, model.TaskRunning))
	require.NoError(t, store.CompleteTask(ctx, id, result))
}

func TestSplit(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	parent := seedTask(t, store)

	children := []*model.Task{
		{Description: "child one", Priority: model.PriorityMedium},
		{Description: "child two", Priority: model.PriorityMedium},
	}
	require.NoError(t, svc.Split(ctx, parent.ID, children))

	for _, child := range children {
		got, err := store.GetTask(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, "TICK-1", got.TicketID)
		assert.Equal(t, parent.PhaseID, got.PhaseID)
		assert.Contains(t, got.Dependencies, parent.ID)
	}
	assert.Equal(t, 2, bus.count(events.EventTaskCreated))
}

func TestRegisterJoinRequiresDependency(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	cont := seedTask(t, store, a.ID)

	_, err := svc.RegisterJoin(ctx, []string{a.ID, b.ID}, cont.ID, StrategyCombine)
	assert.Error(t, err, "sources must be dependencies of the continuation")

	j, err := svc.RegisterJoin(ctx, []string{a.ID}, cont.ID, StrategyCombine)
	require.NoError(t, err)
	assert.Equal(t, model.JoinWaiting, j.Status)
}

func TestRegisterJoinRejectsUnknownStrategy(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedTicket(t, store)
	a := seedTask(t, store)
	cont := seedTask(t, store, a.ID)

	_, err := svc.RegisterJoin(context.Background(), []string{a.ID}, cont.ID, MergeStrategy("vote"))
	assert.Error(t, err)
}

func TestEnsureJoinAutoRegisters(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	cont := seedTask(t, store, a.ID, b.ID)

	j, err := svc.EnsureJoin(ctx, cont)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, string(StrategyCombine), j.MergeStrategy)

	// Idempotent: a second call returns the same join.
	again, err := svc.EnsureJoin(ctx, cont)
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)

	// Single-dependency tasks get no join.
	single := seedTask(t, store, a.ID)
	j, err = svc.EnsureJoin(ctx, single)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestEnsureJoinAfterSourcesCompleted(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	cont := seedTask(t, store, a.ID, b.ID)

	// Both sources finish before anything registers the join, as happens
	// when the continuation is first seen at claim time.
	completeWith(t, store, a.ID, map[string]any{"files": []any{"a.go"}})
	completeWith(t, store, b.ID, map[string]any{"files": []any{"b.go"}, "owner": "beta"})

	j, err := svc.EnsureJoin(ctx, cont)
	require.NoError(t, err)
	require.NotNil(t, j)

	got, err := store.GetJoin(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JoinReady, got.Status, "late registration must count completed sources")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, got.Arrived)

	task, err := store.GetTask(ctx, cont.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.go", "b.go"}, task.SynthesisCtx["files"])
	assert.Equal(t, "beta", task.SynthesisCtx["owner"])
	assert.Equal(t, 1, bus.count(events.EventSynthesisCompleted))

	// The settled join is stable under a repeat call.
	_, err = svc.EnsureJoin(ctx, cont)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.count(events.EventSynthesisCompleted))
}

func TestRegisterJoinPartialArrivalsStayWaiting(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	cont := seedTask(t, store, a.ID, b.ID)

	completeWith(t, store, a.ID, map[string]any{"done": true})

	j, err := svc.RegisterJoin(ctx, []string{a.ID, b.ID}, cont.ID, StrategyCombine)
	require.NoError(t, err)

	got, err := store.GetJoin(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JoinWaiting, got.Status)
	assert.Equal(t, []string{a.ID}, got.Arrived, "the finished source is pre-counted")
	assert.Equal(t, 0, bus.count(events.EventSynthesisCompleted))
}

func TestSynthesisFiresWhenAllSourcesArrive(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	cont := seedTask(t, store, a.ID, b.ID)

	_, err := svc.RegisterJoin(ctx, []string{a.ID, b.ID}, cont.ID, StrategyCombine)
	require.NoError(t, err)

	syn, err := NewSynthesizer(svc)
	require.NoError(t, err)
	defer syn.Close()

	completeWith(t, store, a.ID, map[string]any{"files": []any{"a.go"}})
	require.NoError(t, syn.OnSourceCompleted(ctx, a.ID))
	assert.Equal(t, 0, bus.count(events.EventSynthesisCompleted), "one of two arrivals must not fire")

	completeWith(t, store, b.ID, map[string]any{"files": []any{"b.go"}, "owner": "beta"})
	require.NoError(t, syn.OnSourceCompleted(ctx, b.ID))
	assert.Equal(t, 1, bus.count(events.EventSynthesisCompleted))

	got, err := store.GetTask(ctx, cont.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.go", "b.go"}, got.SynthesisCtx["files"])
	assert.Equal(t, "beta", got.SynthesisCtx["owner"])
}

func TestSynthesisFiresExactlyOnce(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	cont := seedTask(t, store, a.ID)

	_, err := svc.RegisterJoin(ctx, []string{a.ID}, cont.ID, StrategyCombine)
	require.NoError(t, err)

	syn, err := NewSynthesizer(svc)
	require.NoError(t, err)
	defer syn.Close()

	completeWith(t, store, a.ID, map[string]any{"done": true})
	require.NoError(t, syn.OnSourceCompleted(ctx, a.ID))
	require.NoError(t, syn.OnSourceCompleted(ctx, a.ID))
	assert.Equal(t, 1, bus.count(events.EventSynthesisCompleted))
}

func TestSyncPointDeadlineFails(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)

	j, err := svc.SyncPoint(ctx, "all-reviews-in", []string{a.ID, b.ID}, 2, time.Millisecond)
	require.NoError(t, err)

	syn, err := NewSynthesizer(svc)
	require.NoError(t, err)
	defer syn.Close()

	require.NoError(t, syn.CheckDeadlines(ctx, time.Now().Add(time.Second)))
	assert.Equal(t, 1, bus.count(events.EventSynthesisFailed))

	got, err := store.GetJoin(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JoinFailed, got.Status)

	// A second sweep is a no-op.
	require.NoError(t, syn.CheckDeadlines(ctx, time.Now().Add(time.Second)))
	assert.Equal(t, 1, bus.count(events.EventSynthesisFailed))
}

func TestSyncPointRequiredCountQuorum(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	b := seedTask(t, store)
	c := seedTask(t, store)

	_, err := svc.SyncPoint(ctx, "two-of-three", []string{a.ID, b.ID, c.ID}, 2, time.Hour)
	require.NoError(t, err)

	syn, err := NewSynthesizer(svc)
	require.NoError(t, err)
	defer syn.Close()

	completeWith(t, store, a.ID, nil)
	require.NoError(t, syn.OnSourceCompleted(ctx, a.ID))
	assert.Equal(t, 0, bus.count(events.EventSynthesisCompleted))

	completeWith(t, store, b.ID, nil)
	require.NoError(t, syn.OnSourceCompleted(ctx, b.ID))
	assert.Equal(t, 1, bus.count(events.EventSynthesisCompleted), "quorum of 2 fires without the third")
}

func TestSynthesisBadStrategyFailsJoin(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()
	seedTicket(t, store)
	a := seedTask(t, store)
	cont := seedTask(t, store, a.ID)

	// Write the join directly with a bogus strategy to simulate a corrupt
	// record: RegisterJoin validates and would refuse it.
	j := &model.Join{
		ID: model.NewID(), TicketID: "TICK-1",
		SourceTaskIDs: []string{a.ID}, ContinuationID: cont.ID,
		MergeStrategy: "vote",
	}
	require.NoError(t, store.CreateJoin(ctx, j))

	syn, err := NewSynthesizer(svc)
	require.NoError(t, err)
	defer syn.Close()

	completeWith(t, store, a.ID, map[string]any{"done": true})
	require.NoError(t, syn.OnSourceCompleted(ctx, a.ID))
	assert.Equal(t, 1, bus.count(events.EventSynthesisFailed))
}
