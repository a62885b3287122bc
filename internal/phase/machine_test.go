package phase

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
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

func (r *recordingBus) find(typ events.EventType) *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].Type == typ {
			return &r.events[i]
		}
	}
	return nil
}

func newTestMachine(t *testing.T) (*Machine, *db.DB, *recordingBus) {
	t.Helper()
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	registry := NewRegistry(store)
	ctx := context.Background()

	require.NoError(t, store.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo"}))
	require.NoError(t, registry.LoadDefaults(ctx, "proj-1"))

	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, ".planning", "requirements"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(workspace, ".planning", "requirements", "req.md"), []byte("# reqs"), 0o644))

	m := NewMachine(store, registry, bus, nil, WithWorkspaceResolver(
		func(context.Context, *model.Ticket) (fs.FS, error) {
			return os.DirFS(workspace), nil
		}))
	return m, store, bus
}

func seedTicket(t *testing.T, store *db.DB, phase string) *model.Ticket {
	t.Helper()
	tk := &model.Ticket{
		ID: model.NewTicketID(), ProjectID: "proj-1", Title: "demo",
		CurrentPhase: phase, Status: model.TicketActive,
	}
	require.NoError(t, store.CreateTicket(context.Background(), tk))
	return tk
}

func satisfy(t *testing.T, store *db.DB, ticketID, phaseID, definition string) {
	t.Helper()
	require.NoError(t, store.AttachEvidence(context.Background(), ticketID, phaseID, &model.Evidence{
		Definition: definition, Satisfied: true, EvidenceRef: "test",
	}))
}

func TestTransitionHappyPath(t *testing.T) {
	m, store, bus := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "spec")
	satisfy(t, store, tk.ID, "spec", "requirements documented")

	require.NoError(t, m.Transition(ctx, tk.ID, "design", model.ReasonNormal, "orchestrator"))

	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "design", got.CurrentPhase)

	e := bus.find(events.EventPhaseTransitioned)
	require.NotNil(t, e)
	assert.Equal(t, "spec", e.Field("from").String())
	assert.Equal(t, "design", e.Field("to").String())

	history, err := store.PhaseHistoryFor(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ReasonNormal, history[0].Reason)

	// Re-requesting the same transition is a no-op.
	require.NoError(t, m.Transition(ctx, tk.ID, "design", model.ReasonNormal, "orchestrator"))
	history, err = store.PhaseHistoryFor(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransitionGateRejected(t *testing.T) {
	m, store, bus := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "spec")
	// No evidence attached: the done-definition fails.

	err := m.Transition(ctx, tk.ID, "design", model.ReasonNormal, "orchestrator")
	require.True(t, conderr.IsCode(err, conderr.CodeGateRejected))

	e := bus.find(events.EventGateRejected)
	require.NotNil(t, e)
	assert.Contains(t, e.Field("failing_criteria.0").String(), "requirements documented")

	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "spec", got.CurrentPhase, "rejected ticket stays in place")
}

func TestTransitionOutsideAllowedNext(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "spec")
	satisfy(t, store, tk.ID, "spec", "requirements documented")

	err := m.Transition(ctx, tk.ID, "testing", model.ReasonNormal, "orchestrator")
	assert.True(t, conderr.IsCode(err, conderr.CodeTransitionInvalid))

	// Discovery bypasses allowed_next.
	require.NoError(t, m.Transition(ctx, tk.ID, "testing", model.ReasonDiscovery, "agent-1"))
	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "testing", got.CurrentPhase)
}

func TestManualOverrideBypassesGate(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "spec")

	require.NoError(t, m.Transition(ctx, tk.ID, "design", model.ReasonManual, "operator"))
	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "design", got.CurrentPhase)
}

func TestUnknownPhaseRejected(t *testing.T) {
	m, store, _ := newTestMachine(t)
	tk := seedTicket(t, store, "spec")

	err := m.Transition(context.Background(), tk.ID, "nonexistent", model.ReasonManual, "operator")
	assert.True(t, conderr.IsCode(err, conderr.CodePhaseUnknown))
}

func TestTerminalPhaseHasNoNormalExit(t *testing.T) {
	m, store, _ := newTestMachine(t)
	tk := seedTicket(t, store, "done")

	err := m.Transition(context.Background(), tk.ID, "spec", model.ReasonNormal, "orchestrator")
	assert.True(t, conderr.IsCode(err, conderr.CodeTransitionInvalid))
}

func TestApprovalSuspendAndResume(t *testing.T) {
	m, store, bus := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "testing")
	satisfy(t, store, tk.ID, "testing", "test suite passes")

	// review requires approval: the transition suspends.
	require.NoError(t, m.Transition(ctx, tk.ID, "review", model.ReasonNormal, "orchestrator"))
	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "testing", got.CurrentPhase)
	require.NotNil(t, bus.find(events.EventApprovalRequested))

	// The granted intent resumes the move.
	m.onApprovalGranted(events.NewEvent(events.EventApprovalGranted, "ticket", tk.ID,
		events.ApprovalDecidedPayload{TicketID: tk.ID, ToPhase: "review", Actor: "operator"}))

	got, err = store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", got.CurrentPhase)
	_, pending := got.SynthesisContext[pendingApprovalKey]
	assert.False(t, pending)
}

func TestApprovalDenied(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "testing")
	satisfy(t, store, tk.ID, "testing", "test suite passes")

	require.NoError(t, m.Transition(ctx, tk.ID, "review", model.ReasonNormal, "orchestrator"))
	m.onApprovalDenied(events.NewEvent(events.EventApprovalDenied, "ticket", tk.ID,
		events.ApprovalDecidedPayload{TicketID: tk.ID, ToPhase: "review", Actor: "operator"}))

	got, err := store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "testing", got.CurrentPhase)
	_, pending := got.SynthesisContext[pendingApprovalKey]
	assert.False(t, pending)
}

func TestEvaluateGateArtifacts(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	tk := seedTicket(t, store, "spec")
	satisfy(t, store, tk.ID, "spec", "requirements documented")

	gate, err := m.EvaluateGate(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, gate.Passed(), "failing: %v", gate.Failing)
	assert.Contains(t, gate.Satisfied, "artifact: .planning/requirements/**")
}

func TestRegistryOverlayAndCache(t *testing.T) {
	store := db.NewTestDB(t)
	registry := NewRegistry(store)
	ctx := context.Background()
	require.NoError(t, registry.LoadDefaults(ctx, "proj-1"))

	p, err := registry.Get(ctx, "proj-1", "testing")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Sequence)

	// Overlay a custom definition; the cache must see the new version.
	custom := *p
	custom.WIPLimit = 2
	require.NoError(t, registry.Register(ctx, &custom))
	p, err = registry.Get(ctx, "proj-1", "testing")
	require.NoError(t, err)
	assert.Equal(t, 2, p.WIPLimit)

	// Terminal phases cannot declare transitions.
	err = registry.Register(ctx, &model.Phase{
		ProjectID: "proj-1", ID: "bad", Name: "Bad", Sequence: 99,
		Terminal: true, AllowedNext: []string{"spec"},
	})
	assert.Error(t, err)

	_, err = registry.Get(ctx, "proj-1", "missing")
	assert.True(t, conderr.IsCode(err, conderr.CodePhaseUnknown))
}
