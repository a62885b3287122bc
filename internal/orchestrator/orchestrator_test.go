package orchestrator

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/internal/coordination"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/git"
	"github.com/conductor-sh/conductor/internal/lock"
	"github.com/conductor-sh/conductor/internal/merge"
	"github.com/conductor-sh/conductor/internal/model"
	"github.com/conductor-sh/conductor/internal/phase"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/sandbox"
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

// fakeGit creates worktree directories and merges cleanly.
type fakeGit struct{}

func (fakeGit) Run(workDir, name string, args ...string) (string, error) {
	if len(args) >= 4 && args[0] == "worktree" && args[1] == "add" {
		_ = os.MkdirAll(args[len(args)-2], 0o755)
	}
	return "", nil
}

type harness struct {
	orc   *Orchestrator
	store *db.DB
	bus   *recordingBus
	locks *lock.Manager
	queue *queue.Queue
}

func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessWith(t, cfg, nil)
}

func newHarnessWith(t *testing.T, cfg Config, runtime sandbox.Runtime) *harness {
	t.Helper()
	store := db.NewTestDB(t)
	bus := &recordingBus{}
	q := queue.New(store, bus, nil)
	locks := lock.NewManager(store, nil)
	registry := phase.NewRegistry(store)
	machine := phase.NewMachine(store, registry, bus, nil)
	coord := coordination.NewService(store, q, bus, nil)

	repo, err := git.NewRepo(t.TempDir(), git.WithRunner(fakeGit{}))
	require.NoError(t, err)
	spawner := sandbox.NewSpawner(store, repo, bus, runtime, sandbox.Config{}, nil)
	merger := merge.New(store, repo, spawner, bus, nil)

	orc := New(Deps{
		Store:    store,
		Queue:    q,
		Locks:    locks,
		Phases:   machine,
		Registry: registry,
		Coord:    coord,
		Merger:   merger,
		Spawner:  spawner,
		Bus:      bus,
	}, cfg)
	return &harness{orc: orc, store: store, bus: bus, locks: locks, queue: q}
}

func (h *harness) seedProject(t *testing.T, autonomous bool, maxConcurrent int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveProject(ctx, &model.Project{
		ID: "proj-1", Name: "demo", RepoPath: t.TempDir(),
		Autonomous: autonomous, MaxConcurrent: maxConcurrent,
	}))
	require.NoError(t, h.store.CreateTicket(ctx, &model.Ticket{
		ID: "TICK-1", ProjectID: "proj-1", Title: "demo",
		CurrentPhase: "implementation", Status: model.TicketActive,
	}))
}

func (h *harness) seedTask(t *testing.T, id string, files []string, deps ...string) *model.Task {
	t.Helper()
	task := &model.Task{
		ID: id, TicketID: "TICK-1", ProjectID: "proj-1",
		PhaseID: "implementation", Priority: model.PriorityMedium,
		EstimatedFiles: files, Dependencies: deps,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func TestClaimTickLaunchesEligibleTask(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", []string{"svc/x.go"})

	h.orc.ClaimTick(ctx, "worker-1")

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
	assert.NotEmpty(t, got.SandboxID)

	held, err := h.locks.ConflictingOwner(ctx, "other", []string{"svc/x.go"})
	require.NoError(t, err)
	assert.Equal(t, "TASK-A1", held, "file lock held by the running task")

	assert.Equal(t, 1, h.bus.count(events.EventTaskStarted))
	assert.Equal(t, 1, h.bus.count(events.EventSandboxSpawned))
}

func TestClaimRespectsConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 1)
	h.seedTask(t, "TASK-A1", nil)
	h.seedTask(t, "TASK-B2", nil)

	h.orc.ClaimTick(ctx, "worker-1")

	running, err := h.store.ListTasksByStatus(ctx, "proj-1", model.TaskRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1, "ceiling of 1 admits a single task")
}

func TestClaimDefersOnOwnershipConflict(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", []string{"svc/x.go"})

	// Another task already holds the file exclusively.
	_, err := h.locks.AcquireFiles(ctx, "TASK-Z9", "agent-z", []string{"svc/x.go"}, time.Minute)
	require.NoError(t, err)

	h.orc.ClaimTick(ctx, "worker-1")

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status, "deferred, not failed")
	assert.Empty(t, got.SandboxID)
	assert.Equal(t, 0, h.bus.count(events.EventTaskStarted))
}

func TestManualModeRequiresReadyToRun(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, false, 0)
	h.seedTask(t, "TASK-A1", nil)

	h.orc.ClaimTick(ctx, "worker-1")
	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)

	require.NoError(t, h.store.SetReadyToRun(ctx, "TASK-A1", true))
	h.orc.ClaimTick(ctx, "worker-1")
	got, err = h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}

func TestHandleCompletionUnblocksAndReleases(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", []string{"svc/x.go"})
	h.seedTask(t, "TASK-B2", nil, "TASK-A1")

	h.orc.ClaimTick(ctx, "worker-1")

	unblocked, err := h.orc.HandleCompletion(ctx, "TASK-A1", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-B2"}, unblocked)

	owner, err := h.locks.ConflictingOwner(ctx, "other", []string{"svc/x.go"})
	require.NoError(t, err)
	assert.Empty(t, owner, "locks released on completion")

	// Idempotent: the duplicate bus event is a no-op.
	again, err := h.orc.HandleCompletion(ctx, "TASK-A1", nil)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, h.bus.count(events.EventTaskCompleted))
}

func TestHandleFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, Config{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", nil)

	h.orc.ClaimTick(ctx, "worker-1")
	require.NoError(t, h.orc.HandleFailure(ctx, "TASK-A1", "agent error"))

	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(ctx, "TASK-A1")
		return err == nil && got.Status == model.TaskPending
	}, time.Second, 5*time.Millisecond, "failed task requeued after backoff")

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestHandleFailureExhaustionRecordsDiscovery(t *testing.T) {
	h := newHarness(t, Config{DefaultRetries: 1, RetryBaseDelay: time.Millisecond})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", nil)

	// First failure consumes the only retry.
	h.orc.ClaimTick(ctx, "worker-1")
	require.NoError(t, h.orc.HandleFailure(ctx, "TASK-A1", "first"))
	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(ctx, "TASK-A1")
		return err == nil && got.Status == model.TaskPending
	}, time.Second, 5*time.Millisecond)

	h.orc.ClaimTick(ctx, "worker-1")
	require.NoError(t, h.orc.HandleFailure(ctx, "TASK-A1", "second"))

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status, "stays failed after exhaustion")

	discs, err := h.store.ListDiscoveriesBySource(ctx, "TASK-A1")
	require.NoError(t, err)
	require.Len(t, discs, 1)
	assert.Equal(t, model.DiscoveryBug, discs[0].Kind)

	followUp, err := h.store.GetTask(ctx, discs[0].SpawnedTaskID)
	require.NoError(t, err)
	assert.Empty(t, followUp.Dependencies, "investigation must not wait on the dead task")
	assert.True(t, strings.Contains(followUp.Description, "TASK-A1"))
}

// brokenRuntime refuses to start any agent process.
type brokenRuntime struct{}

func (brokenRuntime) Start(context.Context, *model.Sandbox, map[string]string) error {
	return assert.AnError
}
func (brokenRuntime) Stop(context.Context, string) error { return nil }

func TestLaunchFailureSchedulesRetry(t *testing.T) {
	h := newHarnessWith(t, Config{
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  100 * time.Millisecond,
	}, brokenRuntime{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", []string{"svc/x.go"})

	h.orc.ClaimTick(ctx, "worker-1")

	// A failed launch goes through the retry policy and lands back in the
	// pool, it must not be parked as failed forever.
	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(ctx, "TASK-A1")
		return err == nil && got.Status == model.TaskPending
	}, 2*time.Second, 10*time.Millisecond, "launch failure must be requeued")

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEmpty(t, got.LastError)
	assert.Empty(t, got.SandboxID, "requeue frees the sandbox slot")

	owner, err := h.locks.ConflictingOwner(ctx, "other", []string{"svc/x.go"})
	require.NoError(t, err)
	assert.Empty(t, owner, "locks released when the launch fails")

	assert.Equal(t, 1, h.bus.count(events.EventTaskFailed))
}

func TestHandleStuckReenqueues(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", []string{"svc/x.go"})

	h.orc.ClaimTick(ctx, "worker-1")
	require.NoError(t, h.orc.HandleStuck(ctx, "TASK-A1"))

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, h.bus.count(events.EventTaskCancelled))

	owner, err := h.locks.ConflictingOwner(ctx, "other", []string{"svc/x.go"})
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestCallbackAuthoritative(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", nil)
	h.seedTask(t, "TASK-B2", nil, "TASK-A1")

	h.orc.ClaimTick(ctx, "worker-1")

	unblocked, err := h.orc.Callback(ctx, Completion{
		TaskID:  "TASK-A1",
		Success: true,
		Result:  map[string]any{"files": []any{"a.go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-B2"}, unblocked)
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, Config{StaleAfter: time.Minute})
	ctx := context.Background()
	h.seedProject(t, true, 0)
	h.seedTask(t, "TASK-A1", nil)

	require.NoError(t, h.store.TransitionTask(ctx, "TASK-A1", model.TaskPending, model.TaskAssigned))
	require.NoError(t, h.store.TransitionTask(ctx, "TASK-A1", model.TaskAssigned, model.TaskRunning))
	require.NoError(t, h.store.Heartbeat(ctx, "TASK-A1", time.Now().Add(-time.Hour)))

	require.NoError(t, h.orc.RecoverOrphans(ctx))

	got, err := h.store.GetTask(ctx, "TASK-A1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status, "orphan returned to the pool")
	assert.Equal(t, 1, got.RetryCount)
}

func TestJitteredBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := jitteredBackoff(attempt, time.Second, time.Minute)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 90*time.Second, "never above 1.5x the cap")
	}
}
