// Package orchestrator runs the control loop: concurrent workers claim
// eligible tasks, acquire ownership locks, spawn sandboxes and react to
// completion, failure and stuck-agent events.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conductor-sh/conductor/internal/coordination"
	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/lock"
	"github.com/conductor-sh/conductor/internal/merge"
	"github.com/conductor-sh/conductor/internal/model"
	"github.com/conductor-sh/conductor/internal/phase"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/sandbox"
)

// Config tunes the orchestrator loop.
type Config struct {
	Workers        int
	ClaimInterval  time.Duration
	GracePeriod    time.Duration
	StaleAfter     time.Duration
	DefaultRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Capabilities are the task-type tags this orchestrator's agents can
	// serve. Untyped tasks always match; empty means every type.
	Capabilities []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		ClaimInterval:  2 * time.Second,
		GracePeriod:    30 * time.Second,
		StaleAfter:     5 * time.Minute,
		DefaultRetries: 3,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  2 * time.Minute,
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store    *db.DB
	Queue    *queue.Queue
	Locks    *lock.Manager
	Phases   *phase.Machine
	Registry *phase.Registry
	Coord    *coordination.Service
	Merger   *merge.Merger
	Spawner  *sandbox.Spawner
	Bus      events.Bus
	Logger   *slog.Logger
}

// Orchestrator is the control heart of the system.
type Orchestrator struct {
	cfg    Config
	store  *db.DB
	queue  *queue.Queue
	locks  *lock.Manager
	phases *phase.Machine
	reg    *phase.Registry
	coord  *coordination.Service
	merger *merge.Merger
	spawn  *sandbox.Spawner
	bus    events.Bus
	logger *slog.Logger

	mu         sync.Mutex
	capacities map[string]capacityAd

	unsubscribes []func()
}

type capacityAd struct {
	capacity int
	seenAt   time.Time
}

// capacityAdTTL drops stale capacity advertisements.
const capacityAdTTL = 5 * time.Minute

// New creates an orchestrator. Zero-value config fields fall back to
// DefaultConfig.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = def.ClaimInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = def.DefaultRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		queue:      deps.Queue,
		locks:      deps.Locks,
		phases:     deps.Phases,
		reg:        deps.Registry,
		coord:      deps.Coord,
		merger:     deps.Merger,
		spawn:      deps.Spawner,
		bus:        deps.Bus,
		logger:     logger,
		capacities: make(map[string]capacityAd),
	}
}

// Run starts the workers and event handlers and blocks until ctx is
// cancelled, then drains in-flight work within the grace period.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Subscribe(); err != nil {
		return err
	}
	defer o.Detach()

	if err := o.phases.RegisterHandlers(); err != nil {
		return err
	}

	synth, err := coordination.NewSynthesizer(o.coord)
	if err != nil {
		return err
	}
	defer synth.Close()

	if err := o.merger.Start(); err != nil {
		return err
	}
	defer o.merger.Close()

	if err := o.RecoverOrphans(ctx); err != nil {
		o.logger.Error("orphan recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		workerID := model.NewID()
		g.Go(func() error {
			o.worker(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		o.housekeeping(gctx, synth)
		return nil
	})

	_ = g.Wait()
	o.drain(context.Background())
	return nil
}

// Subscribe wires the orchestrator's event handlers. Run calls this; it is
// exported for tests that drive the handlers directly.
func (o *Orchestrator) Subscribe() error {
	subs := []struct {
		channel events.EventType
		handler events.Handler
	}{
		{events.EventTaskCompleted, func(e events.Event) {
			taskID := e.Field("task_id").String()
			if taskID == "" {
				return
			}
			if _, err := o.HandleCompletion(context.Background(), taskID, decodeResult(e)); err != nil {
				o.logger.Error("completion handling failed", "task_id", taskID, "error", err)
			}
		}},
		{events.EventTaskFailed, func(e events.Event) {
			taskID := e.Field("task_id").String()
			if taskID == "" {
				return
			}
			if err := o.HandleFailure(context.Background(), taskID, e.Field("reason").String()); err != nil {
				o.logger.Error("failure handling failed", "task_id", taskID, "error", err)
			}
		}},
		{events.EventAgentStuck, func(e events.Event) {
			taskID := e.Field("task_id").String()
			if taskID == "" {
				return
			}
			if err := o.HandleStuck(context.Background(), taskID); err != nil {
				o.logger.Error("stuck handling failed", "task_id", taskID, "error", err)
			}
		}},
		{events.EventAgentHeartbeat, func(e events.Event) {
			agentID := e.Field("agent_id").String()
			capacity := int(e.Field("capacity").Int())
			if agentID == "" || capacity <= 0 {
				return
			}
			o.mu.Lock()
			o.capacities[agentID] = capacityAd{capacity: capacity, seenAt: time.Now()}
			o.mu.Unlock()
		}},
	}
	for _, s := range subs {
		unsub, err := o.bus.Subscribe(string(s.channel), s.handler)
		if err != nil {
			return err
		}
		o.unsubscribes = append(o.unsubscribes, unsub)
	}
	return nil
}

// Detach removes the orchestrator's event subscriptions.
func (o *Orchestrator) Detach() {
	for _, unsub := range o.unsubscribes {
		unsub()
	}
	o.unsubscribes = nil
}

func (o *Orchestrator) worker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(o.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ClaimTick(ctx, workerID)
		}
	}
}

// ClaimTick claims and launches tasks for every active project until
// nothing more is claimable this round.
func (o *Orchestrator) ClaimTick(ctx context.Context, workerID string) {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		o.logger.Error("list projects failed", "error", err)
		return
	}
	for _, p := range projects {
		if p.Archived {
			continue
		}
		skipped := make(map[string]bool)
		for {
			progressed, err := o.claimOne(ctx, p, workerID, skipped)
			if err != nil {
				o.logger.Error("claim failed", "project_id", p.ID, "error", err)
				break
			}
			if !progressed {
				break
			}
		}
	}
}

// claimOne runs one claim pipeline iteration. It returns true when the
// loop should try for another task.
func (o *Orchestrator) claimOne(ctx context.Context, project *model.Project, workerID string, skipped map[string]bool) (bool, error) {
	// Fast path only: the ceiling that counts is enforced inside the claim
	// update itself, where it cannot race another claimer.
	inFlight, err := o.store.CountInFlight(ctx, project.ID)
	if err != nil {
		return false, err
	}
	if project.MaxConcurrent > 0 && inFlight >= project.MaxConcurrent {
		return false, nil
	}
	if !o.withinCapacity(ctx) {
		return false, nil
	}

	task, err := o.queue.ClaimNext(ctx, db.ClaimSpec{
		ProjectID:    project.ID,
		Claimant:     workerID,
		Autonomous:   project.Autonomous,
		Capabilities: o.cfg.Capabilities,
		MaxInFlight:  project.MaxConcurrent,
	})
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if skipped[task.ID] {
		// Ownership still conflicts; put it back and stop this round.
		_ = o.store.UnclaimTask(ctx, task.ID)
		return false, nil
	}

	if j, err := o.coord.EnsureJoin(ctx, task); err != nil {
		o.logger.Warn("join auto-registration failed", "task_id", task.ID, "error", err)
	} else if j != nil && len(task.SynthesisCtx) == 0 {
		// Registration may have fired the join and written the synthesis
		// context; this claim's snapshot predates that.
		if fresh, err := o.store.GetTask(ctx, task.ID); err == nil {
			task.SynthesisCtx = fresh.SynthesisCtx
		}
	}

	// Convergence point: the combined source work must land on the ticket
	// branch before this task's sandbox is cut from it.
	if len(task.SynthesisCtx) > 0 && len(task.Dependencies) >= 2 {
		if err := o.merger.MergeForContinuation(ctx, task.ID); err != nil {
			o.logger.Warn("pre-spawn merge failed, task blocked",
				"task_id", task.ID, "error", err)
			return true, nil
		}
	}

	// Ownership check: estimated files exclusively held elsewhere defer
	// this task.
	if len(task.EstimatedFiles) > 0 {
		owner, err := o.locks.ConflictingOwner(ctx, task.ID, task.EstimatedFiles)
		if err != nil {
			_ = o.store.UnclaimTask(ctx, task.ID)
			return false, err
		}
		if owner != "" {
			o.logger.Info("task deferred on ownership conflict",
				"task_id", task.ID, "owner", owner)
			skipped[task.ID] = true
			_ = o.store.UnclaimTask(ctx, task.ID)
			return true, nil
		}
		if _, err := o.locks.AcquireFiles(ctx, task.ID, workerID, task.EstimatedFiles, lock.DefaultTTL); err != nil {
			if conderr.IsCode(err, conderr.CodeLockHeld) {
				skipped[task.ID] = true
				_ = o.store.UnclaimTask(ctx, task.ID)
				return true, nil
			}
			_ = o.store.UnclaimTask(ctx, task.ID)
			return false, err
		}
	}

	if err := o.launch(ctx, task, workerID); err != nil {
		o.logger.Warn("launch failed", "task_id", task.ID, "error", err)
		// HandleFailure owns the retry decision and releases the locks;
		// queue.Fail alone records the failure without ever scheduling the
		// retry.
		if failErr := o.HandleFailure(ctx, task.ID, err.Error()); failErr != nil {
			o.logger.Error("failure handling after launch error failed",
				"task_id", task.ID, "error", failErr)
		}
		o.bus.Publish(events.NewEvent(events.EventTaskFailed, "task", task.ID,
			events.TaskFailedPayload{TaskID: task.ID, Reason: err.Error()}))
	}
	return true, nil
}

// launch spawns the sandbox and starts the task, resuming the previous
// session when a transcript was saved for a retry.
func (o *Orchestrator) launch(ctx context.Context, task *model.Task, workerID string) error {
	req := sandbox.SpawnRequest{Task: task}
	if task.RetryCount > 0 {
		if prev, err := o.store.SandboxForTask(ctx, task.ID); err == nil && prev != nil && prev.SessionID != "" {
			req.Resume = &sandbox.ResumeHandle{SessionID: prev.SessionID}
		}
	}

	sb, err := o.spawn.SpawnForTask(ctx, req)
	if err != nil {
		return err
	}
	if err := o.store.AssignSandbox(ctx, task.ID, sb.ID); err != nil {
		return err
	}
	if err := o.queue.Start(ctx, task.ID, sb.ID, workerID); err != nil {
		return err
	}
	o.logger.Info("task launched",
		"task_id", task.ID, "sandbox_id", sb.ID, "retry", task.RetryCount)
	return nil
}

// withinCapacity enforces heartbeat-advertised agent capacity: the global
// in-flight count must stay under the advertised sum. With no
// advertisements the check is skipped.
func (o *Orchestrator) withinCapacity(ctx context.Context) bool {
	o.mu.Lock()
	total := 0
	now := time.Now()
	for id, ad := range o.capacities {
		if now.Sub(ad.seenAt) > capacityAdTTL {
			delete(o.capacities, id)
			continue
		}
		total += ad.capacity
	}
	o.mu.Unlock()
	if total == 0 {
		return true
	}
	return o.globalInFlight(ctx) < total
}

func (o *Orchestrator) housekeeping(ctx context.Context, synth *coordination.Synthesizer) {
	go o.locks.RunSweeper(ctx)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := synth.CheckDeadlines(ctx, time.Now()); err != nil {
				o.logger.Error("join deadline sweep failed", "error", err)
			}
		}
	}
}

// drain gives in-flight tasks the grace period to finish, then cancels
// the rest and releases their locks.
func (o *Orchestrator) drain(ctx context.Context) {
	deadline := time.Now().Add(o.cfg.GracePeriod)
	for time.Now().Before(deadline) {
		if o.globalInFlight(ctx) == 0 {
			return
		}
		time.Sleep(time.Second)
	}

	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		o.logger.Error("drain could not list projects", "error", err)
		return
	}
	for _, p := range projects {
		tasks, err := o.store.ListInFlight(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			if err := o.queue.Cancel(ctx, t.ID); err != nil {
				o.logger.Warn("cancel on shutdown failed", "task_id", t.ID, "error", err)
				continue
			}
			if _, err := o.locks.ReleaseByTask(ctx, t.ID); err != nil {
				o.logger.Warn("lock release on shutdown failed", "task_id", t.ID, "error", err)
			}
			o.terminateSandbox(ctx, t.ID)
			o.logger.Info("task cancelled on shutdown", "task_id", t.ID)
		}
	}
}

func (o *Orchestrator) globalInFlight(ctx context.Context) int {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return 0
	}
	total := 0
	for _, p := range projects {
		n, err := o.store.CountInFlight(ctx, p.ID)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

func (o *Orchestrator) terminateSandbox(ctx context.Context, taskID string) {
	sb, err := o.store.SandboxForTask(ctx, taskID)
	if err != nil || sb == nil {
		return
	}
	if err := o.spawn.Terminate(ctx, sb.ID); err != nil {
		o.logger.Warn("sandbox terminate failed", "sandbox_id", sb.ID, "error", err)
	}
}

func decodeResult(e events.Event) map[string]any {
	field := e.Field("result")
	if !field.Exists() || !field.IsObject() {
		return nil
	}
	out := make(map[string]any)
	for k, v := range field.Map() {
		out[k] = v.Value()
	}
	return out
}

// jitteredBackoff returns a delay between 0.5x and 1.5x of base*2^attempt,
// capped at max.
func jitteredBackoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}
