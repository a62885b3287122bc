// Package guardian watches in-flight tasks for drift: stale heartbeats,
// repetitive activity and off-topic work trigger steering interventions,
// and a dead heartbeat marks the agent stuck.
package guardian

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

const (
	// DefaultCadence is how often the guardian sweeps in-flight tasks.
	DefaultCadence = 60 * time.Second

	// HeartbeatStale is the heartbeat age that triggers a steering
	// intervention.
	HeartbeatStale = 90 * time.Second

	// DefaultAlignmentThreshold is the score below which the guardian
	// intervenes.
	DefaultAlignmentThreshold = 0.4

	// stuckMultiplier: a heartbeat older than stuckMultiplier times the
	// stale limit marks the agent stuck.
	stuckMultiplier = 3

	// activityWindow bounds how much recent activity feeds the score.
	activityWindow = 20
)

// Activity is one observed agent action, fed in from heartbeat and event
// traffic.
type Activity struct {
	TaskID  string
	Content string
	At      time.Time
}

// Monitor runs the guardian sweep.
type Monitor struct {
	store     *db.DB
	bus       events.Bus
	logger    *slog.Logger
	cadence   time.Duration
	threshold float64

	mu       sync.Mutex
	activity map[string][]Activity

	unsubscribes []func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCadence overrides the sweep interval.
func WithCadence(d time.Duration) Option {
	return func(m *Monitor) { m.cadence = d }
}

// WithThreshold overrides the alignment threshold.
func WithThreshold(v float64) Option {
	return func(m *Monitor) { m.threshold = v }
}

// New creates a guardian monitor.
func New(store *db.DB, bus events.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:     store,
		bus:       bus,
		logger:    logger,
		cadence:   DefaultCadence,
		threshold: DefaultAlignmentThreshold,
		activity:  make(map[string][]Activity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to heartbeat traffic and launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	unsub, err := m.bus.Subscribe(string(events.EventAgentHeartbeat), func(e events.Event) {
		taskID := e.Field("task_id").String()
		if taskID == "" {
			return
		}
		if err := m.store.Heartbeat(context.Background(), taskID, time.Now()); err != nil {
			m.logger.Warn("heartbeat not recorded", "task_id", taskID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	m.unsubscribes = append(m.unsubscribes, unsub)

	go m.run(ctx)
	return nil
}

// Close detaches the monitor from the bus.
func (m *Monitor) Close() {
	for _, unsub := range m.unsubscribes {
		unsub()
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx, time.Now()); err != nil {
				m.logger.Error("guardian sweep failed", "error", err)
			}
		}
	}
}

// Observe feeds one agent action into the alignment heuristic.
func (m *Monitor) Observe(a Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.activity[a.TaskID], a)
	if len(list) > activityWindow {
		list = list[len(list)-activityWindow:]
	}
	m.activity[a.TaskID] = list
}

// Sweep scores every running task once. Exposed for the orchestrator tick
// and for tests.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) error {
	projects, err := m.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		tasks, err := m.store.ListTasksByStatus(ctx, p.ID, model.TaskRunning)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			m.check(task, now)
		}
	}
	return nil
}

func (m *Monitor) check(task *model.Task, now time.Time) {
	age := heartbeatAge(task, now)

	if age > stuckMultiplier*HeartbeatStale {
		m.mu.Lock()
		delete(m.activity, task.ID)
		m.mu.Unlock()

		m.bus.Publish(events.NewEvent(events.EventAgentStuck, "task", task.ID,
			events.AgentStuckPayload{
				AgentID: task.SandboxID,
				TaskID:  task.ID,
			}))
		m.logger.Warn("agent stuck",
			"task_id", task.ID, "heartbeat_age", age.Round(time.Second))
		return
	}

	score := m.AlignmentScore(task, now)
	if score >= m.threshold && age <= HeartbeatStale {
		return
	}

	kind, message := m.intervention(task, score, age)
	m.bus.Publish(events.NewEvent(events.EventSteeringIssued, "task", task.ID,
		events.SteeringIssuedPayload{
			AgentID: task.SandboxID,
			Kind:    kind,
			Message: message,
		}))
	m.logger.Info("steering issued",
		"task_id", task.ID, "kind", kind, "score", score,
		"heartbeat_age", age.Round(time.Second))
}

// AlignmentScore estimates how on-track the agent is, in [0, 1]. The
// heuristic averages three signals: heartbeat freshness, repetition of
// recent actions and word overlap with the task description.
func (m *Monitor) AlignmentScore(task *model.Task, now time.Time) float64 {
	m.mu.Lock()
	recent := m.activity[task.ID]
	m.mu.Unlock()

	freshness := 1.0 - clamp(heartbeatAge(task, now).Seconds()/HeartbeatStale.Seconds())
	variety := actionVariety(recent)
	relevance := descriptionOverlap(task.Description, recent)

	return (freshness + variety + relevance) / 3
}

func (m *Monitor) intervention(task *model.Task, score float64, age time.Duration) (events.SteeringKind, string) {
	recent := func() []Activity {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.activity[task.ID]
	}()

	switch {
	case age > HeartbeatStale:
		return events.SteeringStop, "no heartbeat for " + age.Round(time.Second).String() + ", report status or stop"
	case actionVariety(recent) < 0.5:
		return events.SteeringConstraint, "recent actions repeat, vary the approach"
	case descriptionOverlap(task.Description, recent) < 0.2:
		return events.SteeringRefocus, "recent work diverges from the task description"
	default:
		return events.SteeringPrioritize, "alignment low, focus on the primary objective"
	}
}

func heartbeatAge(task *model.Task, now time.Time) time.Duration {
	last := task.UpdatedAt
	if task.LastHeartbeat != nil {
		last = *task.LastHeartbeat
	}
	return now.Sub(last)
}

// actionVariety is the ratio of distinct recent actions, 1.0 when nothing
// repeats.
func actionVariety(recent []Activity) float64 {
	if len(recent) == 0 {
		return 1.0
	}
	distinct := make(map[string]struct{}, len(recent))
	for _, a := range recent {
		distinct[strings.ToLower(strings.TrimSpace(a.Content))] = struct{}{}
	}
	return float64(len(distinct)) / float64(len(recent))
}

// descriptionOverlap measures what fraction of the task description's
// words appear in recent activity. With no activity the signal is neutral.
func descriptionOverlap(description string, recent []Activity) float64 {
	words := strings.Fields(strings.ToLower(description))
	if len(words) == 0 || len(recent) == 0 {
		return 0.5
	}
	var blob strings.Builder
	for _, a := range recent {
		blob.WriteString(strings.ToLower(a.Content))
		blob.WriteByte(' ')
	}
	seen := blob.String()

	hits := 0
	for _, w := range words {
		if len(w) < 4 {
			continue
		}
		if strings.Contains(seen, w) {
			hits++
		}
	}
	longWords := 0
	for _, w := range words {
		if len(w) >= 4 {
			longWords++
		}
	}
	if longWords == 0 {
		return 0.5
	}
	return float64(hits) / float64(longWords)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
