// Package coordination implements the fan-out/fan-in primitives: task
// splits, sync points, join registration and result synthesis for
// continuation tasks.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
	"github.com/conductor-sh/conductor/internal/queue"
)

// Service provides the coordination primitives.
type Service struct {
	store  *db.DB
	queue  *queue.Queue
	bus    events.Bus
	logger *slog.Logger
}

// NewService creates a coordination service.
func NewService(store *db.DB, q *queue.Queue, bus events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: q, bus: bus, logger: logger}
}

// Split enqueues each child with a dependency on the parent task. Children
// inherit the parent's ticket and project when unset.
func (s *Service) Split(ctx context.Context, parentTaskID string, children []*model.Task) error {
	parent, err := s.store.GetTask(ctx, parentTaskID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.TicketID == "" {
			child.TicketID = parent.TicketID
		}
		if child.ProjectID == "" {
			child.ProjectID = parent.ProjectID
		}
		if child.PhaseID == "" {
			child.PhaseID = parent.PhaseID
		}
		child.Dependencies = appendMissing(child.Dependencies, parentTaskID)
		if err := s.queue.Enqueue(ctx, child); err != nil {
			return fmt.Errorf("split child of %s: %w", parentTaskID, err)
		}
	}
	return nil
}

// SyncPoint registers a gate with no continuation: it becomes ready when
// required_count sources complete, or fails at the deadline. Callers watch
// coordination.synthesis.completed/failed for the outcome.
func (s *Service) SyncPoint(ctx context.Context, name string, sourceTaskIDs []string, requiredCount int, timeout time.Duration) (*model.Join, error) {
	if len(sourceTaskIDs) == 0 {
		return nil, fmt.Errorf("sync point %q needs at least one source", name)
	}
	j := &model.Join{
		ID:            model.NewID(),
		TicketID:      name,
		SourceTaskIDs: sourceTaskIDs,
		MergeStrategy: string(StrategyCombine),
		RequiredCount: requiredCount,
	}
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		j.Deadline = &deadline
	}
	if err := s.store.CreateJoin(ctx, j); err != nil {
		return nil, err
	}
	if err := s.settleArrived(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// RegisterJoin records that the continuation task's synthesis context must
// be built from the sources' results. The source set must be a subset of
// the continuation's dependencies, otherwise the continuation could start
// before its inputs exist.
func (s *Service) RegisterJoin(ctx context.Context, sourceTaskIDs []string, continuationTaskID string, strategy MergeStrategy) (*model.Join, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
	continuation, err := s.store.GetTask(ctx, continuationTaskID)
	if err != nil {
		return nil, err
	}
	deps := make(map[string]bool, len(continuation.Dependencies))
	for _, d := range continuation.Dependencies {
		deps[d] = true
	}
	for _, src := range sourceTaskIDs {
		if !deps[src] {
			return nil, fmt.Errorf("join source %s is not a dependency of %s", src, continuationTaskID)
		}
	}

	j := &model.Join{
		ID:             model.NewID(),
		TicketID:       continuation.TicketID,
		SourceTaskIDs:  sourceTaskIDs,
		ContinuationID: continuationTaskID,
		MergeStrategy:  string(strategy),
	}
	if err := s.store.CreateJoin(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("join registered",
		"join_id", j.ID, "continuation", continuationTaskID,
		"sources", len(sourceTaskIDs), "strategy", strategy)

	// Sources may have finished before the join existed, most commonly when
	// the join is auto-registered at claim time after every dependency
	// already completed. Count those arrivals now or the join never fires.
	if err := s.settleArrived(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// EnsureJoin auto-registers a combine join for a task with two or more
// dependencies that lacks an explicit registration. Idempotent.
func (s *Service) EnsureJoin(ctx context.Context, task *model.Task) (*model.Join, error) {
	if len(task.Dependencies) < 2 {
		return nil, nil
	}
	existing, err := s.store.JoinForContinuation(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// A join can be left waiting when a completion event was lost;
		// by the time the continuation is claimable every source is done,
		// so settle it here.
		if existing.Status == model.JoinWaiting {
			if err := s.settleArrived(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	return s.RegisterJoin(ctx, task.Dependencies, task.ID, StrategyCombine)
}

func appendMissing(list []string, id string) []string {
	for _, item := range list {
		if item == id {
			return list
		}
	}
	return append(list, id)
}
