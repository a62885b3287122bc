// Package discovery records agent-reported findings and branches follow-up
// work into arbitrary phases, bypassing the normal transition rules.
package discovery

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

// DedupWindow bounds how far back duplicate detection looks. A task that
// keeps reporting the same finding inside the window spawns one follow-up,
// not one per report.
const DedupWindow = 24 * time.Hour

// Service records discoveries and spawns their follow-up tasks.
type Service struct {
	store  *db.DB
	queue  *queue.Queue
	bus    events.Bus
	logger *slog.Logger
}

// NewService creates a discovery service.
func NewService(store *db.DB, q *queue.Queue, bus events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: q, bus: bus, logger: logger}
}

// Request carries one agent finding.
type Request struct {
	SourceTaskID   string
	Kind           model.DiscoveryKind
	Description    string
	TargetPhase    string
	PriorityBoost  bool
	EstimatedFiles []string
}

// RecordAndBranch creates the discovery record and a follow-up task in the
// target phase depending on the source task, then publishes
// discovery.recorded (task.created comes from the queue). The follow-up
// enters the target phase regardless of the ticket's allowed transitions.
//
// A duplicate finding (same source, kind and normalized description inside
// the dedup window) is dropped and returns the nil discovery.
func (s *Service) RecordAndBranch(ctx context.Context, req Request) (*model.Discovery, *model.Task, error) {
	if !req.Kind.Valid() {
		return nil, nil, fmt.Errorf("unknown discovery kind %q", req.Kind)
	}
	source, err := s.store.GetTask(ctx, req.SourceTaskID)
	if err != nil {
		return nil, nil, err
	}

	dup, err := s.store.IsDuplicateDiscovery(ctx, req.SourceTaskID, req.Kind, req.Description, DedupWindow)
	if err != nil {
		return nil, nil, err
	}
	if dup {
		s.logger.Info("duplicate discovery dropped",
			"source_task_id", req.SourceTaskID, "kind", req.Kind)
		return nil, nil, nil
	}

	priority := source.Priority
	if req.PriorityBoost {
		priority = priority.Boost()
	}

	spawned := &model.Task{
		ID:             model.NewTaskID(),
		TicketID:       source.TicketID,
		ProjectID:      source.ProjectID,
		PhaseID:        req.TargetPhase,
		Description:    req.Description,
		TaskType:       string(req.Kind),
		Priority:       priority,
		Dependencies:   []string{req.SourceTaskID},
		EstimatedFiles: req.EstimatedFiles,
	}
	disc := &model.Discovery{
		ID:            model.NewID(),
		SourceTaskID:  req.SourceTaskID,
		SpawnedTaskID: spawned.ID,
		Kind:          req.Kind,
		Description:   req.Description,
		TargetPhase:   req.TargetPhase,
		PriorityBoost: req.PriorityBoost,
	}

	if err := s.store.SaveDiscovery(ctx, disc); err != nil {
		return nil, nil, err
	}
	if err := s.queue.Enqueue(ctx, spawned); err != nil {
		return nil, nil, fmt.Errorf("spawn follow-up for discovery %s: %w", disc.ID, err)
	}

	s.bus.Publish(events.NewEvent(events.EventDiscoveryRecorded, "discovery", disc.ID,
		events.DiscoveryRecordedPayload{
			DiscoveryID:  disc.ID,
			SourceTaskID: req.SourceTaskID,
			Kind:         string(req.Kind),
		}))
	s.logger.Info("discovery recorded",
		"discovery_id", disc.ID, "kind", req.Kind,
		"source_task_id", req.SourceTaskID, "spawned_task_id", spawned.ID,
		"target_phase", req.TargetPhase)
	return disc, spawned, nil
}
