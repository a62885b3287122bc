package coordination

import (
	"context"
	"time"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

// Synthesizer watches source task completions and fires joins: when enough
// sources of a join have arrived it merges their results into the
// continuation's synthesis context and marks the join ready.
type Synthesizer struct {
	svc         *Service
	unsubscribe func()
}

// NewSynthesizer wires a synthesizer onto the service's bus. Call Close to
// detach it.
func NewSynthesizer(svc *Service) (*Synthesizer, error) {
	s := &Synthesizer{svc: svc}
	unsub, err := svc.bus.Subscribe(string(events.EventTaskCompleted), func(e events.Event) {
		taskID := e.Field("task_id").String()
		if taskID == "" {
			return
		}
		if err := s.OnSourceCompleted(context.Background(), taskID); err != nil {
			svc.logger.Error("synthesis failed", "task_id", taskID, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.unsubscribe = unsub
	return s, nil
}

// Close detaches the synthesizer from the bus.
func (s *Synthesizer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// OnSourceCompleted records the arrival of taskID on every waiting join
// that lists it as a source, and fires any join whose quorum is met.
func (s *Synthesizer) OnSourceCompleted(ctx context.Context, taskID string) error {
	joins, err := s.svc.store.JoinsForSource(ctx, taskID)
	if err != nil {
		return err
	}
	for _, j := range joins {
		arrived, err := s.svc.store.MarkArrived(ctx, j.ID, taskID)
		if err != nil {
			return err
		}
		if j.Deadline != nil && time.Now().After(*j.Deadline) {
			if err := s.svc.failJoin(ctx, j, model.JoinWaiting, "deadline exceeded"); err != nil {
				return err
			}
			continue
		}
		if arrived < j.RequiredCount {
			continue
		}
		if err := s.svc.fire(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// fire flips the join to ready and, for joins with a continuation, writes
// the merged source results into its synthesis context. The guarded status
// update makes firing exactly-once under concurrent completions.
func (s *Service) fire(ctx context.Context, j *model.Join) error {
	err := s.store.SetJoinStatus(ctx, j.ID, model.JoinWaiting, model.JoinReady)
	if conderr.IsCode(err, conderr.CodeClaimLost) {
		return nil
	}
	if err != nil {
		return err
	}

	if j.ContinuationID != "" {
		sources := make([]map[string]any, 0, len(j.SourceTaskIDs))
		for _, srcID := range j.SourceTaskIDs {
			src, err := s.store.GetTask(ctx, srcID)
			if err != nil {
				return err
			}
			if src.Result != nil {
				sources = append(sources, src.Result)
			}
		}
		merged, err := Merge(sources, MergeStrategy(j.MergeStrategy))
		if err != nil {
			return s.failJoin(ctx, j, model.JoinReady, err.Error())
		}
		if err := s.store.SetTaskSynthesis(ctx, j.ContinuationID, merged); err != nil {
			return err
		}
	}

	s.bus.Publish(events.NewEvent(events.EventSynthesisCompleted, "join", j.ID,
		events.SynthesisCompletedPayload{
			ContinuationTaskID: j.ContinuationID,
			SourceTaskIDs:      j.SourceTaskIDs,
			TicketID:           j.TicketID,
		}))
	s.logger.Info("join fired",
		"join_id", j.ID, "continuation", j.ContinuationID,
		"strategy", j.MergeStrategy, "sources", len(j.SourceTaskIDs))
	return nil
}

// settleArrived backfills arrivals for sources that completed before the
// join existed and fires the join when the quorum is already met. Without
// the backfill a join registered after its sources finished would wait
// forever: the completion events it needed were published before the join
// could hear them.
func (s *Service) settleArrived(ctx context.Context, j *model.Join) error {
	arrived := 0
	for _, srcID := range j.SourceTaskIDs {
		src, err := s.store.GetTask(ctx, srcID)
		if err != nil {
			return err
		}
		if src.Status != model.TaskCompleted {
			continue
		}
		n, err := s.store.MarkArrived(ctx, j.ID, srcID)
		if err != nil {
			return err
		}
		arrived = n
	}
	if arrived == 0 || arrived < j.RequiredCount {
		return nil
	}
	return s.fire(ctx, j)
}

func (s *Service) failJoin(ctx context.Context, j *model.Join, from model.JoinStatus, reason string) error {
	err := s.store.SetJoinStatus(ctx, j.ID, from, model.JoinFailed)
	if conderr.IsCode(err, conderr.CodeClaimLost) {
		return nil
	}
	if err != nil {
		return err
	}
	s.bus.Publish(events.NewEvent(events.EventSynthesisFailed, "join", j.ID,
		events.SynthesisCompletedPayload{
			ContinuationTaskID: j.ContinuationID,
			SourceTaskIDs:      j.SourceTaskIDs,
			TicketID:           j.TicketID,
		}))
	s.logger.Warn("join failed", "join_id", j.ID, "reason", reason)
	return nil
}

// CheckDeadlines fails every waiting join whose deadline has passed. The
// orchestrator runs this on its housekeeping tick.
func (s *Synthesizer) CheckDeadlines(ctx context.Context, now time.Time) error {
	expired, err := s.svc.store.ExpiredJoins(ctx, now)
	if err != nil {
		return err
	}
	for _, j := range expired {
		if err := s.svc.failJoin(ctx, j, model.JoinWaiting, "deadline exceeded"); err != nil {
			return err
		}
	}
	return nil
}
