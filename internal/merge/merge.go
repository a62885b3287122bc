// Package merge implements the convergence merger: after synthesis fires
// for a join, the source task branches are merged into the ticket branch
// so the continuation task starts from the combined work.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/git"
	"github.com/conductor-sh/conductor/internal/model"
	"github.com/conductor-sh/conductor/internal/sandbox"
)

// DefaultResolveAttempts caps conflict-resolver invocations per source
// branch.
const DefaultResolveAttempts = 3

// ConflictResolver attempts to resolve an in-progress merge conflict in
// workspace. Implementations are external (typically LLM-backed); a nil
// resolver means conflicts fail immediately.
type ConflictResolver interface {
	Resolve(ctx context.Context, workspace string, conflicted []string) error
}

// Merger performs convergence merges for fired joins.
type Merger struct {
	store    *db.DB
	repo     *git.Repo
	spawner  *sandbox.Spawner
	bus      events.Bus
	resolver ConflictResolver
	attempts int
	logger   *slog.Logger

	unsubscribe func()
}

// Option configures a Merger.
type Option func(*Merger)

// WithResolver installs a conflict resolver.
func WithResolver(r ConflictResolver) Option {
	return func(m *Merger) { m.resolver = r }
}

// WithResolveAttempts overrides the per-branch resolver cap.
func WithResolveAttempts(n int) Option {
	return func(m *Merger) { m.attempts = n }
}

// New creates a merger.
func New(store *db.DB, repo *git.Repo, spawner *sandbox.Spawner, bus events.Bus, logger *slog.Logger, opts ...Option) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Merger{
		store:    store,
		repo:     repo,
		spawner:  spawner,
		bus:      bus,
		attempts: DefaultResolveAttempts,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes the merger to coordination.synthesis.completed.
func (m *Merger) Start() error {
	unsub, err := m.bus.Subscribe(string(events.EventSynthesisCompleted), func(e events.Event) {
		continuation := e.Field("continuation_task_id").String()
		if continuation == "" {
			return
		}
		if err := m.MergeForContinuation(context.Background(), continuation); err != nil {
			m.logger.Error("convergence merge failed", "continuation", continuation, "error", err)
		}
	})
	if err != nil {
		return err
	}
	m.unsubscribe = unsub
	return nil
}

// Close detaches the merger from the bus.
func (m *Merger) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// MergeForContinuation merges the join's source branches into the ticket
// branch inside a fresh merge sandbox. It arranges its own workspace and
// never assumes the continuation's sandbox exists.
func (m *Merger) MergeForContinuation(ctx context.Context, continuationID string) error {
	join, err := m.store.JoinForContinuation(ctx, continuationID)
	if err != nil {
		return err
	}
	if join == nil {
		return conderr.ErrJoinNotFound(continuationID)
	}
	if join.Status == model.JoinMerged {
		return nil
	}

	sources, err := m.orderedSources(ctx, join.SourceTaskIDs)
	if err != nil {
		return err
	}

	sb, err := m.spawner.CreateMergeSandbox(ctx, join.TicketID)
	if err != nil {
		return err
	}
	defer func() {
		if termErr := m.spawner.Terminate(ctx, sb.ID); termErr != nil {
			m.logger.Warn("merge sandbox cleanup failed", "sandbox_id", sb.ID, "error", termErr)
		}
	}()

	for _, src := range sources {
		branch := src.BranchName()
		if err := m.mergeOne(ctx, sb.WorkspacePath, continuationID, src.ID, branch); err != nil {
			return m.fail(ctx, join, continuationID, branch, err)
		}
	}

	if err := m.store.SetJoinStatus(ctx, join.ID, model.JoinReady, model.JoinMerged); err != nil &&
		!conderr.IsCode(err, conderr.CodeClaimLost) {
		return err
	}
	m.bus.Publish(events.NewEvent(events.EventMergeSucceeded, "task", continuationID,
		events.MergeResultPayload{ContinuationTaskID: continuationID}))
	m.logger.Info("convergence merge succeeded",
		"continuation", continuationID, "sources", len(sources), "ticket_id", join.TicketID)
	return nil
}

// orderedSources loads the source tasks and sorts them priority-first then
// id, so merge order is deterministic across runs.
func (m *Merger) orderedSources(ctx context.Context, ids []string) ([]*model.Task, error) {
	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// mergeOne merges one source branch, driving the resolver through its
// bounded attempts on conflict. Every attempt lands in the merge log.
func (m *Merger) mergeOne(ctx context.Context, workspace, continuationID, sourceTaskID, branch string) error {
	message := fmt.Sprintf("merge %s for %s", branch, continuationID)

	for attempt := 1; attempt <= m.attempts; attempt++ {
		err := m.repo.MergeBranch(workspace, branch, message)
		if err == nil {
			m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, true, "")
			return nil
		}
		if !errors.Is(err, git.ErrConflict) {
			m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, false, err.Error())
			return err
		}

		conflicted, listErr := m.repo.ConflictedFiles(workspace)
		if listErr != nil {
			conflicted = nil
		}
		if m.resolver == nil {
			m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, false, "conflict, no resolver configured")
			_ = m.repo.AbortMerge(workspace)
			return err
		}

		if resErr := m.resolver.Resolve(ctx, workspace, conflicted); resErr != nil {
			m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, false, resErr.Error())
			_ = m.repo.AbortMerge(workspace)
			continue
		}
		if commitErr := m.repo.CommitAll(workspace, message+" (resolved)"); commitErr != nil {
			m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, false, commitErr.Error())
			_ = m.repo.AbortMerge(workspace)
			continue
		}
		m.logAttempt(ctx, continuationID, sourceTaskID, branch, attempt, true, "resolved by conflict resolver")
		return nil
	}

	return conderr.ErrMergeConflict(continuationID, branch, git.ErrConflict)
}

func (m *Merger) logAttempt(ctx context.Context, continuationID, sourceTaskID, branch string, attempt int, resolved bool, detail string) {
	err := m.store.LogMergeAttempt(ctx, &db.MergeAttempt{
		ContinuationID: continuationID,
		SourceTaskID:   sourceTaskID,
		Branch:         branch,
		Attempt:        attempt,
		Resolved:       resolved,
		Detail:         detail,
	})
	if err != nil {
		m.logger.Warn("merge attempt not recorded", "branch", branch, "error", err)
	}
}

// fail blocks the continuation task and publishes merge.failed. Human
// resolution unblocks it.
func (m *Merger) fail(ctx context.Context, join *model.Join, continuationID, branch string, cause error) error {
	if err := m.store.SetJoinStatus(ctx, join.ID, model.JoinReady, model.JoinFailed); err != nil &&
		!conderr.IsCode(err, conderr.CodeClaimLost) {
		return err
	}
	if err := m.store.BlockTask(ctx, continuationID, "merge-conflict: "+branch); err != nil {
		m.logger.Error("could not block continuation", "task_id", continuationID, "error", err)
	}
	m.bus.Publish(events.NewEvent(events.EventMergeFailed, "task", continuationID,
		events.MergeResultPayload{
			ContinuationTaskID: continuationID,
			Detail:             cause.Error(),
		}))
	m.logger.Warn("convergence merge failed",
		"continuation", continuationID, "branch", branch, "error", cause)
	return cause
}
