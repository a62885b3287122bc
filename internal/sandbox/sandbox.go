// Package sandbox prepares and tears down isolated execution contexts:
// one worktree per task on its own branch, the .planning directory tree,
// injected environment, and an optional hydrated session transcript.
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/git"
	"github.com/conductor-sh/conductor/internal/model"
)

// planningDirs is the directory tree materialized inside every workspace.
var planningDirs = []string{
	".planning/phase_data",
	".planning/session_transcripts",
	".planning/checkpoints",
	".planning/requirements",
	".planning/designs",
	".planning/tickets",
	".planning/tasks",
}

// Runtime starts and stops the agent process inside a prepared workspace.
// Implementations range from a local subprocess to a container or a remote
// executor; the spawner only sees this interface.
type Runtime interface {
	Start(ctx context.Context, sb *model.Sandbox, env map[string]string) error
	Stop(ctx context.Context, sandboxID string) error
}

// NoopRuntime starts nothing. Merge sandboxes and tests use it.
type NoopRuntime struct{}

func (NoopRuntime) Start(context.Context, *model.Sandbox, map[string]string) error { return nil }
func (NoopRuntime) Stop(context.Context, string) error                             { return nil }

// Spawner builds sandboxes for tasks and merges.
type Spawner struct {
	store   *db.DB
	repo    *git.Repo
	bus     events.Bus
	runtime Runtime
	logger  *slog.Logger

	eventPublishURL string
	taskCompleteURL string
}

// Config carries the callback endpoints injected into every sandbox.
type Config struct {
	EventPublishURL string
	TaskCompleteURL string
}

// NewSpawner creates a spawner. A nil runtime falls back to NoopRuntime.
func NewSpawner(store *db.DB, repo *git.Repo, bus events.Bus, runtime Runtime, cfg Config, logger *slog.Logger) *Spawner {
	if runtime == nil {
		runtime = NoopRuntime{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		store:           store,
		repo:            repo,
		bus:             bus,
		runtime:         runtime,
		logger:          logger,
		eventPublishURL: cfg.EventPublishURL,
		taskCompleteURL: cfg.TaskCompleteURL,
	}
}

// ResumeHandle asks the spawner to rehydrate a previous agent session.
type ResumeHandle struct {
	SessionID string
	Fork      bool
}

// SpawnRequest describes one task sandbox.
type SpawnRequest struct {
	Task     *model.Task
	Type     model.SandboxType
	ExtraEnv map[string]string
	Resume   *ResumeHandle
}

// SpawnForTask prepares the workspace (task branch cut from the ticket
// branch, .planning tree, env, transcript hydration), starts the runtime
// and publishes sandbox.spawned. The caller records the returned sandbox
// id on the task.
func (s *Spawner) SpawnForTask(ctx context.Context, req SpawnRequest) (*model.Sandbox, error) {
	task := req.Task
	if req.Type == "" {
		req.Type = model.SandboxLocal
	}

	workspace, err := s.repo.CreateTaskWorktree(task.ID, task.TicketID)
	if err != nil {
		return nil, conderr.ErrSpawnFailed(task.ID, err)
	}
	if err := s.prepareWorkspace(workspace); err != nil {
		s.cleanupWorkspace(workspace)
		return nil, conderr.ErrSpawnFailed(task.ID, err)
	}

	sb := &model.Sandbox{
		ID:            model.NewID(),
		TaskID:        task.ID,
		TicketID:      task.TicketID,
		WorkspacePath: workspace,
		Branch:        task.BranchName(),
		BaseBranch:    model.TicketBranchName(task.TicketID),
		Type:          req.Type,
		Status:        model.SandboxStarting,
	}

	env := s.baseEnv(task)
	for k, v := range req.ExtraEnv {
		env[k] = v
	}
	if req.Resume != nil {
		if err := s.hydrate(ctx, task, req.Resume, workspace, env); err != nil {
			s.cleanupWorkspace(workspace)
			return nil, conderr.ErrSpawnFailed(task.ID, err)
		}
		sb.SessionID = req.Resume.SessionID
	}

	if err := s.store.SaveSandbox(ctx, sb); err != nil {
		s.cleanupWorkspace(workspace)
		return nil, err
	}
	if err := s.runtime.Start(ctx, sb, env); err != nil {
		_ = s.store.SetSandboxStatus(ctx, sb.ID, model.SandboxTerminated)
		s.cleanupWorkspace(workspace)
		return nil, conderr.ErrSpawnFailed(task.ID, err)
	}
	if err := s.store.SetSandboxStatus(ctx, sb.ID, model.SandboxRunning); err != nil {
		return nil, err
	}
	sb.Status = model.SandboxRunning

	s.bus.Publish(events.NewEvent(events.EventSandboxSpawned, "sandbox", sb.ID,
		events.SandboxPayload{
			SandboxID: sb.ID,
			TaskID:    task.ID,
			TicketID:  task.TicketID,
			Type:      string(sb.Type),
		}))
	s.logger.Info("sandbox spawned",
		"sandbox_id", sb.ID, "task_id", task.ID,
		"branch", sb.Branch, "type", sb.Type, "resumed", req.Resume != nil)
	return sb, nil
}

// CreateMergeSandbox prepares a short-lived workspace with the ticket
// branch checked out. No runtime is started: the convergence merger runs
// git operations directly against the workspace.
func (s *Spawner) CreateMergeSandbox(ctx context.Context, ticketID string) (*model.Sandbox, error) {
	branch, err := s.repo.EnsureTicketBranch(ticketID)
	if err != nil {
		return nil, err
	}
	workspace, err := s.repo.CreateWorktree(branch, s.repo.BaseBranch())
	if err != nil {
		return nil, err
	}

	sb := &model.Sandbox{
		ID:            model.NewID(),
		TicketID:      ticketID,
		WorkspacePath: workspace,
		Branch:        branch,
		BaseBranch:    s.repo.BaseBranch(),
		Type:          model.SandboxMerge,
		Status:        model.SandboxRunning,
	}
	if err := s.store.SaveSandbox(ctx, sb); err != nil {
		s.cleanupWorkspace(workspace)
		return nil, err
	}
	s.logger.Info("merge sandbox created", "sandbox_id", sb.ID, "ticket_id", ticketID, "branch", branch)
	return sb, nil
}

// Terminate stops the runtime, removes the worktree and publishes
// sandbox.terminated. Terminating an already-terminated sandbox is a no-op.
func (s *Spawner) Terminate(ctx context.Context, sandboxID string) error {
	sb, err := s.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.Status == model.SandboxTerminated {
		return nil
	}

	if sb.Type != model.SandboxMerge {
		if err := s.runtime.Stop(ctx, sandboxID); err != nil {
			s.logger.Warn("runtime stop failed", "sandbox_id", sandboxID, "error", err)
		}
	}
	s.cleanupWorkspace(sb.WorkspacePath)
	if err := s.store.SetSandboxStatus(ctx, sandboxID, model.SandboxTerminated); err != nil {
		return err
	}

	s.bus.Publish(events.NewEvent(events.EventSandboxTerminated, "sandbox", sandboxID,
		events.SandboxPayload{
			SandboxID: sandboxID,
			TaskID:    sb.TaskID,
			TicketID:  sb.TicketID,
			Type:      string(sb.Type),
		}))
	s.logger.Info("sandbox terminated", "sandbox_id", sandboxID, "task_id", sb.TaskID)
	return nil
}

func (s *Spawner) prepareWorkspace(workspace string) error {
	for _, dir := range planningDirs {
		if err := os.MkdirAll(filepath.Join(workspace, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Spawner) baseEnv(task *model.Task) map[string]string {
	return map[string]string{
		"TASK_ID":           task.ID,
		"TICKET_ID":         task.TicketID,
		"PHASE_ID":          task.PhaseID,
		"PROJECT_ID":        task.ProjectID,
		"EVENT_PUBLISH_URL": s.eventPublishURL,
		"TASK_COMPLETE_URL": s.taskCompleteURL,
	}
}

// hydrate loads the saved transcript for the task's phase into the
// workspace and the env so the runtime resumes instead of starting cold.
func (s *Spawner) hydrate(ctx context.Context, task *model.Task, resume *ResumeHandle, workspace string, env map[string]string) error {
	env["RESUME_SESSION_ID"] = resume.SessionID
	if resume.Fork {
		env["FORK_SESSION"] = "1"
	}

	transcript, err := s.store.GetTranscript(ctx, task.ID, task.PhaseID)
	if err != nil {
		return err
	}
	if transcript == nil {
		return nil
	}
	env["SESSION_TRANSCRIPT_B64"] = transcript.Content

	decoded, err := base64.StdEncoding.DecodeString(transcript.Content)
	if err != nil {
		return conderr.ErrCorruptRecord("session_transcript", task.ID, "transcript is not valid base64")
	}
	path := filepath.Join(workspace, ".planning", "session_transcripts", transcript.SessionID+".jsonl")
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func (s *Spawner) cleanupWorkspace(workspace string) {
	if workspace == "" {
		return
	}
	if err := s.repo.RemoveWorktree(workspace); err != nil {
		s.logger.Warn("worktree cleanup failed", "path", workspace, "error", err)
	}
}
