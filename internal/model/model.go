// Package model defines the persistent domain entities of the conductor core:
// projects, tickets, tasks, phases, discoveries, resource locks, joins and
// sandboxes, together with their status machines and invariant checks.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks and tickets for scheduling.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank returns a sortable rank; lower ranks schedule first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Boost raises the priority one level. CRITICAL is unchanged.
func (p Priority) Boost() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority parses a priority string, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(s))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// NewTaskID returns a new human-readable task id.
func NewTaskID() string {
	return "TASK-" + shortID()
}

// NewTicketID returns a new human-readable ticket id.
func NewTicketID() string {
	return "TICK-" + shortID()
}

// NewID returns a new opaque entity id.
func NewID() string {
	return uuid.NewString()
}

// shortID returns the first uuid group, uppercased. Collisions are guarded
// by primary-key constraints at insert time.
func shortID() string {
	return strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// Timestamps carries created/updated times shared by several entities.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project is the organizational root for tickets, tasks and phases.
type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	RepoPath       string `json:"repo_path"`
	DefaultPhaseID string `json:"default_phase_id"`
	Autonomous     bool   `json:"autonomous"`
	MaxConcurrent  int    `json:"max_concurrent"`
	Archived       bool   `json:"archived"`
	Timestamps
}

// TicketStatus is the board status of a ticket.
type TicketStatus string

const (
	TicketBacklog TicketStatus = "backlog"
	TicketActive  TicketStatus = "active"
	TicketBlocked TicketStatus = "blocked"
	TicketDone    TicketStatus = "done"
)

// Ticket is a user-visible unit of work on the board.
//
// Version implements optimistic concurrency: every write is guarded by
// `WHERE id=? AND version=?` and increments the version.
type Ticket struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	CurrentPhase     string         `json:"current_phase"`
	Status           TicketStatus   `json:"status"`
	Priority         Priority       `json:"priority"`
	BlockedBy        []string       `json:"blocked_by,omitempty"`
	SpecID           string         `json:"spec_id,omitempty"`
	SynthesisContext map[string]any `json:"synthesis_context,omitempty"`
	Version          int64          `json:"version"`
	LastError        string         `json:"last_error,omitempty"`
	Timestamps
}

// ValidateBlockedBy rejects self-references in the blocked-by set. Cycle
// detection across tickets happens in the store, where the full set is known.
func (t *Ticket) ValidateBlockedBy() error {
	for _, id := range t.BlockedBy {
		if id == t.ID {
			return fmt.Errorf("ticket %s cannot block itself", t.ID)
		}
	}
	return nil
}

// TaskStatus is the scheduler-visible status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskBlocked   TaskStatus = "blocked"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskTransitions is the allowed status graph:
// pending→assigned→running→{completed|failed|cancelled}, one retry loop
// failed→pending, and blocked as a holding state entered from any
// non-terminal status (merge-conflict or orchestrator deferral).
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskAssigned, TaskCancelled, TaskBlocked},
	TaskAssigned:  {TaskRunning, TaskCancelled, TaskFailed, TaskBlocked},
	TaskRunning:   {TaskCompleted, TaskFailed, TaskCancelled, TaskBlocked},
	TaskFailed:    {TaskPending},
	TaskBlocked:   {TaskPending, TaskCancelled},
	TaskCompleted: {},
	TaskCancelled: {},
}

// CanTransition reports whether from→to is an allowed status transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the smallest unit the orchestrator schedules.
type Task struct {
	ID             string         `json:"id"`
	TicketID       string         `json:"ticket_id"`
	ProjectID      string         `json:"project_id"`
	PhaseID        string         `json:"phase_id"`
	Description    string         `json:"description"`
	TaskType       string         `json:"task_type,omitempty"`
	Status         TaskStatus     `json:"status"`
	Priority       Priority       `json:"priority"`
	SandboxID      string         `json:"sandbox_id,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	EstimatedFiles []string       `json:"estimated_files,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	SynthesisCtx   map[string]any `json:"synthesis_context,omitempty"`
	RetryCount     int            `json:"retry_count"`
	LastError      string         `json:"last_error,omitempty"`
	ReadyToRun     bool           `json:"ready_to_run"` // manual-mode user approval
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	Timestamps
}

// Eligible reports the local part of eligibility: pending, unassigned.
// Dependency completion is evaluated by the queue against the store.
func (t *Task) Eligible() bool {
	return t.Status == TaskPending && t.SandboxID == ""
}

// BranchName returns the task's git branch: task/<id>.
func (t *Task) BranchName() string {
	return TaskBranchName(t.ID)
}

// TaskBranchName returns a task's git branch: task/<id>.
func TaskBranchName(taskID string) string {
	return "task/" + taskID
}

// TicketBranchName returns a ticket's git branch: ticket/<id>.
func TicketBranchName(ticketID string) string {
	return "ticket/" + ticketID
}

// Evidence is an attached record asserting that a done-definition holds.
type Evidence struct {
	Definition  string `json:"definition"`
	Satisfied   bool   `json:"satisfied"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// TransitionReason classifies a phase transition.
type TransitionReason string

const (
	ReasonNormal    TransitionReason = "normal"
	ReasonDiscovery TransitionReason = "discovery"
	ReasonManual    TransitionReason = "manual"
	ReasonRejection TransitionReason = "rejection"
)

// PhaseHistory is an append-only record of a ticket's phase transitions.
type PhaseHistory struct {
	ID        int64            `json:"id"`
	TicketID  string           `json:"ticket_id"`
	FromPhase string           `json:"from_phase"`
	ToPhase   string           `json:"to_phase"`
	Reason    TransitionReason `json:"reason"`
	ActorID   string           `json:"actor_id"`
	Artifacts []string         `json:"artifacts,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// DiscoveryKind classifies an agent-reported finding.
type DiscoveryKind string

const (
	DiscoveryBug           DiscoveryKind = "bug"
	DiscoveryOptimization  DiscoveryKind = "optimization"
	DiscoveryClarification DiscoveryKind = "clarification"
	DiscoveryIntegration   DiscoveryKind = "integration"
	DiscoveryTechDebt      DiscoveryKind = "tech-debt"
	DiscoverySecurity      DiscoveryKind = "security"
	DiscoveryPerformance   DiscoveryKind = "performance"
)

// Valid reports whether k is a known discovery kind.
func (k DiscoveryKind) Valid() bool {
	switch k {
	case DiscoveryBug, DiscoveryOptimization, DiscoveryClarification,
		DiscoveryIntegration, DiscoveryTechDebt, DiscoverySecurity, DiscoveryPerformance:
		return true
	}
	return false
}

// Discovery is an immutable agent-recorded finding that spawned a follow-up.
type Discovery struct {
	ID            string        `json:"id"`
	SourceTaskID  string        `json:"source_task_id"`
	SpawnedTaskID string        `json:"spawned_task_id"`
	Kind          DiscoveryKind `json:"kind"`
	Description   string        `json:"description"`
	TargetPhase   string        `json:"target_phase"`
	PriorityBoost bool          `json:"priority_boost"`
	CreatedAt     time.Time     `json:"created_at"`
}

// LockMode is the sharing mode of a resource lock.
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

// ResourceType identifies what a lock protects.
type ResourceType string

const (
	ResourceFile  ResourceType = "file"
	ResourceNamed ResourceType = "named"
)

// ResourceLock is a lease on a file or named resource.
type ResourceLock struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	TaskID       string       `json:"task_id"`
	AgentID      string       `json:"agent_id"`
	Mode         LockMode     `json:"mode"`
	AcquiredAt   time.Time    `json:"acquired_at"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	ReleasedAt   *time.Time   `json:"released_at,omitempty"`
}

// Active reports whether the lock is live at the given instant.
func (l *ResourceLock) Active(now time.Time) bool {
	if l.ReleasedAt != nil && !l.ReleasedAt.After(now) {
		return false
	}
	if l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
		return false
	}
	return true
}

// JoinStatus tracks a join registration's lifecycle.
type JoinStatus string

const (
	JoinWaiting JoinStatus = "waiting"
	JoinReady   JoinStatus = "ready"
	JoinMerged  JoinStatus = "merged"
	JoinFailed  JoinStatus = "failed"
)

// Join links source tasks to a continuation whose context is synthesized
// from their results. Invariant: SourceTaskIDs ⊆ continuation dependencies.
type Join struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	SourceTaskIDs  []string   `json:"source_task_ids"`
	ContinuationID string     `json:"continuation_task_id"`
	MergeStrategy  string     `json:"merge_strategy"`
	RequiredCount  int        `json:"required_count"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Arrived        []string   `json:"arrived,omitempty"`
	Status         JoinStatus `json:"status"`
	Timestamps
}

// SandboxStatus tracks a sandbox's lifecycle.
type SandboxStatus string

const (
	SandboxStarting   SandboxStatus = "starting"
	SandboxRunning    SandboxStatus = "running"
	SandboxPaused     SandboxStatus = "paused"
	SandboxTerminated SandboxStatus = "terminated"
)

// SandboxType identifies the isolation mechanism.
type SandboxType string

const (
	SandboxLocal     SandboxType = "local"
	SandboxContainer SandboxType = "container"
	SandboxRemote    SandboxType = "remote"
	SandboxMerge     SandboxType = "merge"
)

// Sandbox is an isolated workspace (branch + environment) for one task.
type Sandbox struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	TicketID      string        `json:"ticket_id"`
	WorkspacePath string        `json:"workspace_path"`
	Branch        string        `json:"branch"`
	BaseBranch    string        `json:"base_branch"`
	Type          SandboxType   `json:"type"`
	ParentID      string        `json:"parent_id,omitempty"`
	Status        SandboxStatus `json:"status"`
	SessionID     string        `json:"session_id,omitempty"`
	Timestamps
}
