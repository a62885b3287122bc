// Package events provides the conductor event bus: typed envelopes, an
// in-process bus, optional NATS fanout across processes, and durable
// persistence into the event log.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// EventType names a bus channel. Subjects on the wire are `events.<type>`.
type EventType string

const (
	EventTaskCreated    EventType = "task.created"
	EventTaskStarted    EventType = "task.started"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTaskCancelled  EventType = "task.cancelled"
	EventTasksUnblocked EventType = "tasks.unblocked"

	EventPhaseTransitioned EventType = "phase.transitioned"
	EventGateRejected      EventType = "phase.gate.rejected"
	EventApprovalRequested EventType = "phase.approval.requested"
	EventApprovalGranted   EventType = "phase.approval.granted"
	EventApprovalDenied    EventType = "phase.approval.denied"

	EventDiscoveryRecorded  EventType = "discovery.recorded"
	EventSynthesisCompleted EventType = "coordination.synthesis.completed"
	EventSynthesisFailed    EventType = "coordination.synthesis.failed"

	EventMergeSucceeded EventType = "merge.succeeded"
	EventMergeFailed    EventType = "merge.failed"

	EventSandboxSpawned    EventType = "sandbox.spawned"
	EventSandboxTerminated EventType = "sandbox.terminated"

	EventAgentHeartbeat EventType = "agent.heartbeat"
	EventAgentStuck     EventType = "agent.stuck"
	EventSteeringIssued EventType = "steering.issued"
)

// Event is the envelope every channel carries. Payload is one of the typed
// payload structs below for locally-published events, or a generic map for
// events decoded off the wire; consumers that must handle both use Field.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType EventType, entityType, entityID string, payload any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
}

// Field extracts a payload field by gjson path, regardless of whether the
// payload is a typed struct or a decoded map.
func (e Event) Field(path string) gjson.Result {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, path)
}

// --- payload types, one per channel ---

type TaskCreatedPayload struct {
	TaskID       string   `json:"task_id"`
	TicketID     string   `json:"ticket_id"`
	PhaseID      string   `json:"phase_id"`
	Priority     string   `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type TaskStartedPayload struct {
	TaskID    string `json:"task_id"`
	SandboxID string `json:"sandbox_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

type TaskCompletedPayload struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result,omitempty"`
}

type TaskFailedPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type TaskCancelledPayload struct {
	TaskID string `json:"task_id"`
}

type TasksUnblockedPayload struct {
	CompletedTaskID string   `json:"completed_task_id"`
	UnblockedIDs    []string `json:"unblocked_ids"`
}

type PhaseTransitionedPayload struct {
	TicketID string `json:"ticket_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}

type GateRejectedPayload struct {
	TicketID        string   `json:"ticket_id"`
	FailingCriteria []string `json:"failing_criteria"`
}

type ApprovalRequestedPayload struct {
	TicketID string `json:"ticket_id"`
	ToPhase  string `json:"to_phase"`
}

type ApprovalDecidedPayload struct {
	TicketID string `json:"ticket_id"`
	ToPhase  string `json:"to_phase"`
	Actor    string `json:"actor"`
}

type DiscoveryRecordedPayload struct {
	DiscoveryID  string `json:"discovery_id"`
	SourceTaskID string `json:"source_task_id"`
	Kind         string `json:"kind"`
}

type SynthesisCompletedPayload struct {
	ContinuationTaskID string   `json:"continuation_task_id"`
	SourceTaskIDs      []string `json:"source_task_ids"`
	TicketID           string   `json:"ticket_id"`
}

type MergeResultPayload struct {
	ContinuationTaskID string `json:"continuation_task_id"`
	Detail             string `json:"detail,omitempty"`
}

type SandboxPayload struct {
	SandboxID string `json:"sandbox_id"`
	TaskID    string `json:"task_id,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
	Type      string `json:"type"`
}

type AgentHeartbeatPayload struct {
	AgentID   string    `json:"agent_id"`
	SandboxID string    `json:"sandbox_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Capacity  int       `json:"capacity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AgentStuckPayload struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

// SteeringKind classifies a guardian intervention.
type SteeringKind string

const (
	SteeringPrioritize SteeringKind = "prioritize"
	SteeringStop       SteeringKind = "stop"
	SteeringRefocus    SteeringKind = "refocus"
	SteeringConstraint SteeringKind = "constraint"
)

type SteeringIssuedPayload struct {
	AgentID string       `json:"agent_id"`
	Kind    SteeringKind `json:"kind"`
	Message string       `json:"message"`
}
