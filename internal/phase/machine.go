package phase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/model"
)

// pendingApprovalKey marks a suspended transition in the ticket's synthesis
// context so it survives restarts of the writer process.
const pendingApprovalKey = "pending_approval_phase"

// Machine owns ticket phase transitions. Exactly one process in a
// deployment may run a Machine with handlers registered: every other
// process publishes intents (approval events) instead of writing phase
// state. RegisterHandlers enforces nothing across processes; deployment
// wiring does.
type Machine struct {
	store     *db.DB
	registry  *Registry
	bus       events.Bus
	logger    *slog.Logger
	workspace WorkspaceResolver
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithWorkspaceResolver overrides how artifact checks locate a ticket's
// workspace tree.
func WithWorkspaceResolver(r WorkspaceResolver) MachineOption {
	return func(m *Machine) { m.workspace = r }
}

// NewMachine creates the phase state machine.
func NewMachine(store *db.DB, registry *Registry, bus events.Bus, logger *slog.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
	m.workspace = m.projectWorkspace
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandlers subscribes the approval intent handlers. Call this only
// in the single writer process.
func (m *Machine) RegisterHandlers() error {
	if _, err := m.bus.Subscribe(string(events.EventApprovalGranted), m.onApprovalGranted); err != nil {
		return err
	}
	if _, err := m.bus.Subscribe(string(events.EventApprovalDenied), m.onApprovalDenied); err != nil {
		return err
	}
	return nil
}

// EvaluateGate returns the satisfied/failing criteria for the ticket's
// current phase without side effects.
func (m *Machine) EvaluateGate(ctx context.Context, ticketID string) (*GateResult, error) {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	current, err := m.registry.Get(ctx, ticket.ProjectID, ticket.CurrentPhase)
	if err != nil {
		return nil, err
	}
	evidence, err := m.store.EvidenceFor(ctx, ticketID, ticket.CurrentPhase)
	if err != nil {
		return nil, err
	}
	workspace, err := m.workspace(ctx, ticket)
	if err != nil {
		m.logger.Warn("workspace unavailable for gate check",
			"ticket_id", ticketID, "error", err)
		workspace = nil
	}
	return evaluateGate(current, evidence, workspace), nil
}

// Transition moves a ticket to a new phase.
//
// Validation: the target must be registered; normal transitions must be in
// the current phase's allowed set and pass the gate; discovery and manual
// transitions bypass the allowed set, and manual additionally bypasses the
// gate. Transitions into a phase that requires approval suspend: the
// machine publishes phase.approval.requested and completes the move when
// the granted intent arrives.
//
// Re-requesting a transition the ticket has already made is a no-op.
func (m *Machine) Transition(ctx context.Context, ticketID, toPhase string, reason model.TransitionReason, actorID string) error {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.CurrentPhase == toPhase {
		return nil
	}

	target, err := m.registry.Get(ctx, ticket.ProjectID, toPhase)
	if err != nil {
		return err
	}
	current, err := m.registry.Get(ctx, ticket.ProjectID, ticket.CurrentPhase)
	if err != nil {
		return err
	}

	bypassAllowed := reason == model.ReasonDiscovery || reason == model.ReasonManual
	if !bypassAllowed && !current.AllowsNext(toPhase) {
		return conderr.ErrTransitionInvalid(ticketID, ticket.CurrentPhase, toPhase)
	}

	if reason != model.ReasonManual {
		gate, err := m.EvaluateGate(ctx, ticketID)
		if err != nil {
			return err
		}
		if !gate.Passed() {
			m.bus.Publish(events.NewEvent(events.EventGateRejected, "ticket", ticketID,
				events.GateRejectedPayload{TicketID: ticketID, FailingCriteria: gate.Failing}))
			return conderr.ErrGateRejected(ticketID, gate.Failing)
		}
	}

	if target.RequiresApproval && reason != model.ReasonManual {
		return m.suspendForApproval(ctx, ticket, toPhase)
	}
	return m.commit(ctx, ticket, toPhase, reason, actorID)
}

// suspendForApproval records the pending target on the ticket and raises
// the approval request. The granted/denied intent resumes or aborts.
func (m *Machine) suspendForApproval(ctx context.Context, ticket *model.Ticket, toPhase string) error {
	if ticket.SynthesisContext == nil {
		ticket.SynthesisContext = make(map[string]any)
	}
	if pending, ok := ticket.SynthesisContext[pendingApprovalKey].(string); ok && pending == toPhase {
		return nil // already requested
	}
	ticket.SynthesisContext[pendingApprovalKey] = toPhase
	if err := m.store.UpdateTicket(ctx, ticket); err != nil {
		return err
	}
	m.bus.Publish(events.NewEvent(events.EventApprovalRequested, "ticket", ticket.ID,
		events.ApprovalRequestedPayload{TicketID: ticket.ID, ToPhase: toPhase}))
	m.logger.Info("phase transition awaiting approval",
		"ticket_id", ticket.ID, "to_phase", toPhase)
	return nil
}

// commit performs the transition: history first, then the ticket row, then
// the event. History is the source of truth for invariant checks.
func (m *Machine) commit(ctx context.Context, ticket *model.Ticket, toPhase string, reason model.TransitionReason, actorID string) error {
	from := ticket.CurrentPhase
	if err := m.store.AppendPhaseHistory(ctx, &model.PhaseHistory{
		TicketID:  ticket.ID,
		FromPhase: from,
		ToPhase:   toPhase,
		Reason:    reason,
		ActorID:   actorID,
	}); err != nil {
		return err
	}

	ticket.CurrentPhase = toPhase
	delete(ticket.SynthesisContext, pendingApprovalKey)
	if err := m.store.UpdateTicket(ctx, ticket); err != nil {
		return err
	}

	m.bus.Publish(events.NewEvent(events.EventPhaseTransitioned, "ticket", ticket.ID,
		events.PhaseTransitionedPayload{
			TicketID: ticket.ID, From: from, To: toPhase, Reason: string(reason),
		}))
	m.logger.Info("phase transitioned",
		"ticket_id", ticket.ID, "from", from, "to", toPhase, "reason", reason)
	return nil
}

func (m *Machine) onApprovalGranted(e events.Event) {
	ctx := context.Background()
	ticketID := e.Field("ticket_id").String()
	toPhase := e.Field("to_phase").String()
	actor := e.Field("actor").String()

	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		m.logger.Error("approval granted for unknown ticket", "ticket_id", ticketID, "error", err)
		return
	}
	pending, _ := ticket.SynthesisContext[pendingApprovalKey].(string)
	if pending != toPhase {
		m.logger.Warn("approval granted without matching pending transition",
			"ticket_id", ticketID, "to_phase", toPhase, "pending", pending)
		return
	}
	if err := m.commit(ctx, ticket, toPhase, model.ReasonNormal, actor); err != nil {
		m.logger.Error("resume approved transition", "ticket_id", ticketID, "error", err)
	}
}

func (m *Machine) onApprovalDenied(e events.Event) {
	ctx := context.Background()
	ticketID := e.Field("ticket_id").String()
	toPhase := e.Field("to_phase").String()

	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		m.logger.Error("approval denied for unknown ticket", "ticket_id", ticketID, "error", err)
		return
	}
	pending, _ := ticket.SynthesisContext[pendingApprovalKey].(string)
	if pending != toPhase {
		return
	}
	delete(ticket.SynthesisContext, pendingApprovalKey)
	if err := m.store.UpdateTicket(ctx, ticket); err != nil {
		m.logger.Error("clear denied approval", "ticket_id", ticketID, "error", err)
		return
	}
	m.logger.Info("phase transition denied", "ticket_id", ticketID, "to_phase", toPhase)
}

// projectWorkspace roots artifact checks at the project repository.
func (m *Machine) projectWorkspace(ctx context.Context, ticket *model.Ticket) (fs.FS, error) {
	project, err := m.store.GetProject(ctx, ticket.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.RepoPath == "" {
		return nil, fmt.Errorf("project %s has no repository path", project.ID)
	}
	if _, err := os.Stat(project.RepoPath); err != nil {
		return nil, err
	}
	return os.DirFS(project.RepoPath), nil
}
