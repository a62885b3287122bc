package api

import (
	"encoding/json"
	"net/http"

	"github.com/conductor-sh/conductor/internal/discovery"
	"github.com/conductor-sh/conductor/internal/model"
)

// RecordDiscoveryRequest is the body of POST /api/v1/discoveries.
type RecordDiscoveryRequest struct {
	SourceTaskID   string   `json:"source_task_id"`
	Kind           string   `json:"kind"`
	Description    string   `json:"description"`
	TargetPhase    string   `json:"target_phase"`
	PriorityBoost  bool     `json:"priority_boost,omitempty"`
	EstimatedFiles []string `json:"estimated_files,omitempty"`
}

// handleRecordDiscovery records an agent finding and branches a follow-up
// task. A duplicate finding inside the dedup window answers 200 with no
// discovery body.
func (s *Server) handleRecordDiscovery(w http.ResponseWriter, r *http.Request) {
	var req RecordDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid discovery body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SourceTaskID == "" || req.Description == "" {
		s.jsonError(w, "source_task_id and description are required", http.StatusBadRequest)
		return
	}
	if !model.DiscoveryKind(req.Kind).Valid() {
		s.jsonError(w, "unknown discovery kind "+req.Kind, http.StatusBadRequest)
		return
	}

	disc, spawned, err := s.discoveries.RecordAndBranch(r.Context(), discovery.Request{
		SourceTaskID:   req.SourceTaskID,
		Kind:           model.DiscoveryKind(req.Kind),
		Description:    req.Description,
		TargetPhase:    req.TargetPhase,
		PriorityBoost:  req.PriorityBoost,
		EstimatedFiles: req.EstimatedFiles,
	})
	if err != nil {
		s.conductorError(w, err)
		return
	}
	if disc == nil {
		s.jsonResponse(w, map[string]any{"duplicate": true})
		return
	}

	s.jsonStatus(w, http.StatusCreated, map[string]any{
		"discovery":       disc,
		"spawned_task_id": spawned.ID,
	})
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	TicketID       string         `json:"ticket_id"`
	PhaseID        string         `json:"phase_id"`
	Description    string         `json:"description"`
	TaskType       string         `json:"task_type,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	EstimatedFiles []string       `json:"estimated_files,omitempty"`
	SynthesisCtx   map[string]any `json:"synthesis_context,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid task body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TicketID == "" || req.Description == "" {
		s.jsonError(w, "ticket_id and description are required", http.StatusBadRequest)
		return
	}

	ticket, err := s.store.GetTicket(r.Context(), req.TicketID)
	if err != nil {
		s.conductorError(w, err)
		return
	}

	priority := model.PriorityMedium
	if req.Priority != "" {
		priority, err = model.ParsePriority(req.Priority)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	phaseID := req.PhaseID
	if phaseID == "" {
		phaseID = ticket.CurrentPhase
	}

	task := &model.Task{
		ID:             model.NewTaskID(),
		TicketID:       ticket.ID,
		ProjectID:      ticket.ProjectID,
		PhaseID:        phaseID,
		Description:    req.Description,
		TaskType:       req.TaskType,
		Priority:       priority,
		Dependencies:   req.Dependencies,
		EstimatedFiles: req.EstimatedFiles,
		SynthesisCtx:   req.SynthesisCtx,
	}
	if err := s.queue.Enqueue(r.Context(), task); err != nil {
		s.conductorError(w, err)
		return
	}

	s.jsonStatus(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	ticketID := r.URL.Query().Get("ticket_id")
	status := r.URL.Query().Get("status")

	switch {
	case ticketID != "":
		tasks, err := s.store.ListTasksByTicket(r.Context(), ticketID)
		if err != nil {
			s.conductorError(w, err)
			return
		}
		s.jsonResponse(w, map[string]any{"tasks": tasks})
	case projectID != "" && status != "":
		tasks, err := s.store.ListTasksByStatus(r.Context(), projectID, model.TaskStatus(status))
		if err != nil {
			s.conductorError(w, err)
			return
		}
		s.jsonResponse(w, map[string]any{"tasks": tasks})
	case projectID != "":
		tasks, err := s.store.ListInFlight(r.Context(), projectID)
		if err != nil {
			s.conductorError(w, err)
			return
		}
		s.jsonResponse(w, map[string]any{"tasks": tasks})
	default:
		s.jsonError(w, "ticket_id or project_id is required", http.StatusBadRequest)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conductorError(w, err)
		return
	}
	s.jsonResponse(w, task)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conductorError(w, err)
		return
	}
	phaseID := r.URL.Query().Get("phase_id")
	if phaseID == "" {
		phaseID = task.PhaseID
	}
	transcript, err := s.store.GetTranscript(r.Context(), task.ID, phaseID)
	if err != nil {
		s.conductorError(w, err)
		return
	}
	if transcript == nil {
		s.jsonError(w, "no transcript recorded", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]any{
		"task_id":    transcript.TaskID,
		"phase_id":   transcript.PhaseID,
		"session_id": transcript.SessionID,
		"content":    transcript.Content,
		"updated_at": transcript.UpdatedAt,
	})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conductorError(w, err)
		return
	}
	tasks, err := s.store.ListTasksByTicket(r.Context(), ticket.ID)
	if err != nil {
		s.conductorError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"ticket": ticket,
		"tasks":  tasks,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.PhaseHistoryFor(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conductorError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"history": history})
}

func (s *Server) handleGetJoin(w http.ResponseWriter, r *http.Request) {
	join, err := s.store.GetJoin(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conductorError(w, err)
		return
	}
	s.jsonResponse(w, join)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.conductorError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"projects": projects})
}
