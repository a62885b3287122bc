// Package phase holds the workflow configuration (registry) and the ticket
// phase state machine: gate evaluation, transitions, approvals and history.
package phase

import (
	"context"
	"fmt"
	"sync"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

// Registry is a read-mostly cache of phase definitions keyed by project.
// Edits take effect for future transitions; in-flight evaluations keep the
// definition they loaded.
type Registry struct {
	store *db.DB

	mu    sync.RWMutex
	cache map[string]map[string]*model.Phase
}

// NewRegistry creates a phase registry over the store.
func NewRegistry(store *db.DB) *Registry {
	return &Registry{
		store: store,
		cache: make(map[string]map[string]*model.Phase),
	}
}

// DefaultPhases returns the built-in workflow: spec → design →
// implementation → testing → review → done.
func DefaultPhases(projectID string) []*model.Phase {
	return []*model.Phase{
		{
			ProjectID: projectID, ID: "spec", Name: "Specification", Sequence: 1,
			DoneDefinitions: []string{"requirements documented"},
			ExpectedOutputs: []string{".planning/requirements/**"},
			AllowedNext:     []string{"design"},
			MaxRetries:      3, RetryStrategy: model.RetryBackoff,
		},
		{
			ProjectID: projectID, ID: "design", Name: "Design", Sequence: 2,
			DoneDefinitions: []string{"design reviewed"},
			ExpectedOutputs: []string{".planning/designs/**"},
			AllowedNext:     []string{"implementation"},
			MaxRetries:      3, RetryStrategy: model.RetryBackoff,
		},
		{
			ProjectID: projectID, ID: "implementation", Name: "Implementation", Sequence: 3,
			DoneDefinitions: []string{"all tasks completed"},
			AllowedNext:     []string{"testing"},
			MaxRetries:      3, RetryStrategy: model.RetryBackoff,
		},
		{
			ProjectID: projectID, ID: "testing", Name: "Testing", Sequence: 4,
			DoneDefinitions: []string{"test suite passes"},
			AllowedNext:     []string{"review", "implementation"},
			MaxRetries:      3, RetryStrategy: model.RetryBackoff,
		},
		{
			ProjectID: projectID, ID: "review", Name: "Review", Sequence: 5,
			DoneDefinitions:  []string{"pull request approved"},
			AllowedNext:      []string{"done", "implementation"},
			RequiresApproval: true,
			MaxRetries:       3, RetryStrategy: model.RetryBackoff,
		},
		{
			ProjectID: projectID, ID: "done", Name: "Done", Sequence: 6,
			Terminal: true, RetryStrategy: model.RetryNone,
		},
	}
}

// LoadDefaults registers the built-in workflow for a project. Existing
// same-id phases are overwritten; extra custom phases are untouched.
func (r *Registry) LoadDefaults(ctx context.Context, projectID string) error {
	for _, p := range DefaultPhases(projectID) {
		if err := r.Register(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Register validates and stores one phase definition, overlaying any
// existing definition with the same id.
func (r *Registry) Register(ctx context.Context, p *model.Phase) error {
	if p.ID == "" || p.ProjectID == "" {
		return fmt.Errorf("phase requires project id and id")
	}
	if p.Terminal && len(p.AllowedNext) > 0 {
		return fmt.Errorf("terminal phase %s must have no allowed transitions", p.ID)
	}
	if err := r.store.SavePhase(ctx, p); err != nil {
		return err
	}
	r.Invalidate(p.ProjectID)
	return nil
}

// Get returns one phase definition, reading through the cache.
func (r *Registry) Get(ctx context.Context, projectID, phaseID string) (*model.Phase, error) {
	r.mu.RLock()
	if phases, ok := r.cache[projectID]; ok {
		if p, ok := phases[phaseID]; ok {
			r.mu.RUnlock()
			return p, nil
		}
	}
	r.mu.RUnlock()

	if err := r.fill(ctx, projectID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[projectID][phaseID]
	if !ok {
		return nil, conderr.ErrPhaseUnknown(projectID, phaseID)
	}
	return p, nil
}

// List returns a project's phases in sequence order.
func (r *Registry) List(ctx context.Context, projectID string) ([]*model.Phase, error) {
	return r.store.ListPhases(ctx, projectID)
}

// Invalidate drops a project's cached definitions.
func (r *Registry) Invalidate(projectID string) {
	r.mu.Lock()
	delete(r.cache, projectID)
	r.mu.Unlock()
}

func (r *Registry) fill(ctx context.Context, projectID string) error {
	phases, err := r.store.ListPhases(ctx, projectID)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Phase, len(phases))
	for _, p := range phases {
		byID[p.ID] = p
	}
	r.mu.Lock()
	r.cache[projectID] = byID
	r.mu.Unlock()
	return nil
}
