package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/conductor-sh/conductor/internal/model"
)

// WorkflowFile is the name of the per-project phase workflow definition,
// looked up under the project's .conductor directory.
const WorkflowFile = "phases.yaml"

type workflowDoc struct {
	Phases []phaseDoc `yaml:"phases"`
}

type phaseDoc struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	DoneDefinitions  []string `yaml:"done_definitions"`
	ExpectedOutputs  []string `yaml:"expected_outputs"`
	Prompt           string   `yaml:"prompt"`
	AllowedNext      []string `yaml:"allowed_next"`
	Terminal         bool     `yaml:"terminal"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryStrategy    string   `yaml:"retry_strategy"`
	WIPLimit         int      `yaml:"wip_limit"`
	RequiresApproval bool     `yaml:"requires_approval"`
}

// LoadWorkflow reads a custom phase workflow for projectID from the
// project's .conductor/phases.yaml. A missing file returns (nil, nil) and
// callers fall back to the built-in workflow.
func LoadWorkflow(workDir, projectID string) ([]*model.Phase, error) {
	path := filepath.Join(workDir, ConductorDir, WorkflowFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return ParseWorkflow(raw, projectID)
}

// ParseWorkflow decodes and validates a YAML workflow definition. Sequence
// numbers follow declaration order.
func ParseWorkflow(raw []byte, projectID string) ([]*model.Phase, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("workflow defines no phases")
	}

	ids := make(map[string]bool, len(doc.Phases))
	phases := make([]*model.Phase, 0, len(doc.Phases))
	for i, pd := range doc.Phases {
		if pd.ID == "" {
			return nil, fmt.Errorf("phase %d: missing id", i+1)
		}
		if ids[pd.ID] {
			return nil, fmt.Errorf("phase %q: duplicate id", pd.ID)
		}
		ids[pd.ID] = true
		if pd.Terminal && len(pd.AllowedNext) > 0 {
			return nil, fmt.Errorf("phase %q: terminal phase must have no allowed_next", pd.ID)
		}

		strategy := model.RetryStrategy(pd.RetryStrategy)
		switch strategy {
		case "":
			strategy = model.RetryBackoff
		case model.RetryNone, model.RetryImmediate, model.RetryBackoff:
		default:
			return nil, fmt.Errorf("phase %q: unknown retry_strategy %q", pd.ID, pd.RetryStrategy)
		}

		name := pd.Name
		if name == "" {
			name = pd.ID
		}
		maxRetries := pd.MaxRetries
		if maxRetries == 0 && strategy != model.RetryNone {
			maxRetries = 3
		}

		phases = append(phases, &model.Phase{
			ProjectID:        projectID,
			ID:               pd.ID,
			Name:             name,
			Sequence:         i + 1,
			DoneDefinitions:  pd.DoneDefinitions,
			ExpectedOutputs:  pd.ExpectedOutputs,
			Prompt:           pd.Prompt,
			AllowedNext:      pd.AllowedNext,
			Terminal:         pd.Terminal,
			TimeoutSeconds:   pd.TimeoutSeconds,
			MaxRetries:       maxRetries,
			RetryStrategy:    strategy,
			WIPLimit:         pd.WIPLimit,
			RequiresApproval: pd.RequiresApproval,
		})
	}

	// Every forward edge must land on a declared phase.
	for _, p := range phases {
		for _, next := range p.AllowedNext {
			if !ids[next] {
				return nil, fmt.Errorf("phase %q: allowed_next %q is not defined", p.ID, next)
			}
		}
	}
	return phases, nil
}
