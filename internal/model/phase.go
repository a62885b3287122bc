package model

// RetryStrategy selects how a phase's failed tasks are retried.
type RetryStrategy string

const (
	RetryBackoff   RetryStrategy = "backoff"
	RetryImmediate RetryStrategy = "immediate"
	RetryNone      RetryStrategy = "none"
)

// Phase is one stage in a project's workflow. Phases are configuration, not
// runtime state: a ticket's position in the workflow lives on the ticket.
type Phase struct {
	ProjectID        string        `json:"project_id"`
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Sequence         int           `json:"sequence"`
	DoneDefinitions  []string      `json:"done_definitions,omitempty"`
	ExpectedOutputs  []string      `json:"expected_outputs,omitempty"`
	Prompt           string        `json:"prompt,omitempty"`
	AllowedNext      []string      `json:"allowed_next,omitempty"`
	Terminal         bool          `json:"terminal"`
	TimeoutSeconds   int           `json:"timeout_seconds,omitempty"`
	MaxRetries       int           `json:"max_retries"`
	RetryStrategy    RetryStrategy `json:"retry_strategy"`
	WIPLimit         int           `json:"wip_limit,omitempty"`
	RequiresApproval bool          `json:"requires_approval"`
}

// AllowsNext reports whether the phase permits a forward transition to the
// given phase id.
func (p *Phase) AllowsNext(phaseID string) bool {
	for _, next := range p.AllowedNext {
		if next == phaseID {
			return true
		}
	}
	return false
}
