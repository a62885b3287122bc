package phase

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conductor-sh/conductor/internal/model"
)

// GateResult is the outcome of evaluating a phase gate: which
// done-definitions and artifact patterns are satisfied and which are not.
type GateResult struct {
	Satisfied []string
	Failing   []string
}

// Passed reports whether every criterion held.
func (g *GateResult) Passed() bool {
	return len(g.Failing) == 0
}

// evaluateGate checks the current phase's done-definitions against attached
// evidence and its expected-output patterns against the workspace tree.
//
// Done-definitions are opaque strings: a definition is satisfied when an
// evidence record with satisfied=true is attached for it. Output patterns
// are doublestar globs; a leading "?" marks a pattern as optional.
func evaluateGate(p *model.Phase, evidence map[string]*model.Evidence, workspace fs.FS) *GateResult {
	result := &GateResult{}

	for _, def := range p.DoneDefinitions {
		if e, ok := evidence[def]; ok && e.Satisfied {
			result.Satisfied = append(result.Satisfied, def)
		} else {
			result.Failing = append(result.Failing, fmt.Sprintf("unsatisfied: %s", def))
		}
	}

	for _, pattern := range p.ExpectedOutputs {
		required := true
		if trimmed, ok := strings.CutPrefix(pattern, "?"); ok {
			pattern = trimmed
			required = false
		}
		if workspace == nil {
			if required {
				result.Failing = append(result.Failing, fmt.Sprintf("no workspace to check artifact %s", pattern))
			}
			continue
		}
		matches, err := doublestar.Glob(workspace, pattern)
		switch {
		case err != nil:
			result.Failing = append(result.Failing, fmt.Sprintf("bad artifact pattern %s: %v", pattern, err))
		case len(matches) == 0 && required:
			result.Failing = append(result.Failing, fmt.Sprintf("missing artifact: %s", pattern))
		default:
			result.Satisfied = append(result.Satisfied, fmt.Sprintf("artifact: %s", pattern))
		}
	}
	return result
}

// WorkspaceResolver maps a ticket to the filesystem its artifacts are
// checked against. The default resolver roots at the project's repository.
type WorkspaceResolver func(ctx context.Context, ticket *model.Ticket) (fs.FS, error)
