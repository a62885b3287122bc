package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

const phaseColumns = `project_id, id, name, sequence, done_definitions,
	expected_outputs, prompt, allowed_next, terminal, timeout_seconds,
	max_retries, retry_strategy, wip_limit, requires_approval`

// SavePhase inserts or updates a phase definition for a project.
func (d *DB) SavePhase(ctx context.Context, p *model.Phase) error {
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO phases (project_id, id, name, sequence, done_definitions, expected_outputs, prompt, allowed_next, terminal, timeout_seconds, max_retries, retry_strategy, wip_limit, requires_approval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, id) DO UPDATE SET
			name = excluded.name,
			sequence = excluded.sequence,
			done_definitions = excluded.done_definitions,
			expected_outputs = excluded.expected_outputs,
			prompt = excluded.prompt,
			allowed_next = excluded.allowed_next,
			terminal = excluded.terminal,
			timeout_seconds = excluded.timeout_seconds,
			max_retries = excluded.max_retries,
			retry_strategy = excluded.retry_strategy,
			wip_limit = excluded.wip_limit,
			requires_approval = excluded.requires_approval`),
		p.ProjectID, p.ID, p.Name, p.Sequence,
		encodeJSONList(p.DoneDefinitions), encodeJSONList(p.ExpectedOutputs),
		p.Prompt, encodeJSONList(p.AllowedNext), boolToInt(p.Terminal),
		p.TimeoutSeconds, p.MaxRetries, string(p.RetryStrategy),
		p.WIPLimit, boolToInt(p.RequiresApproval))
	if err != nil {
		return fmt.Errorf("save phase %s/%s: %w", p.ProjectID, p.ID, err)
	}
	return nil
}

// GetPhase loads one phase definition.
func (d *DB) GetPhase(ctx context.Context, projectID, phaseID string) (*model.Phase, error) {
	row := d.QueryRow(ctx, d.rebind(
		`SELECT `+phaseColumns+` FROM phases WHERE project_id = ? AND id = ?`),
		projectID, phaseID)
	p, err := scanPhase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderr.ErrPhaseUnknown(projectID, phaseID)
		}
		return nil, err
	}
	return p, nil
}

// ListPhases returns a project's phases in sequence order.
func (d *DB) ListPhases(ctx context.Context, projectID string) ([]*model.Phase, error) {
	rows, err := d.Query(ctx, d.rebind(
		`SELECT `+phaseColumns+` FROM phases WHERE project_id = ? ORDER BY sequence`),
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var phases []*model.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// DeletePhases removes every phase of a project, ahead of re-registering a
// replacement workflow.
func (d *DB) DeletePhases(ctx context.Context, projectID string) error {
	_, err := d.Exec(ctx, d.rebind(`DELETE FROM phases WHERE project_id = ?`), projectID)
	if err != nil {
		return fmt.Errorf("delete phases for %s: %w", projectID, err)
	}
	return nil
}

func scanPhase(row rowScanner) (*model.Phase, error) {
	var p model.Phase
	var done, outputs, next, strategy string
	var terminal, approval int
	err := row.Scan(&p.ProjectID, &p.ID, &p.Name, &p.Sequence, &done, &outputs,
		&p.Prompt, &next, &terminal, &p.TimeoutSeconds, &p.MaxRetries,
		&strategy, &p.WIPLimit, &approval)
	if err != nil {
		return nil, err
	}
	p.DoneDefinitions = decodeJSONList(done)
	p.ExpectedOutputs = decodeJSONList(outputs)
	p.AllowedNext = decodeJSONList(next)
	p.Terminal = terminal != 0
	p.RequiresApproval = approval != 0
	p.RetryStrategy = model.RetryStrategy(strategy)
	return &p, nil
}
