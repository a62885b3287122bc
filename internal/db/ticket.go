package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

// CreateTicket inserts a new ticket with version 1 and its blocked-by set.
// Blocked-by cycles across tickets are rejected.
func (d *DB) CreateTicket(ctx context.Context, t *model.Ticket) error {
	if err := t.ValidateBlockedBy(); err != nil {
		return err
	}
	if err := d.checkBlockerCycle(ctx, t.ID, t.BlockedBy); err != nil {
		return err
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	if t.Status == "" {
		t.Status = model.TicketBacklog
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}

	synthesis, err := encodeJSONMap(t.SynthesisContext)
	if err != nil {
		return fmt.Errorf("encode synthesis context: %w", err)
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, d.rebind(`
		INSERT INTO tickets (id, project_id, title, description, current_phase, status, priority, spec_id, synthesis_context, version, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ProjectID, t.Title, t.Description, t.CurrentPhase, string(t.Status),
		string(t.Priority), t.SpecID, synthesis, t.Version, t.LastError,
		encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", t.ID, err)
	}

	for _, blocker := range t.BlockedBy {
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO ticket_blockers (ticket_id, blocked_by) VALUES (?, ?)`),
			t.ID, blocker); err != nil {
			return fmt.Errorf("insert blocker %s for %s: %w", blocker, t.ID, err)
		}
	}
	return tx.Commit()
}

// GetTicket loads a ticket with its blocked-by set.
func (d *DB) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT id, project_id, title, description, current_phase, status, priority, spec_id, synthesis_context, version, last_error, created_at, updated_at
		FROM tickets WHERE id = ?`), id)

	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderr.ErrTicketNotFound(id)
		}
		return nil, err
	}

	rows, err := d.Query(ctx, d.rebind(`
		SELECT blocked_by FROM ticket_blockers WHERE ticket_id = ? ORDER BY blocked_by`), id)
	if err != nil {
		return nil, fmt.Errorf("load blockers for %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		t.BlockedBy = append(t.BlockedBy, b)
	}
	return t, rows.Err()
}

// UpdateTicket writes ticket fields guarded by the optimistic version.
// On version mismatch it returns a VERSION_EXPIRED error; the caller
// reloads and re-applies or aborts. The in-memory version is bumped on
// success.
func (d *DB) UpdateTicket(ctx context.Context, t *model.Ticket) error {
	synthesis, err := encodeJSONMap(t.SynthesisContext)
	if err != nil {
		return fmt.Errorf("encode synthesis context: %w", err)
	}

	res, err := d.Exec(ctx, d.rebind(`
		UPDATE tickets
		SET title = ?, description = ?, current_phase = ?, status = ?, priority = ?,
		    spec_id = ?, synthesis_context = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		t.Title, t.Description, t.CurrentPhase, string(t.Status), string(t.Priority),
		t.SpecID, synthesis, t.LastError, encodeTime(time.Now()),
		t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	if n == 0 {
		return conderr.ErrVersionExpired(t.ID, t.Version)
	}
	t.Version++
	return nil
}

// ListTicketsByPhase returns tickets of a project in the given phase.
func (d *DB) ListTicketsByPhase(ctx context.Context, projectID, phaseID string) ([]*model.Ticket, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT id, project_id, title, description, current_phase, status, priority, spec_id, synthesis_context, version, last_error, created_at, updated_at
		FROM tickets WHERE project_id = ? AND current_phase = ? ORDER BY created_at`),
		projectID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list tickets by phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// checkBlockerCycle walks the existing blocked-by graph to reject a new
// ticket whose blockers would close a cycle back to it.
func (d *DB) checkBlockerCycle(ctx context.Context, ticketID string, blockedBy []string) error {
	if len(blockedBy) == 0 {
		return nil
	}

	rows, err := d.Query(ctx, `SELECT ticket_id, blocked_by FROM ticket_blockers`)
	if err != nil {
		return fmt.Errorf("load blocker graph: %w", err)
	}
	defer func() { _ = rows.Close() }()

	graph := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return err
		}
		graph[from] = append(graph[from], to)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	graph[ticketID] = blockedBy

	if model.ValidateDAG(graph) != nil {
		return fmt.Errorf("ticket %s: blocked_by forms a cycle", ticketID)
	}
	return nil
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var t model.Ticket
	var status, priority, synthesis, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.CurrentPhase,
		&status, &priority, &t.SpecID, &synthesis, &t.Version, &t.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TicketStatus(status)
	t.Priority = model.Priority(priority)
	t.SynthesisContext = decodeJSONMap(synthesis)
	t.CreatedAt = decodeTime(createdAt)
	t.UpdatedAt = decodeTime(updatedAt)
	return &t, nil
}

func encodeJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func encodeJSONList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeJSONList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil
	}
	return items
}
