package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

const sandboxColumns = `id, task_id, ticket_id, workspace_path, branch,
	base_branch, type, parent_id, status, session_id, created_at, updated_at`

// SaveSandbox inserts or updates a sandbox record.
func (d *DB) SaveSandbox(ctx context.Context, s *model.Sandbox) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO sandboxes (id, task_id, ticket_id, workspace_path, branch, base_branch, type, parent_id, status, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_path = excluded.workspace_path,
			branch = excluded.branch,
			base_branch = excluded.base_branch,
			status = excluded.status,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`),
		s.ID, s.TaskID, s.TicketID, s.WorkspacePath, s.Branch, s.BaseBranch,
		string(s.Type), s.ParentID, string(s.Status), s.SessionID,
		encodeTime(s.CreatedAt), encodeTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", s.ID, err)
	}
	return nil
}

// GetSandbox loads a sandbox by id.
func (d *DB) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	row := d.QueryRow(ctx, d.rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`), id)
	s, err := scanSandbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderr.ErrSandboxNotFound(id)
		}
		return nil, err
	}
	return s, nil
}

// SandboxForTask returns the most recent sandbox for a task, or nil.
func (d *DB) SandboxForTask(ctx context.Context, taskID string) (*model.Sandbox, error) {
	row := d.QueryRow(ctx, d.rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes
		WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`), taskID)
	s, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetSandboxStatus moves a sandbox between lifecycle states.
func (d *DB) SetSandboxStatus(ctx context.Context, id string, status model.SandboxStatus) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE sandboxes SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set sandbox %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrSandboxNotFound(id)
	}
	return nil
}

// ListSandboxesByStatus returns sandboxes in the given state, used by the
// guardian and by orphan recovery at startup.
func (d *DB) ListSandboxesByStatus(ctx context.Context, status model.SandboxStatus) ([]*model.Sandbox, error) {
	rows, err := d.Query(ctx, d.rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE status = ? ORDER BY created_at`),
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Sandbox
	for rows.Next() {
		s, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSandbox(row rowScanner) (*model.Sandbox, error) {
	var s model.Sandbox
	var sandboxType, status, createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.TaskID, &s.TicketID, &s.WorkspacePath, &s.Branch,
		&s.BaseBranch, &sandboxType, &s.ParentID, &status, &s.SessionID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Type = model.SandboxType(sandboxType)
	s.Status = model.SandboxStatus(status)
	s.CreatedAt = decodeTime(createdAt)
	s.UpdatedAt = decodeTime(updatedAt)
	return &s, nil
}
