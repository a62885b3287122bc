package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/model"
)

// SaveProject inserts or updates a project.
func (d *DB) SaveProject(ctx context.Context, p *model.Project) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO projects (id, name, repo_path, default_phase_id, autonomous, max_concurrent, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			repo_path = excluded.repo_path,
			default_phase_id = excluded.default_phase_id,
			autonomous = excluded.autonomous,
			max_concurrent = excluded.max_concurrent,
			archived = excluded.archived,
			updated_at = excluded.updated_at`),
		p.ID, p.Name, p.RepoPath, p.DefaultPhaseID, boolToInt(p.Autonomous),
		p.MaxConcurrent, boolToInt(p.Archived), encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject loads a project by id.
func (d *DB) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT id, name, repo_path, default_phase_id, autonomous, max_concurrent, archived, created_at, updated_at
		FROM projects WHERE id = ?`), id)
	return scanProject(row)
}

// ListProjects returns all non-archived projects.
func (d *DB) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := d.Query(ctx, `
		SELECT id, name, repo_path, default_phase_id, autonomous, max_concurrent, archived, created_at, updated_at
		FROM projects WHERE archived = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetAutonomous toggles a project's autonomous-mode flag.
func (d *DB) SetAutonomous(ctx context.Context, projectID string, on bool) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE projects SET autonomous = ?, updated_at = ? WHERE id = ?`),
		boolToInt(on), encodeTime(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("set autonomous for %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s not found", projectID)
	}
	return nil
}

// ArchiveProject soft-archives a project. Projects are never deleted while
// tickets reference them.
func (d *DB) ArchiveProject(ctx context.Context, projectID string) error {
	_, err := d.Exec(ctx, d.rebind(`
		UPDATE projects SET archived = 1, updated_at = ? WHERE id = ?`),
		encodeTime(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("archive project %s: %w", projectID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var autonomous, archived int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.DefaultPhaseID,
		&autonomous, &p.MaxConcurrent, &archived, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Autonomous = autonomous != 0
	p.Archived = archived != 0
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
