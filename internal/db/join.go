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

// CreateJoin registers a join with its source set in one transaction.
// RequiredCount defaults to all sources (wait-for-all).
func (d *DB) CreateJoin(ctx context.Context, j *model.Join) error {
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = model.JoinWaiting
	}
	if j.RequiredCount <= 0 || j.RequiredCount > len(j.SourceTaskIDs) {
		j.RequiredCount = len(j.SourceTaskIDs)
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, d.rebind(`
		INSERT INTO joins (id, ticket_id, continuation_task_id, merge_strategy, required_count, deadline, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.TicketID, j.ContinuationID, j.MergeStrategy, j.RequiredCount,
		encodeTimePtr(j.Deadline), string(j.Status),
		encodeTime(j.CreatedAt), encodeTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert join %s: %w", j.ID, err)
	}

	for _, src := range j.SourceTaskIDs {
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO join_sources (join_id, task_id, arrived) VALUES (?, ?, 0)`),
			j.ID, src); err != nil {
			return fmt.Errorf("insert join source %s/%s: %w", j.ID, src, err)
		}
	}
	return tx.Commit()
}

// GetJoin loads a join with its source and arrival sets.
func (d *DB) GetJoin(ctx context.Context, id string) (*model.Join, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT id, ticket_id, continuation_task_id, merge_strategy, required_count, deadline, status, created_at, updated_at
		FROM joins WHERE id = ?`), id)
	j, err := scanJoin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conderr.ErrJoinNotFound(id)
		}
		return nil, err
	}
	if err := d.loadJoinSources(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// JoinsForSource returns the waiting joins that list the task as a source.
func (d *DB) JoinsForSource(ctx context.Context, taskID string) ([]*model.Join, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT j.id, j.ticket_id, j.continuation_task_id, j.merge_strategy, j.required_count, j.deadline, j.status, j.created_at, j.updated_at
		FROM joins j
		JOIN join_sources s ON s.join_id = j.id
		WHERE s.task_id = ? AND j.status = 'waiting'
		ORDER BY j.created_at`), taskID)
	if err != nil {
		return nil, fmt.Errorf("joins for source %s: %w", taskID, err)
	}
	var joins []*model.Join
	for rows.Next() {
		j, err := scanJoin(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		joins = append(joins, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, j := range joins {
		if err := d.loadJoinSources(ctx, j); err != nil {
			return nil, err
		}
	}
	return joins, nil
}

// JoinForContinuation returns the join whose continuation is the given task,
// or nil when the task is not a continuation.
func (d *DB) JoinForContinuation(ctx context.Context, taskID string) (*model.Join, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT id, ticket_id, continuation_task_id, merge_strategy, required_count, deadline, status, created_at, updated_at
		FROM joins WHERE continuation_task_id = ? ORDER BY created_at DESC LIMIT 1`), taskID)
	j, err := scanJoin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := d.loadJoinSources(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// MarkArrived records a source task's arrival at a join and returns the
// updated arrival count. Re-arrivals are idempotent.
func (d *DB) MarkArrived(ctx context.Context, joinID, taskID string) (int, error) {
	_, err := d.Exec(ctx, d.rebind(`
		UPDATE join_sources SET arrived = 1 WHERE join_id = ? AND task_id = ?`),
		joinID, taskID)
	if err != nil {
		return 0, fmt.Errorf("mark arrival %s/%s: %w", joinID, taskID, err)
	}
	var arrived int
	err = d.QueryRow(ctx, d.rebind(`
		SELECT COUNT(*) FROM join_sources WHERE join_id = ? AND arrived = 1`),
		joinID).Scan(&arrived)
	if err != nil {
		return 0, fmt.Errorf("count arrivals for %s: %w", joinID, err)
	}
	return arrived, nil
}

// SetJoinStatus moves a join between lifecycle states, guarded by the
// expected current status so concurrent arrival handlers fire the
// continuation exactly once.
func (d *DB) SetJoinStatus(ctx context.Context, joinID string, from, to model.JoinStatus) error {
	res, err := d.Exec(ctx, d.rebind(`
		UPDATE joins SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), encodeTime(time.Now()), joinID, string(from))
	if err != nil {
		return fmt.Errorf("set join %s status: %w", joinID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conderr.ErrClaimLost(joinID)
	}
	return nil
}

// ExpiredJoins returns waiting joins whose deadline has passed.
func (d *DB) ExpiredJoins(ctx context.Context, now time.Time) ([]*model.Join, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT id, ticket_id, continuation_task_id, merge_strategy, required_count, deadline, status, created_at, updated_at
		FROM joins WHERE status = 'waiting' AND deadline IS NOT NULL AND deadline <= ?
		ORDER BY created_at`), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("expired joins: %w", err)
	}
	var joins []*model.Join
	for rows.Next() {
		j, err := scanJoin(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		joins = append(joins, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, j := range joins {
		if err := d.loadJoinSources(ctx, j); err != nil {
			return nil, err
		}
	}
	return joins, nil
}

func (d *DB) loadJoinSources(ctx context.Context, j *model.Join) error {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT task_id, arrived FROM join_sources WHERE join_id = ? ORDER BY task_id`), j.ID)
	if err != nil {
		return fmt.Errorf("load join sources for %s: %w", j.ID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var taskID string
		var arrived int
		if err := rows.Scan(&taskID, &arrived); err != nil {
			return err
		}
		j.SourceTaskIDs = append(j.SourceTaskIDs, taskID)
		if arrived != 0 {
			j.Arrived = append(j.Arrived, taskID)
		}
	}
	return rows.Err()
}

func scanJoin(row rowScanner) (*model.Join, error) {
	var j model.Join
	var status, createdAt, updatedAt string
	var deadline sql.NullString
	err := row.Scan(&j.ID, &j.TicketID, &j.ContinuationID, &j.MergeStrategy,
		&j.RequiredCount, &deadline, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JoinStatus(status)
	j.Deadline = decodeTimePtr(deadline)
	j.CreatedAt = decodeTime(createdAt)
	j.UpdatedAt = decodeTime(updatedAt)
	return &j, nil
}
