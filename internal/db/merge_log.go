package db

import (
	"context"
	"fmt"
	"time"
)

// MergeAttempt is one row in the append-only convergence log: a single try
// at merging a source branch into a continuation's merge workspace.
type MergeAttempt struct {
	ID             int64
	ContinuationID string
	SourceTaskID   string
	Branch         string
	Attempt        int
	Resolved       bool
	Detail         string
	CreatedAt      time.Time
}

// LogMergeAttempt appends a convergence attempt record.
func (d *DB) LogMergeAttempt(ctx context.Context, a *MergeAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO merge_attempts (continuation_task_id, source_task_id, branch, attempt, resolved, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ContinuationID, a.SourceTaskID, a.Branch, a.Attempt,
		boolToInt(a.Resolved), a.Detail, encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("log merge attempt for %s: %w", a.ContinuationID, err)
	}
	return nil
}

// MergeAttemptsFor returns a continuation's convergence history in order.
func (d *DB) MergeAttemptsFor(ctx context.Context, continuationID string) ([]*MergeAttempt, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT id, continuation_task_id, source_task_id, branch, attempt, resolved, detail, created_at
		FROM merge_attempts WHERE continuation_task_id = ? ORDER BY id`), continuationID)
	if err != nil {
		return nil, fmt.Errorf("merge attempts for %s: %w", continuationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergeAttempt
	for rows.Next() {
		var a MergeAttempt
		var resolved int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ContinuationID, &a.SourceTaskID, &a.Branch,
			&a.Attempt, &resolved, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		a.Resolved = resolved != 0
		a.CreatedAt = decodeTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
