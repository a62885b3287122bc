package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionTranscript preserves an agent session per task and phase so a
// resumed task can rehydrate its conversation instead of starting cold.
type SessionTranscript struct {
	TaskID    string
	PhaseID   string
	SessionID string
	Content   string
	UpdatedAt time.Time
}

// SaveTranscript inserts or replaces the transcript for a task's phase.
func (d *DB) SaveTranscript(ctx context.Context, t *SessionTranscript) error {
	t.UpdatedAt = time.Now()
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO session_transcripts (task_id, phase_id, session_id, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id, phase_id) DO UPDATE SET
			session_id = excluded.session_id,
			content = excluded.content,
			updated_at = excluded.updated_at`),
		t.TaskID, t.PhaseID, t.SessionID, t.Content, encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save transcript %s/%s: %w", t.TaskID, t.PhaseID, err)
	}
	return nil
}

// GetTranscript returns the transcript for a task's phase, or nil when none
// was recorded.
func (d *DB) GetTranscript(ctx context.Context, taskID, phaseID string) (*SessionTranscript, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT task_id, phase_id, session_id, content, updated_at
		FROM session_transcripts WHERE task_id = ? AND phase_id = ?`), taskID, phaseID)

	var t SessionTranscript
	var updatedAt string
	err := row.Scan(&t.TaskID, &t.PhaseID, &t.SessionID, &t.Content, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript %s/%s: %w", taskID, phaseID, err)
	}
	t.UpdatedAt = decodeTime(updatedAt)
	return &t, nil
}
