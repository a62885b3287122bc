package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conductor-sh/conductor/internal/db"
)

// RecordTranscript stores a raw session transcript for later resumption.
// Content is kept base64 in the store so the blob survives any dialect's
// text handling.
func (s *Spawner) RecordTranscript(ctx context.Context, taskID, phaseID, sessionID string, raw []byte) error {
	return s.store.SaveTranscript(ctx, &db.SessionTranscript{
		TaskID:    taskID,
		PhaseID:   phaseID,
		SessionID: sessionID,
		Content:   base64.StdEncoding.EncodeToString(raw),
	})
}

// WriteCheckpoint drops a checkpoint file into the workspace so the agent
// can recover mid-phase state after a restart.
func (s *Spawner) WriteCheckpoint(workspace, name string, content []byte) error {
	dir := filepath.Join(workspace, ".planning", "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoints dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", name, time.Now().Unix()))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
