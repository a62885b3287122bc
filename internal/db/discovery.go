package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/conductor-sh/conductor/internal/model"
)

// DescriptionHash normalizes and hashes a discovery description for
// duplicate detection: same source task, same kind, near-identical text.
func DescriptionHash(description string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// SaveDiscovery records an agent finding. Discoveries are immutable once
// written; only the spawned-task link is filled in later.
func (d *DB) SaveDiscovery(ctx context.Context, disc *model.Discovery) error {
	if disc.CreatedAt.IsZero() {
		disc.CreatedAt = time.Now()
	}
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO discoveries (id, source_task_id, spawned_task_id, kind, description, description_hash, target_phase, priority_boost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		disc.ID, disc.SourceTaskID, disc.SpawnedTaskID, string(disc.Kind),
		disc.Description, DescriptionHash(disc.Description), disc.TargetPhase,
		boolToInt(disc.PriorityBoost), encodeTime(disc.CreatedAt))
	if err != nil {
		return fmt.Errorf("save discovery %s: %w", disc.ID, err)
	}
	return nil
}

// LinkSpawnedTask fills in the task spawned from a discovery.
func (d *DB) LinkSpawnedTask(ctx context.Context, discoveryID, taskID string) error {
	_, err := d.Exec(ctx, d.rebind(`
		UPDATE discoveries SET spawned_task_id = ? WHERE id = ?`),
		taskID, discoveryID)
	if err != nil {
		return fmt.Errorf("link spawned task for %s: %w", discoveryID, err)
	}
	return nil
}

// IsDuplicateDiscovery reports whether the same source task already recorded
// a same-kind finding with matching normalized text inside the window.
func (d *DB) IsDuplicateDiscovery(ctx context.Context, sourceTaskID string, kind model.DiscoveryKind, description string, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window)
	var n int
	err := d.QueryRow(ctx, d.rebind(`
		SELECT COUNT(*) FROM discoveries
		WHERE source_task_id = ? AND kind = ? AND description_hash = ? AND created_at >= ?`),
		sourceTaskID, string(kind), DescriptionHash(description), encodeTime(cutoff)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate discovery: %w", err)
	}
	return n > 0, nil
}

// ListDiscoveriesBySource returns a task's recorded findings, oldest first.
func (d *DB) ListDiscoveriesBySource(ctx context.Context, sourceTaskID string) ([]*model.Discovery, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT id, source_task_id, spawned_task_id, kind, description, target_phase, priority_boost, created_at
		FROM discoveries WHERE source_task_id = ? ORDER BY created_at`), sourceTaskID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries for %s: %w", sourceTaskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Discovery
	for rows.Next() {
		var disc model.Discovery
		var kind, createdAt string
		var boost int
		if err := rows.Scan(&disc.ID, &disc.SourceTaskID, &disc.SpawnedTaskID,
			&kind, &disc.Description, &disc.TargetPhase, &boost, &createdAt); err != nil {
			return nil, err
		}
		disc.Kind = model.DiscoveryKind(kind)
		disc.PriorityBoost = boost != 0
		disc.CreatedAt = decodeTime(createdAt)
		out = append(out, &disc)
	}
	return out, rows.Err()
}
