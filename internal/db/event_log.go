package db

import (
	"context"
	"fmt"
	"time"
)

// EventRecord is one row in the append-only event log.
type EventRecord struct {
	Seq         int64
	EventID     string
	EventType   string
	EntityType  string
	EntityID    string
	Payload     string
	Source      string
	PublishedAt time.Time
}

// AppendEvents writes a batch of events in one transaction. The persistent
// bus buffers and flushes through this.
func (d *DB) AppendEvents(ctx context.Context, records []*EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if r.PublishedAt.IsZero() {
			r.PublishedAt = time.Now()
		}
		if _, err := tx.Exec(ctx, d.rebind(`
			INSERT INTO event_log (event_id, event_type, entity_type, entity_id, payload, source, published_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.EventID, r.EventType, r.EntityType, r.EntityID, r.Payload,
			r.Source, encodeTime(r.PublishedAt)); err != nil {
			return fmt.Errorf("append event %s: %w", r.EventID, err)
		}
	}
	return tx.Commit()
}

// HasEvent reports whether an event id was already logged. Consumers use
// this for idempotent redelivery handling.
func (d *DB) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := d.QueryRow(ctx, d.rebind(`
		SELECT COUNT(*) FROM event_log WHERE event_id = ?`), eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// EventsForEntity returns an entity's events in publication order, newest
// capped by limit (0 means no cap).
func (d *DB) EventsForEntity(ctx context.Context, entityID string, limit int) ([]*EventRecord, error) {
	query := `
		SELECT id, event_id, event_type, entity_type, entity_id, payload, source, published_at
		FROM event_log WHERE entity_id = ? ORDER BY id`
	args := []any{entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.Query(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("events for %s: %w", entityID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventRecord
	for rows.Next() {
		var r EventRecord
		var publishedAt string
		if err := rows.Scan(&r.Seq, &r.EventID, &r.EventType, &r.EntityType,
			&r.EntityID, &r.Payload, &r.Source, &publishedAt); err != nil {
			return nil, err
		}
		r.PublishedAt = decodeTime(publishedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
