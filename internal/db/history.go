package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/model"
)

// AppendPhaseHistory records a phase transition. History is append-only;
// there is no update or delete path.
func (d *DB) AppendPhaseHistory(ctx context.Context, h *model.PhaseHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO phase_history (ticket_id, from_phase, to_phase, reason, actor_id, artifacts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		h.TicketID, h.FromPhase, h.ToPhase, string(h.Reason), h.ActorID,
		encodeJSONList(h.Artifacts), encodeTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("append phase history for %s: %w", h.TicketID, err)
	}
	return nil
}

// PhaseHistoryFor returns a ticket's transitions in chronological order.
func (d *DB) PhaseHistoryFor(ctx context.Context, ticketID string) ([]*model.PhaseHistory, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT id, ticket_id, from_phase, to_phase, reason, actor_id, artifacts, created_at
		FROM phase_history WHERE ticket_id = ? ORDER BY id`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("load phase history for %s: %w", ticketID, err)
	}
	defer func() { _ = rows.Close() }()

	var history []*model.PhaseHistory
	for rows.Next() {
		var h model.PhaseHistory
		var reason, artifacts, createdAt string
		if err := rows.Scan(&h.ID, &h.TicketID, &h.FromPhase, &h.ToPhase,
			&reason, &h.ActorID, &artifacts, &createdAt); err != nil {
			return nil, err
		}
		h.Reason = model.TransitionReason(reason)
		h.Artifacts = decodeJSONList(artifacts)
		h.CreatedAt = decodeTime(createdAt)
		history = append(history, &h)
	}
	return history, rows.Err()
}

// LatestTransition returns a ticket's most recent transition, or nil when
// the ticket has never moved.
func (d *DB) LatestTransition(ctx context.Context, ticketID string) (*model.PhaseHistory, error) {
	row := d.QueryRow(ctx, d.rebind(`
		SELECT id, ticket_id, from_phase, to_phase, reason, actor_id, artifacts, created_at
		FROM phase_history WHERE ticket_id = ? ORDER BY id DESC LIMIT 1`), ticketID)

	var h model.PhaseHistory
	var reason, artifacts, createdAt string
	err := row.Scan(&h.ID, &h.TicketID, &h.FromPhase, &h.ToPhase,
		&reason, &h.ActorID, &artifacts, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest transition for %s: %w", ticketID, err)
	}
	h.Reason = model.TransitionReason(reason)
	h.Artifacts = decodeJSONList(artifacts)
	h.CreatedAt = decodeTime(createdAt)
	return &h, nil
}
