package db

import (
	"context"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/model"
)

// AttachEvidence records or replaces evidence for one done-definition of a
// ticket's phase.
func (d *DB) AttachEvidence(ctx context.Context, ticketID, phaseID string, e *model.Evidence) error {
	_, err := d.Exec(ctx, d.rebind(`
		INSERT INTO evidence (ticket_id, phase_id, definition, satisfied, evidence_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticket_id, phase_id, definition) DO UPDATE SET
			satisfied = excluded.satisfied,
			evidence_ref = excluded.evidence_ref,
			created_at = excluded.created_at`),
		ticketID, phaseID, e.Definition, boolToInt(e.Satisfied), e.EvidenceRef,
		encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("attach evidence for %s/%s: %w", ticketID, phaseID, err)
	}
	return nil
}

// EvidenceFor returns evidence records for a ticket's phase, keyed by
// definition.
func (d *DB) EvidenceFor(ctx context.Context, ticketID, phaseID string) (map[string]*model.Evidence, error) {
	rows, err := d.Query(ctx, d.rebind(`
		SELECT definition, satisfied, evidence_ref
		FROM evidence WHERE ticket_id = ? AND phase_id = ?`), ticketID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("load evidence for %s/%s: %w", ticketID, phaseID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*model.Evidence)
	for rows.Next() {
		var e model.Evidence
		var satisfied int
		if err := rows.Scan(&e.Definition, &satisfied, &e.EvidenceRef); err != nil {
			return nil, err
		}
		e.Satisfied = satisfied != 0
		out[e.Definition] = &e
	}
	return out, rows.Err()
}
