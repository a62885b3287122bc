package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

const lockColumns = `id, resource_type, resource_id, task_id, agent_id, mode,
	acquired_at, expires_at, released_at`

// AcquireLock inserts a lease after verifying no conflicting active lock
// exists. Shared locks coexist; an exclusive lock conflicts with
// everything. The unique partial index on active exclusive locks backstops
// the check: two claimers racing past the SELECT cannot both insert, and
// the loser gets CodeLockHeld.
func (d *DB) AcquireLock(ctx context.Context, l *model.ResourceLock) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	// Reap expired leases on this resource up front. The conflict check
	// already ignores them, but a lingering row would trip the unique
	// index until the sweeper gets to it.
	_, err = tx.Exec(ctx, d.rebind(`
		UPDATE resource_locks SET released_at = ?
		WHERE resource_type = ? AND resource_id = ? AND released_at IS NULL
		  AND expires_at IS NOT NULL AND expires_at <= ?`),
		encodeTime(now), string(l.ResourceType), l.ResourceID, encodeTime(now))
	if err != nil {
		return fmt.Errorf("reap expired locks: %w", err)
	}
	var conflictQuery string
	if l.Mode == model.LockShared {
		conflictQuery = `
			SELECT task_id FROM resource_locks
			WHERE resource_type = ? AND resource_id = ? AND mode = 'exclusive'
			  AND released_at IS NULL
			  AND (expires_at IS NULL OR expires_at > ?)
			LIMIT 1`
	} else {
		conflictQuery = `
			SELECT task_id FROM resource_locks
			WHERE resource_type = ? AND resource_id = ?
			  AND released_at IS NULL
			  AND (expires_at IS NULL OR expires_at > ?)
			LIMIT 1`
	}

	var owner string
	err = tx.QueryRow(ctx, d.rebind(conflictQuery),
		string(l.ResourceType), l.ResourceID, encodeTime(now)).Scan(&owner)
	if err == nil {
		return conderr.ErrLockHeld(string(l.ResourceType), l.ResourceID, owner)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check lock conflict: %w", err)
	}

	l.AcquiredAt = now
	_, err = tx.Exec(ctx, d.rebind(`
		INSERT INTO resource_locks (id, resource_type, resource_id, task_id, agent_id, mode, acquired_at, expires_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		l.ID, string(l.ResourceType), l.ResourceID, l.TaskID, l.AgentID,
		string(l.Mode), encodeTime(l.AcquiredAt), encodeTimePtr(l.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			owner := "unknown"
			_ = d.QueryRow(ctx, d.rebind(`
				SELECT task_id FROM resource_locks
				WHERE resource_type = ? AND resource_id = ?
				  AND mode = 'exclusive' AND released_at IS NULL
				LIMIT 1`),
				string(l.ResourceType), l.ResourceID).Scan(&owner)
			return conderr.ErrLockHeld(string(l.ResourceType), l.ResourceID, owner)
		}
		return fmt.Errorf("insert lock %s: %w", l.ID, err)
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ReleaseLock releases one lock by id. Releasing an already-released lock is
// a no-op.
func (d *DB) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := d.Exec(ctx, d.rebind(`
		UPDATE resource_locks SET released_at = ? WHERE id = ? AND released_at IS NULL`),
		encodeTime(time.Now()), lockID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockID, err)
	}
	return nil
}

// ReleaseTaskLocks releases every active lock held by a task and returns the
// released locks so waiters can be notified.
func (d *DB) ReleaseTaskLocks(ctx context.Context, taskID string) ([]*model.ResourceLock, error) {
	held, err := d.listLocks(ctx, d.rebind(`
		SELECT `+lockColumns+` FROM resource_locks
		WHERE task_id = ? AND released_at IS NULL`), taskID)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	now := time.Now()
	_, err = d.Exec(ctx, d.rebind(`
		UPDATE resource_locks SET released_at = ? WHERE task_id = ? AND released_at IS NULL`),
		encodeTime(now), taskID)
	if err != nil {
		return nil, fmt.Errorf("release locks for %s: %w", taskID, err)
	}
	for _, l := range held {
		t := now
		l.ReleasedAt = &t
	}
	return held, nil
}

// SweepExpiredLocks force-releases every active lock whose lease has
// expired, returning the swept locks. The lock manager runs this on a
// fixed interval.
func (d *DB) SweepExpiredLocks(ctx context.Context, now time.Time) ([]*model.ResourceLock, error) {
	expired, err := d.listLocks(ctx, d.rebind(`
		SELECT `+lockColumns+` FROM resource_locks
		WHERE released_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`),
		encodeTime(now))
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	_, err = d.Exec(ctx, d.rebind(`
		UPDATE resource_locks SET released_at = ?
		WHERE released_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`),
		encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("sweep expired locks: %w", err)
	}
	for _, l := range expired {
		t := now
		l.ReleasedAt = &t
	}
	return expired, nil
}

// ActiveLocks returns the active locks on one resource.
func (d *DB) ActiveLocks(ctx context.Context, resourceType model.ResourceType, resourceID string) ([]*model.ResourceLock, error) {
	return d.listLocks(ctx, d.rebind(`
		SELECT `+lockColumns+` FROM resource_locks
		WHERE resource_type = ? AND resource_id = ?
		  AND released_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY acquired_at`),
		string(resourceType), resourceID, encodeTime(time.Now()))
}

// LocksHeldBy returns a task's active locks.
func (d *DB) LocksHeldBy(ctx context.Context, taskID string) ([]*model.ResourceLock, error) {
	return d.listLocks(ctx, d.rebind(`
		SELECT `+lockColumns+` FROM resource_locks
		WHERE task_id = ? AND released_at IS NULL ORDER BY acquired_at`), taskID)
}

func (d *DB) listLocks(ctx context.Context, query string, args ...any) ([]*model.ResourceLock, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*model.ResourceLock
	for rows.Next() {
		var l model.ResourceLock
		var resourceType, mode, acquiredAt string
		var expiresAt, releasedAt sql.NullString
		if err := rows.Scan(&l.ID, &resourceType, &l.ResourceID, &l.TaskID,
			&l.AgentID, &mode, &acquiredAt, &expiresAt, &releasedAt); err != nil {
			return nil, err
		}
		l.ResourceType = model.ResourceType(resourceType)
		l.Mode = model.LockMode(mode)
		l.AcquiredAt = decodeTime(acquiredAt)
		l.ExpiresAt = decodeTimePtr(expiresAt)
		l.ReleasedAt = decodeTimePtr(releasedAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
