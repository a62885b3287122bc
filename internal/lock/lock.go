// Package lock provides lease-based mutual exclusion on files and named
// resources. Leases live in the database so they survive restarts; a
// periodic sweep clears leases orphaned by crashed holders.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/model"
)

const (
	// DefaultTTL bounds a lease when the caller does not pass one. A task
	// that outlives its lease re-acquires; a crashed one is swept.
	DefaultTTL = 10 * time.Minute
	// SweepInterval is how often the background sweeper runs.
	SweepInterval = 10 * time.Second
)

// Manager coordinates resource leases. Acquisition is non-blocking: a
// contention error tells the caller to defer and retry, never to wait.
type Manager struct {
	store  *db.DB
	logger *slog.Logger
}

// NewManager creates a lock manager.
func NewManager(store *db.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Request describes one lease to acquire.
type Request struct {
	ResourceType model.ResourceType
	ResourceID   string
	TaskID       string
	AgentID      string
	Mode         model.LockMode
	TTL          time.Duration
}

// Acquire takes a lease, returning the persisted lock record or a
// contention error naming the current holder.
func (m *Manager) Acquire(ctx context.Context, req Request) (*model.ResourceLock, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := time.Now().Add(ttl)

	l := &model.ResourceLock{
		ID:           model.NewID(),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		Mode:         req.Mode,
		ExpiresAt:    &expires,
	}
	if err := m.store.AcquireLock(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// AcquireFiles takes exclusive leases on a task's estimated file paths.
// On the first conflict all leases taken so far are rolled back, so the
// acquisition is all-or-nothing.
func (m *Manager) AcquireFiles(ctx context.Context, taskID, agentID string, paths []string, ttl time.Duration) ([]*model.ResourceLock, error) {
	var acquired []*model.ResourceLock
	for _, path := range paths {
		l, err := m.Acquire(ctx, Request{
			ResourceType: model.ResourceFile,
			ResourceID:   path,
			TaskID:       taskID,
			AgentID:      agentID,
			Mode:         model.LockExclusive,
			TTL:          ttl,
		})
		if err != nil {
			for _, held := range acquired {
				if rerr := m.Release(ctx, held.ID); rerr != nil {
					m.logger.Error("rollback lock release failed",
						"lock_id", held.ID, "error", rerr)
				}
			}
			return nil, err
		}
		acquired = append(acquired, l)
	}
	return acquired, nil
}

// Release releases one lease. Idempotent.
func (m *Manager) Release(ctx context.Context, lockID string) error {
	return m.store.ReleaseLock(ctx, lockID)
}

// ReleaseByTask releases every lease a task holds and returns how many were
// freed. Idempotent.
func (m *Manager) ReleaseByTask(ctx context.Context, taskID string) (int, error) {
	released, err := m.store.ReleaseTaskLocks(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return len(released), nil
}

// SweepExpired force-releases expired leases and returns the count.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	swept, err := m.store.SweepExpiredLocks(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, l := range swept {
		m.logger.Warn("swept expired lock",
			"resource", l.ResourceID, "task_id", l.TaskID, "mode", l.Mode)
	}
	return len(swept), nil
}

// ConflictingOwner reports which task, if any, holds a lease that would
// block an exclusive claim on one of the given files. The orchestrator
// calls this before spawning a task and defers the task on conflict.
func (m *Manager) ConflictingOwner(ctx context.Context, taskID string, paths []string) (string, error) {
	for _, path := range paths {
		active, err := m.store.ActiveLocks(ctx, model.ResourceFile, path)
		if err != nil {
			return "", err
		}
		for _, l := range active {
			if l.TaskID != taskID {
				return l.TaskID, nil
			}
		}
	}
	return "", nil
}

// RunSweeper sweeps expired leases on SweepInterval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := m.SweepExpired(ctx, now); err != nil {
				m.logger.Error("lock sweep failed", "error", err)
			}
		}
	}
}
