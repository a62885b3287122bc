package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/internal/db"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

func TestAcquireDefaultTTL(t *testing.T) {
	m := NewManager(db.NewTestDB(t), nil)
	ctx := context.Background()

	l, err := m.Acquire(ctx, Request{
		ResourceType: model.ResourceNamed,
		ResourceID:   "deploy-pipeline",
		TaskID:       "TASK-1",
		Mode:         model.LockExclusive,
	})
	require.NoError(t, err)
	require.NotNil(t, l.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), *l.ExpiresAt, 5*time.Second)
}

func TestAcquireFilesAllOrNothing(t *testing.T) {
	store := db.NewTestDB(t)
	m := NewManager(store, nil)
	ctx := context.Background()

	// Another task holds b.go exclusively.
	_, err := m.Acquire(ctx, Request{
		ResourceType: model.ResourceFile, ResourceID: "b.go",
		TaskID: "TASK-OTHER", Mode: model.LockExclusive,
	})
	require.NoError(t, err)

	_, err = m.AcquireFiles(ctx, "TASK-1", "agent-1", []string{"a.go", "b.go", "c.go"}, time.Minute)
	require.True(t, conderr.IsCode(err, conderr.CodeLockHeld))

	// The partial lease on a.go was rolled back.
	held, err := store.LocksHeldBy(ctx, "TASK-1")
	require.NoError(t, err)
	assert.Empty(t, held)

	// With the conflict gone, the full set succeeds.
	_, err = m.ReleaseByTask(ctx, "TASK-OTHER")
	require.NoError(t, err)
	locks, err := m.AcquireFiles(ctx, "TASK-1", "agent-1", []string{"a.go", "b.go", "c.go"}, time.Minute)
	require.NoError(t, err)
	assert.Len(t, locks, 3)
}

func TestConflictingOwner(t *testing.T) {
	m := NewManager(db.NewTestDB(t), nil)
	ctx := context.Background()

	_, err := m.AcquireFiles(ctx, "TASK-1", "agent-1", []string{"shared.go"}, time.Minute)
	require.NoError(t, err)

	owner, err := m.ConflictingOwner(ctx, "TASK-2", []string{"other.go", "shared.go"})
	require.NoError(t, err)
	assert.Equal(t, "TASK-1", owner)

	// A task never conflicts with its own leases.
	owner, err = m.ConflictingOwner(ctx, "TASK-1", []string{"shared.go"})
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestSweepExpired(t *testing.T) {
	store := db.NewTestDB(t)
	m := NewManager(store, nil)
	ctx := context.Background()

	expired := &model.ResourceLock{
		ID:           model.NewID(),
		ResourceType: model.ResourceFile,
		ResourceID:   "stale.go",
		TaskID:       "TASK-CRASHED",
		Mode:         model.LockExclusive,
	}
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, store.AcquireLock(ctx, expired))

	n, err := m.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Sweep is idempotent.
	n, err = m.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(db.NewTestDB(t), nil)
	ctx := context.Background()

	l, err := m.Acquire(ctx, Request{
		ResourceType: model.ResourceFile, ResourceID: "x.go",
		TaskID: "TASK-1", Mode: model.LockExclusive,
	})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, l.ID))
	require.NoError(t, m.Release(ctx, l.ID))

	n, err := m.ReleaseByTask(ctx, "TASK-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
