package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

func TestJoinArrivals(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	j := &model.Join{
		ID:             model.NewID(),
		TicketID:       "TICK-1",
		SourceTaskIDs:  []string{"TASK-A", "TASK-B", "TASK-C"},
		ContinuationID: "TASK-CONT",
		MergeStrategy:  "combine",
	}
	require.NoError(t, d.CreateJoin(ctx, j))
	assert.Equal(t, 3, j.RequiredCount, "defaults to wait-for-all")

	n, err := d.MarkArrived(ctx, j.ID, "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-arrival is idempotent.
	n, err = d.MarkArrived(ctx, j.ID, "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = d.MarkArrived(ctx, j.ID, "TASK-B")
	require.NoError(t, err)
	n, err = d.MarkArrived(ctx, j.ID, "TASK-C")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := d.GetJoin(ctx, j.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TASK-A", "TASK-B", "TASK-C"}, got.Arrived)
}

func TestJoinStatusFiresOnce(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	j := &model.Join{
		ID:             model.NewID(),
		TicketID:       "TICK-1",
		SourceTaskIDs:  []string{"TASK-A"},
		ContinuationID: "TASK-CONT",
	}
	require.NoError(t, d.CreateJoin(ctx, j))

	require.NoError(t, d.SetJoinStatus(ctx, j.ID, model.JoinWaiting, model.JoinReady))

	// A second handler racing on the same transition loses.
	err := d.SetJoinStatus(ctx, j.ID, model.JoinWaiting, model.JoinReady)
	assert.True(t, conderr.IsCode(err, conderr.CodeClaimLost))
}

func TestJoinsForSource(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	j := &model.Join{
		ID:             model.NewID(),
		TicketID:       "TICK-1",
		SourceTaskIDs:  []string{"TASK-A", "TASK-B"},
		ContinuationID: "TASK-CONT",
		RequiredCount:  1,
	}
	require.NoError(t, d.CreateJoin(ctx, j))

	joins, err := d.JoinsForSource(ctx, "TASK-A")
	require.NoError(t, err)
	require.Len(t, joins, 1)
	assert.Equal(t, 1, joins[0].RequiredCount)
	assert.ElementsMatch(t, []string{"TASK-A", "TASK-B"}, joins[0].SourceTaskIDs)

	joins, err = d.JoinsForSource(ctx, "TASK-Z")
	require.NoError(t, err)
	assert.Empty(t, joins)

	cont, err := d.JoinForContinuation(ctx, "TASK-CONT")
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, j.ID, cont.ID)
}

func TestExpiredJoins(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	j := &model.Join{
		ID:             model.NewID(),
		TicketID:       "TICK-1",
		SourceTaskIDs:  []string{"TASK-A"},
		ContinuationID: "TASK-CONT",
		Deadline:       &past,
	}
	require.NoError(t, d.CreateJoin(ctx, j))

	expired, err := d.ExpiredJoins(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, j.ID, expired[0].ID)
}
