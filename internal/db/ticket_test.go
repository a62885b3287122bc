package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/model"
)

func TestTicketOptimisticVersion(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo"}))

	tk := &model.Ticket{
		ID:           model.NewTicketID(),
		ProjectID:    "proj-1",
		Title:        "add caching",
		CurrentPhase: "spec",
	}
	require.NoError(t, d.CreateTicket(ctx, tk))
	assert.Equal(t, int64(1), tk.Version)

	// First writer wins and bumps the version.
	tk.Title = "add caching layer"
	require.NoError(t, d.UpdateTicket(ctx, tk))
	assert.Equal(t, int64(2), tk.Version)

	// A writer holding the stale version loses.
	stale := *tk
	stale.Version = 1
	err := d.UpdateTicket(ctx, &stale)
	assert.True(t, conderr.IsCode(err, conderr.CodeVersionExpired))

	got, err := d.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "add caching layer", got.Title)
	assert.Equal(t, int64(2), got.Version)
}

func TestTicketBlockers(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo"}))

	a := &model.Ticket{ID: "TICK-A", ProjectID: "proj-1", Title: "a", CurrentPhase: "spec"}
	require.NoError(t, d.CreateTicket(ctx, a))

	b := &model.Ticket{
		ID: "TICK-B", ProjectID: "proj-1", Title: "b", CurrentPhase: "spec",
		BlockedBy: []string{"TICK-A"},
	}
	require.NoError(t, d.CreateTicket(ctx, b))

	got, err := d.GetTicket(ctx, "TICK-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"TICK-A"}, got.BlockedBy)

	// Closing the loop A -> B -> A is rejected.
	c := &model.Ticket{
		ID: "TICK-C", ProjectID: "proj-1", Title: "c", CurrentPhase: "spec",
		BlockedBy: []string{"TICK-C"},
	}
	assert.Error(t, d.CreateTicket(ctx, c))

	loop := &model.Ticket{
		ID: "TICK-A2", ProjectID: "proj-1", Title: "a2", CurrentPhase: "spec",
		BlockedBy: []string{"TICK-B"},
	}
	require.NoError(t, d.CreateTicket(ctx, loop))

	cycle := &model.Ticket{
		ID: "TICK-D", ProjectID: "proj-1", Title: "d", CurrentPhase: "spec",
		BlockedBy: []string{"TICK-D2"},
	}
	// Unknown blocker ids are allowed; they cannot close a cycle.
	require.NoError(t, d.CreateTicket(ctx, cycle))

	_, err = d.GetTicket(ctx, "TICK-MISSING")
	assert.True(t, conderr.IsCode(err, conderr.CodeTicketNotFound))
}

func TestListTicketsByPhase(t *testing.T) {
	d := NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.SaveProject(ctx, &model.Project{ID: "proj-1", Name: "demo"}))

	for _, id := range []string{"TICK-1", "TICK-2"} {
		require.NoError(t, d.CreateTicket(ctx, &model.Ticket{
			ID: id, ProjectID: "proj-1", Title: id, CurrentPhase: "implementation",
		}))
	}
	require.NoError(t, d.CreateTicket(ctx, &model.Ticket{
		ID: "TICK-3", ProjectID: "proj-1", Title: "other", CurrentPhase: "testing",
	}))

	got, err := d.ListTicketsByPhase(ctx, "proj-1", "implementation")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
