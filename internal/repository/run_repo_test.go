package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestRunRepositoryLifecycle(t *testing.T) {
	db := setupMirrorDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	first := &models.RunRecord{ID: "run-1", Flow: "snapshot", Target: "stat201-001", StartedAt: base}
	second := &models.RunRecord{ID: "run-2", Flow: "grading", Target: "stat201", StartedAt: base.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	assert.Equal(t, models.RunStatusRunning, first.Status)

	first.Status = models.RunStatusSucceeded
	first.Summary = datatypes.JSON(`{"succeeded":3}`)
	require.NoError(t, repo.Finish(ctx, first))
	require.NotNil(t, first.FinishedAt)

	runs, err := repo.ListRecent(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "expected newest run first")
	assert.False(t, runs[0].IsFinished())

	runs, err = repo.ListRecent(ctx, RunFilter{Flow: "snapshot", Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSucceeded, runs[0].Status)
	assert.True(t, runs[0].IsFinished())
	assert.JSONEq(t, `{"succeeded":3}`, string(runs[0].Summary))
}
