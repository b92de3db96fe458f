package repository

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/models"
)

func floatPtr(v float64) *float64 { return &v }

func seedGradebook(t *testing.T, graderFolder string) {
	t.Helper()
	dir := filepath.Join(graderFolder, "course")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	db, err := database.ConnectSQLite(filepath.Join(dir, GradebookFileName))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.GradebookModels()...))

	require.NoError(t, db.Create(&models.GradebookAssignment{ID: "a1", Name: "hw1"}).Error)
	require.NoError(t, db.Create(&models.GradebookStudent{ID: "student_42"}).Error)
	require.NoError(t, db.Create(&models.GradebookSubmission{ID: "s1", AssignmentID: "a1", StudentID: "student_42"}).Error)
	require.NoError(t, db.Create(&models.GradebookNotebook{ID: "n1", AssignmentID: "s1", NotebookID: "hw1"}).Error)
	require.NoError(t, db.Create(&models.GradebookGrade{ID: "g1", Name: "q1", NotebookID: "n1", AutoScore: floatPtr(2)}).Error)
	require.NoError(t, db.Create(&models.GradebookGrade{ID: "g2", Name: "q2", NotebookID: "n1", AutoScore: floatPtr(1), ManualScore: floatPtr(3)}).Error)
	require.NoError(t, db.Create(&models.GradebookGrade{ID: "g3", Name: "q3", NotebookID: "n1", NeedsManualGrade: true, ExtraCredit: floatPtr(0.5)}).Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestGradebookFindSubmissionSumsScores(t *testing.T) {
	folder := t.TempDir()
	seedGradebook(t, folder)

	gradebook, err := NewGradebookOpener("course").Open(context.Background(), folder)
	require.NoError(t, err)
	defer gradebook.Close()

	entry, err := gradebook.FindSubmission(context.Background(), "hw1", "student_42")
	require.NoError(t, err)
	assert.InDelta(t, 5.5, entry.Score, 1e-9)
	assert.True(t, entry.NeedsManualGrade)

	_, err = gradebook.FindSubmission(context.Background(), "hw1", "student_7")
	assert.ErrorIs(t, err, ErrMissingEntry)

	_, err = gradebook.FindSubmission(context.Background(), "hw9", "student_42")
	assert.ErrorIs(t, err, ErrMissingEntry)
}

func TestGradebookRemoveSubmission(t *testing.T) {
	folder := t.TempDir()
	seedGradebook(t, folder)

	gradebook, err := NewGradebookOpener("course").Open(context.Background(), folder)
	require.NoError(t, err)
	defer gradebook.Close()

	require.NoError(t, gradebook.RemoveSubmission(context.Background(), "hw1", "student_42"))

	_, err = gradebook.FindSubmission(context.Background(), "hw1", "student_42")
	require.ErrorIs(t, err, ErrMissingEntry)

	err = gradebook.RemoveSubmission(context.Background(), "hw1", "student_42")
	assert.ErrorIs(t, err, ErrMissingEntry)
}

func TestGradebookOpenMissingFile(t *testing.T) {
	_, err := NewGradebookOpener("course").Open(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
