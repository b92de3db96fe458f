package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func newTestGrader(t *testing.T, name string, workload int) *models.Grader {
	t.Helper()
	folder := t.TempDir()
	grader, err := models.NewGrader(models.Grader{
		Name:              name,
		User:              name,
		AssignmentName:    "hw1",
		Folder:            folder,
		SubmissionsFolder: folder + "/course/submitted",
		AutogradedFolder:  folder + "/course/autograded",
		FeedbackFolder:    folder + "/course/feedback",
	})
	require.NoError(t, err)
	grader.Workload = workload
	return grader
}

func TestGraderPoolPicksLeastLoadedWithStableTies(t *testing.T) {
	first := newTestGrader(t, "first", 2)
	second := newTestGrader(t, "second", 1)
	third := newTestGrader(t, "third", 1)
	pool := NewGraderPool([]*models.Grader{first, second, third})

	var picked []string
	for _, folder := range []string{"student_1", "student_2", "student_3", "student_4"} {
		grader, sticky, err := pool.Assign(folder)
		require.NoError(t, err)
		assert.False(t, sticky)
		picked = append(picked, grader.Name)
	}

	assert.Equal(t, []string{"second", "third", "first", "second"}, picked)
	assert.Equal(t, 3, first.Workload)
	assert.Equal(t, 3, second.Workload)
	assert.Equal(t, 2, third.Workload)
}

func TestGraderPoolKeepsStickyAssignment(t *testing.T) {
	idle := newTestGrader(t, "idle", 0)
	busy := newTestGrader(t, "busy", 10)
	writeTestFile(t, busy.CollectedPath("student_7"), "{}")
	pool := NewGraderPool([]*models.Grader{idle, busy})

	grader, sticky, err := pool.Assign("student_7")
	require.NoError(t, err)
	assert.True(t, sticky)
	assert.Equal(t, "busy", grader.Name)
	assert.Equal(t, 10, busy.Workload, "sticky assignment leaves the workload untouched")
	assert.Equal(t, 0, idle.Workload)
}

func TestAssignGradersWithoutGraders(t *testing.T) {
	settings := testSettings(t)
	submissions := []*models.Submission{{Name: "s1", Student: testStudent("7", "2024-01-02T00:00:00Z")}}

	err := AssignGraders(settings, submissions, nil)
	require.ErrorIs(t, err, ErrNoGraders)
}

func TestAssignGradersAttachesPaths(t *testing.T) {
	settings := testSettings(t)
	grader := newTestGrader(t, "alice", 0)
	submission := &models.Submission{
		Name:         "s1",
		Assignment:   testAssignment("hw1"),
		Student:      testStudent("7", "2024-01-02T00:00:00Z"),
		SnapshotName: "snap",
	}

	require.NoError(t, AssignGraders(settings, []*models.Submission{submission}, []*models.Grader{grader}))
	assert.Same(t, grader, submission.Grader)
	assert.Equal(t, grader.CollectedPath("student_7"), submission.CollectedPath)
	assert.Equal(t, settings.AttachedStudentRoot+"/7/.zfs/snapshot/snap/assignments/hw1/hw1.ipynb", submission.SnapshotPath)
	assert.Equal(t, settings.AttachedStudentRoot+"/7/hw1_feedback.html", submission.StudentFeedbackPath)
}
