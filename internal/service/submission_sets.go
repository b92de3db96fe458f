package service

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionSet groups the submissions of one assignment across every section of a course group.
type SubmissionSet struct {
	AssignmentName string
	Sections       []SectionAssignment
	Submissions    []*models.Submission
}

// SectionAssignment is one section's copy of a grouped assignment.
type SectionAssignment struct {
	Section    models.CourseSectionInfo
	Assignment models.Assignment
}

// LatestDueAt returns the latest base due date across sections, or false when none is set.
func (s SubmissionSet) LatestDueAt() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, sa := range s.Sections {
		if sa.Assignment.DueAt == nil {
			continue
		}
		if !found || sa.Assignment.DueAt.After(latest) {
			latest = *sa.Assignment.DueAt
			found = true
		}
	}
	return latest, found
}

// AllGradesPosted reports whether every submission already has a posted grade.
func (s SubmissionSet) AllGradesPosted() bool {
	if len(s.Submissions) == 0 {
		return false
	}
	for _, submission := range s.Submissions {
		if submission.PostedAt == nil {
			return false
		}
	}
	return true
}

// BuildSubmissionSets groups assignments by name across the sections of a course group and creates
// one submission per active student. The three lists are indexed by section. Mismatched list
// lengths, and assignments present in one section but absent from another, are run-scoped fatal
// errors.
func BuildSubmissionSets(sections []models.CourseSectionInfo, assignments [][]models.Assignment, students [][]models.Student) ([]SubmissionSet, error) {
	if len(sections) != len(assignments) || len(sections) != len(students) {
		return nil, &InconsistentInputError{Reason: fmt.Sprintf(
			"sections, assignments and students must have one entry per section: sections %d, assignments %d, students %d",
			len(sections), len(assignments), len(students))}
	}
	if len(sections) == 0 {
		return nil, nil
	}

	var order []string
	index := map[string][]int{}
	for i, list := range assignments {
		for j, assignment := range list {
			positions, ok := index[assignment.Name]
			if !ok {
				positions = make([]int, len(sections))
				for k := range positions {
					positions[k] = -1
				}
				order = append(order, assignment.Name)
			}
			if positions[i] >= 0 {
				return nil, &InconsistentInputError{Reason: fmt.Sprintf(
					"assignment %s appears twice in section %s", assignment.Name, sections[i].Name)}
			}
			positions[i] = j
			index[assignment.Name] = positions
		}
	}

	for _, name := range order {
		var missing []string
		for i, position := range index[name] {
			if position < 0 {
				missing = append(missing, sections[i].Name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &InconsistentInputError{Reason: fmt.Sprintf(
				"assignment %s is absent from sections %s", name, strings.Join(missing, ", "))}
		}
	}

	sets := make([]SubmissionSet, 0, len(order))
	for _, name := range order {
		set := SubmissionSet{AssignmentName: name}
		for i, position := range index[name] {
			section := sections[i]
			assignment := assignments[i][position]
			set.Sections = append(set.Sections, SectionAssignment{Section: section, Assignment: assignment})

			for _, student := range students[i] {
				if !student.IsActive() {
					continue
				}
				set.Submissions = append(set.Submissions, &models.Submission{
					Name:       submissionName(section, assignment, student),
					Section:    section,
					Assignment: assignment,
					Student:    student,
					Status:     models.GradingStatusAssigned,
				})
			}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func submissionName(section models.CourseSectionInfo, assignment models.Assignment, student models.Student) string {
	return fmt.Sprintf("%s-%s : %s-%s : %s-%s", section.Name, section.ID, assignment.Name, assignment.ID, student.Name, student.ID)
}

// attachPaths fills in the artifact paths of a submission once its deadline and grader are known.
func attachPaths(settings Settings, submission *models.Submission) {
	name := submission.Assignment.Name
	submission.AttachedFolder = filepath.Join(settings.AttachedStudentRoot, submission.Student.ID)
	if submission.SnapshotName != "" {
		submission.SnapshotPath = filepath.Join(submission.AttachedFolder, ".zfs", "snapshot", submission.SnapshotName,
			settings.StudentLocalAssignmentFolder, name, name+".ipynb")
	}
	submission.StudentSolutionPath = filepath.Join(submission.AttachedFolder, name+"_solution.html")
	submission.StudentFeedbackPath = filepath.Join(submission.AttachedFolder, name+"_feedback.html")

	if submission.Grader != nil {
		folder := settings.StudentFolder(submission.Student.ID)
		submission.CollectedPath = submission.Grader.CollectedPath(folder)
		submission.AutogradedPath = submission.Grader.AutogradedPath(folder)
		submission.FeedbackPath = submission.Grader.FeedbackPath(folder)
	}
}
