package service

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ValidateSchedule rejects assignments with a missing unlock or due date, or with dates that predate
// the section's start.
func ValidateSchedule(section models.CourseSectionInfo, assignment models.Assignment) error {
	if assignment.UnlockAt == nil || assignment.DueAt == nil {
		return &InvalidScheduleError{
			Assignment:  assignment.Name,
			UnlockAt:    assignment.UnlockAt,
			DueAt:       assignment.DueAt,
			CourseStart: section.StartAt,
			Reason:      "unlock and due dates are required",
		}
	}
	if assignment.UnlockAt.Before(section.StartAt) || assignment.DueAt.Before(section.StartAt) {
		return &InvalidScheduleError{
			Assignment:  assignment.Name,
			UnlockAt:    assignment.UnlockAt,
			DueAt:       assignment.DueAt,
			CourseStart: section.StartAt,
			Reason:      "dates predate the course start; update deadlines copied from a previous term",
		}
	}
	return nil
}

// ResolveDeadline returns the student's effective due date and the override that produced it.
// Among overrides targeting the student with a due date, the latest wins; it only applies when it
// is strictly later than the base due date, otherwise the base date is returned with no override.
func ResolveDeadline(section models.CourseSectionInfo, assignment models.Assignment, student models.Student) (time.Time, *models.Override, error) {
	if err := ValidateSchedule(section, assignment); err != nil {
		return time.Time{}, nil, err
	}

	base := *assignment.DueAt
	var latest *models.Override
	for _, override := range assignment.SortedOverrides() {
		if override.DueAt == nil || !override.AppliesTo(student.ID) {
			continue
		}
		if latest == nil || override.DueAt.After(*latest.DueAt) {
			candidate := override
			latest = &candidate
		}
	}

	if latest != nil && latest.DueAt.After(base) {
		return *latest.DueAt, latest, nil
	}
	return base, nil, nil
}

func requireRegistration(student models.Student) (time.Time, error) {
	if student.RegisteredAt == nil {
		return time.Time{}, &MissingRegistrationError{StudentID: student.ID, StudentName: student.Name}
	}
	return *student.RegisteredAt, nil
}
