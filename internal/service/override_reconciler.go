package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// OverrideUpdate aggregates the late-registration directives of one assignment. Deletes must be
// applied before creates.
type OverrideUpdate struct {
	Assignment models.Assignment
	Create     []models.Override
	Delete     []models.Override
}

// IsEmpty reports whether the update carries no directive.
func (u OverrideUpdate) IsEmpty() bool {
	return len(u.Create) == 0 && len(u.Delete) == 0
}

// OverridePlan is the directive computed for one student and assignment. Both fields are nil when
// no change is needed.
type OverridePlan struct {
	Create *models.Override
	Delete *models.Override
}

// PlanLateRegistrationOverride decides whether a student who registered after the assignment
// unlocked needs a late-registration extension. dueAt and current are the student's effective due
// date and applicable override as returned by ResolveDeadline.
func PlanLateRegistrationOverride(section models.CourseSectionInfo, assignment models.Assignment, student models.Student, extensionDays int, dueAt time.Time, current *models.Override) (OverridePlan, error) {
	registered, err := requireRegistration(student)
	if err != nil {
		return OverridePlan{}, err
	}
	if assignment.UnlockAt == nil {
		return OverridePlan{}, ValidateSchedule(section, assignment)
	}
	if !registered.After(*assignment.UnlockAt) {
		return OverridePlan{}, nil
	}

	loc, err := section.Location()
	if err != nil {
		return OverridePlan{}, err
	}
	candidate := endOfDay(registered.AddDate(0, 0, extensionDays), loc)
	if !candidate.After(dueAt) {
		return OverridePlan{}, nil
	}

	plan := OverridePlan{
		Create: &models.Override{
			Title:      fmt.Sprintf("%s-%s-latereg", student.Name, assignment.Name),
			StudentIDs: []string{student.ID},
			UnlockAt:   assignment.UnlockAt,
			DueAt:      &candidate,
			LockAt:     assignment.LockAt,
		},
	}
	if current != nil {
		existing := *current
		plan.Delete = &existing
	}
	return plan, nil
}

// ReconcileOverrides computes the late-registration override directives of a section. It returns one
// update per assignment with a valid schedule, in input order, plus the joined submission-scoped
// failures (invalid schedules, missing registration dates). Inactive students are ignored.
func ReconcileOverrides(section models.CourseSectionInfo, assignments []models.Assignment, students []models.Student, extensionDays int) ([]OverrideUpdate, error) {
	var failures []error
	updates := make([]OverrideUpdate, 0, len(assignments))

	for _, assignment := range assignments {
		if err := ValidateSchedule(section, assignment); err != nil {
			failures = append(failures, err)
			continue
		}

		update := OverrideUpdate{Assignment: assignment}
		deleted := map[string]struct{}{}
		for _, student := range students {
			if !student.IsActive() {
				continue
			}

			dueAt, current, err := ResolveDeadline(section, assignment, student)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			plan, err := PlanLateRegistrationOverride(section, assignment, student, extensionDays, dueAt, current)
			if err != nil {
				failures = append(failures, fmt.Errorf("assignment %s: %w", assignment.Name, err))
				continue
			}

			if plan.Delete != nil {
				if _, seen := deleted[plan.Delete.ID]; !seen {
					deleted[plan.Delete.ID] = struct{}{}
					update.Delete = append(update.Delete, *plan.Delete)
				}
			}
			if plan.Create != nil {
				update.Create = append(update.Create, *plan.Create)
			}
		}
		updates = append(updates, update)
	}

	return updates, errors.Join(failures...)
}

func endOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}
