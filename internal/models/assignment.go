package models

import (
	"sort"
	"time"
)

// Override is a per-student exception to an assignment's unlock/due/lock schedule.
type Override struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	StudentIDs []string   `json:"student_ids" validate:"required,min=1,dive,required"`
	UnlockAt   *time.Time `json:"unlock_at,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	LockAt     *time.Time `json:"lock_at,omitempty"`
}

// AppliesTo reports whether the override targets the given student.
func (o Override) AppliesTo(studentID string) bool {
	for _, id := range o.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// Assignment is an LMS assignment as seen by one course section during a scheduling cycle.
type Assignment struct {
	ID        string              `json:"id" validate:"required"`
	Name      string              `json:"name" validate:"required"`
	UnlockAt  *time.Time          `json:"unlock_at,omitempty"`
	DueAt     *time.Time          `json:"due_at,omitempty"`
	LockAt    *time.Time          `json:"lock_at,omitempty"`
	Published bool                `json:"published"`
	Overrides map[string]Override `json:"overrides" validate:"dive"`
}

// NewAssignment validates the supplied assignment before it enters a run.
func NewAssignment(a Assignment) (Assignment, error) {
	if a.Overrides == nil {
		a.Overrides = map[string]Override{}
	}
	if err := validate.Struct(a); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// SortedOverrides returns the overrides ordered by identifier so callers iterate deterministically.
func (a Assignment) SortedOverrides() []Override {
	ids := make([]string, 0, len(a.Overrides))
	for id := range a.Overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	overrides := make([]Override, 0, len(ids))
	for _, id := range ids {
		overrides = append(overrides, a.Overrides[id])
	}
	return overrides
}

// IsPastDue returns true when the base deadline has already passed.
func (a Assignment) IsPastDue(reference time.Time) bool {
	return a.DueAt != nil && reference.After(*a.DueAt)
}
