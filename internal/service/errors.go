package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/gema-grader/internal/repository"
)

var (
	// ErrRunInProgress indicates another engine already holds the lock for the flow and target.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrNoGraders indicates no grader roster is configured for an assignment.
	ErrNoGraders = errors.New("no graders configured")
	// ErrSnapshotStoreUnavailable marks snapshot passes that could not reach the store at all.
	ErrSnapshotStoreUnavailable = errors.New("snapshot store unavailable")
	// ErrMissingEntry is the grading database's "missing entry" outcome.
	ErrMissingEntry = repository.ErrMissingEntry
)

// InvalidScheduleError reports missing or stale assignment dates. It is a hard failure because it
// indicates corrupted course data, typically dates copied from a previous term.
type InvalidScheduleError struct {
	Assignment  string
	UnlockAt    *time.Time
	DueAt       *time.Time
	CourseStart time.Time
	Reason      string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule for assignment %s: %s (unlock %s, due %s, course start %s)",
		e.Assignment, e.Reason, formatTime(e.UnlockAt), formatTime(e.DueAt), e.CourseStart.Format(time.RFC3339))
}

// MissingRegistrationError reports a student without a registration date.
type MissingRegistrationError struct {
	StudentID   string
	StudentName string
}

func (e *MissingRegistrationError) Error() string {
	return fmt.Sprintf("missing registration date for student %s (%s)", e.StudentName, e.StudentID)
}

// InconsistentInputError reports structurally inconsistent input. It aborts the whole run before
// anything is mutated.
type InconsistentInputError struct {
	Reason string
}

func (e *InconsistentInputError) Error() string {
	return "inconsistent input: " + e.Reason
}

// SnapshotVerificationError lists snapshots that were requested but are absent on re-query.
type SnapshotVerificationError struct {
	Missing []string
}

func (e *SnapshotVerificationError) Error() string {
	return fmt.Sprintf("%d requested snapshots not present after re-query: %s", len(e.Missing), strings.Join(e.Missing, ", "))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}
