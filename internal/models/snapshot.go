package models

import (
	"strings"
	"time"
)

// SnapshotSpec names a snapshot that must exist once a submission is past due.
type SnapshotSpec struct {
	Name           string    `json:"name"`
	AssignmentID   string    `json:"assignment_id"`
	AssignmentName string    `json:"assignment_name"`
	StudentID      string    `json:"student_id,omitempty"`
	OverrideID     string    `json:"override_id,omitempty"`
	DueAt          time.Time `json:"due_at"`
}

// IsCourseWide reports whether the snapshot covers every student dataset of the section.
func (s SnapshotSpec) IsCourseWide() bool {
	return s.StudentID == ""
}

// NewSnapshotSpec derives the deterministic snapshot name for an assignment and, when the student
// has an applicable override, for that student and override. Students on the base deadline share
// the course-wide snapshot.
func NewSnapshotSpec(course string, assignment Assignment, studentID string, override *Override, dueAt time.Time) SnapshotSpec {
	parts := []string{course, assignment.Name, assignment.ID}
	spec := SnapshotSpec{
		AssignmentID:   assignment.ID,
		AssignmentName: assignment.Name,
		DueAt:          dueAt,
	}
	if override != nil {
		parts = append(parts, studentID, "override", override.ID)
		spec.StudentID = studentID
		spec.OverrideID = override.ID
	}
	spec.Name = snapshotName(parts)
	return spec
}

func snapshotName(parts []string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		cleaned = append(cleaned, strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == '_', r == '.', r == ':':
				return r
			default:
				return '_'
			}
		}, part))
	}
	return strings.Join(cleaned, "-")
}
