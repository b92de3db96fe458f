package service

import (
	"context"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// LearningManagementSystem is the course-side collaborator. Calls are keyed by section name and
// assignment identity. Results are re-queried every run rather than cached.
type LearningManagementSystem interface {
	GetCourseSectionInfo(ctx context.Context, section string) (models.CourseSectionInfo, error)
	GetStudents(ctx context.Context, section string) ([]models.Student, error)
	GetAssignments(ctx context.Context, group, section string) ([]models.Assignment, error)
	GetSubmissions(ctx context.Context, group, section string, assignment models.Assignment) ([]models.GradeInfo, error)
	UpdateGrade(ctx context.Context, section string, grade models.GradeInfo) error
	UpdateOverride(ctx context.Context, section string, assignment models.Assignment, override models.Override) error
	CreateOverrides(ctx context.Context, section string, assignment models.Assignment, overrides []models.Override) ([]models.Override, error)
	DeleteOverrides(ctx context.Context, section string, assignment models.Assignment, overrides []models.Override) error
}

// SnapshotStore is the content snapshot collaborator. Every Open returns a session owned by the
// caller, so concurrent runs never share one.
type SnapshotStore interface {
	Open(ctx context.Context) (SnapshotSession, error)
}

// SnapshotSession lists and takes snapshots. Snapshot names are the idempotency key.
type SnapshotSession interface {
	ListSnapshots(ctx context.Context) ([]string, error)
	TakeSnapshot(ctx context.Context, spec models.SnapshotSpec) error
	Close() error
}

// EventPublisher delivers run reports to downstream notifiers.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// Settings is the per-run configuration threaded explicitly through every flow.
type Settings struct {
	// CourseGroups maps a course group to its section names.
	CourseGroups map[string][]string
	// Rosters maps a course group to assignment names and the grader users working them.
	Rosters map[string]map[string][]string

	ExtensionDays           int
	ReturnSolutionThreshold float64
	EarliestReturnAt        time.Time

	GraderRoot       string
	NbgraderPath     string
	SubmittedFolder  string
	AutogradedFolder string
	FeedbackFolder   string
	ReleaseFolder    string
	SourceFolder     string

	StudentFolderPrefix          string
	StudentLocalAssignmentFolder string
	AttachedStudentRoot          string

	// GraderUID and GraderGID own copied artifacts. Negative values leave ownership untouched.
	GraderUID int
	GraderGID int

	BindTarget string
	Workers    int
}

// Sections returns the section names of a course group.
func (s Settings) Sections(group string) []string {
	return s.CourseGroups[group]
}

// AssignmentNames returns the configured assignments of a course group.
func (s Settings) AssignmentNames(group string) map[string]struct{} {
	names := map[string]struct{}{}
	for name := range s.Rosters[group] {
		names[name] = struct{}{}
	}
	return names
}

// StudentFolder is the folder name the grading toolchain uses for a student.
func (s Settings) StudentFolder(studentID string) string {
	return s.StudentFolderPrefix + studentID
}
