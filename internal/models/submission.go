package models

import "time"

// GradingStatus is a submission's position in the collect → grade → release pipeline.
type GradingStatus int

// Grading statuses in pipeline order. A submission only moves forward within a run.
const (
	GradingStatusAssigned GradingStatus = iota
	GradingStatusNotDue
	GradingStatusMissing
	GradingStatusCollected
	GradingStatusPrepared
	GradingStatusAutograded
	GradingStatusNeedsManualGrade
	GradingStatusDoneGrading
	GradingStatusFeedbackGenerated
	GradingStatusGradeUploaded
)

var gradingStatusNames = map[GradingStatus]string{
	GradingStatusAssigned:          "assigned",
	GradingStatusNotDue:            "not_due",
	GradingStatusMissing:           "missing",
	GradingStatusCollected:         "collected",
	GradingStatusPrepared:          "prepared",
	GradingStatusAutograded:        "autograded",
	GradingStatusNeedsManualGrade:  "needs_manual_grade",
	GradingStatusDoneGrading:       "done_grading",
	GradingStatusFeedbackGenerated: "feedback_generated",
	GradingStatusGradeUploaded:     "grade_uploaded",
}

func (s GradingStatus) String() string {
	if name, ok := gradingStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsGradingComplete reports whether the status counts towards assignment-wide completion.
func (s GradingStatus) IsGradingComplete() bool {
	switch s {
	case GradingStatusMissing, GradingStatusDoneGrading, GradingStatusFeedbackGenerated, GradingStatusGradeUploaded:
		return true
	default:
		return false
	}
}

// GradeInfo is the LMS-side view of a student's submission for one assignment.
type GradeInfo struct {
	AssignmentID string     `json:"assignment_id"`
	StudentID    string     `json:"student_id"`
	Score        *float64   `json:"score,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	Late         bool       `json:"late"`
	Missing      bool       `json:"missing"`
}

// Submission pairs one assignment with one student for the duration of a grading run.
type Submission struct {
	Name       string
	Section    CourseSectionInfo
	Assignment Assignment
	Student    Student
	Grader     *Grader

	DueAt    time.Time
	Override *Override

	SnapshotName        string
	SnapshotPath        string
	AttachedFolder      string
	CollectedPath       string
	AutogradedPath      string
	FeedbackPath        string
	StudentSolutionPath string
	StudentFeedbackPath string

	Score    *float64
	PostedAt *time.Time
	Late     bool
	Missing  bool

	Status GradingStatus
}

// Advance moves the submission to the next status. Moves that would go backwards are ignored
// and reported as false.
func (s *Submission) Advance(next GradingStatus) bool {
	if next < s.Status {
		return false
	}
	s.Status = next
	return true
}

// ApplyGradeInfo copies LMS-side grade facts onto the submission.
func (s *Submission) ApplyGradeInfo(info GradeInfo) {
	s.Score = info.Score
	s.PostedAt = info.PostedAt
	s.Late = info.Late
	s.Missing = info.Missing
}
