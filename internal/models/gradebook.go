package models

// The gradebook tables follow the layout the grading toolchain writes into each grader's
// gradebook.db, reduced to the columns the engine reads.

// GradebookAssignment is an assignment known to a grader's gradebook.
type GradebookAssignment struct {
	ID   string `gorm:"primaryKey;size:32"`
	Name string `gorm:"size:128;uniqueIndex;not null"`
}

// TableName matches the toolchain's table.
func (GradebookAssignment) TableName() string { return "assignment" }

// GradebookStudent is a student known to a grader's gradebook.
type GradebookStudent struct {
	ID string `gorm:"primaryKey;size:128"`
}

// TableName matches the toolchain's table.
func (GradebookStudent) TableName() string { return "student" }

// GradebookSubmission is a submitted assignment of one student.
type GradebookSubmission struct {
	ID           string `gorm:"primaryKey;size:32"`
	AssignmentID string `gorm:"size:32;index;not null"`
	StudentID    string `gorm:"size:128;index;not null"`
}

// TableName matches the toolchain's table.
func (GradebookSubmission) TableName() string { return "submitted_assignment" }

// GradebookNotebook is one notebook of a submitted assignment.
type GradebookNotebook struct {
	ID           string `gorm:"primaryKey;size:32"`
	AssignmentID string `gorm:"size:32;index;not null"`
	NotebookID   string `gorm:"size:32"`
}

// TableName matches the toolchain's table.
func (GradebookNotebook) TableName() string { return "submitted_notebook" }

// GradebookGrade is the grade of one graded cell.
type GradebookGrade struct {
	ID               string   `gorm:"primaryKey;size:32"`
	Name             string   `gorm:"size:128"`
	NotebookID       string   `gorm:"size:32;index;not null"`
	AutoScore        *float64 `gorm:"column:auto_score"`
	ManualScore      *float64 `gorm:"column:manual_score"`
	ExtraCredit      *float64 `gorm:"column:extra_credit"`
	NeedsManualGrade bool     `gorm:"column:needs_manual_grade;not null;default:false"`
}

// TableName matches the toolchain's table.
func (GradebookGrade) TableName() string { return "grade" }

// Score is the grade's effective score: the manual score when set, else the automatic score.
func (g GradebookGrade) Score() float64 {
	score := 0.0
	switch {
	case g.ManualScore != nil:
		score = *g.ManualScore
	case g.AutoScore != nil:
		score = *g.AutoScore
	}
	if g.ExtraCredit != nil {
		score += *g.ExtraCredit
	}
	return score
}

// GradebookModels lists the gradebook tables, for migrations in tests and fresh grader folders.
func GradebookModels() []interface{} {
	return []interface{}{&GradebookAssignment{}, &GradebookStudent{}, &GradebookSubmission{}, &GradebookNotebook{}, &GradebookGrade{}}
}

// GradebookEntry summarises a student's submission in a grader's gradebook.
type GradebookEntry struct {
	Assignment       string
	Student          string
	Score            float64
	NeedsManualGrade bool
}
