package models

import (
	"time"

	"gorm.io/datatypes"
)

// SectionRecord mirrors an LMS course section.
type SectionRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	LMSID     string    `gorm:"column:lms_id;size:64;not null" json:"lms_id"`
	TimeZone  string    `gorm:"size:64;not null" json:"time_zone"`
	StartAt   time.Time `gorm:"not null" json:"start_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the mirror table name.
func (SectionRecord) TableName() string { return "course_sections" }

// StudentRecord mirrors an enrolment in a course section.
type StudentRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	SectionName  string     `gorm:"size:128;index;not null" json:"section_name"`
	LMSID        string     `gorm:"column:lms_id;size:64;not null" json:"lms_id"`
	Name         string     `gorm:"size:255" json:"name"`
	RegisteredAt *time.Time `json:"registered_at"`
	Status       string     `gorm:"size:32;not null" json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName pins the mirror table name.
func (StudentRecord) TableName() string { return "course_students" }

// AssignmentRecord mirrors an assignment of a course section.
type AssignmentRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	SectionName string     `gorm:"size:128;index;not null" json:"section_name"`
	LMSID       string     `gorm:"column:lms_id;size:64;not null" json:"lms_id"`
	Name        string     `gorm:"size:255;not null" json:"name"`
	UnlockAt    *time.Time `json:"unlock_at"`
	DueAt       *time.Time `json:"due_at"`
	LockAt      *time.Time `json:"lock_at"`
	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName pins the mirror table name.
func (AssignmentRecord) TableName() string { return "course_assignments" }

// OverrideRecord mirrors a schedule override. StudentIDs holds a JSON array of student ids.
type OverrideRecord struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	SectionName     string         `gorm:"size:128;index;not null" json:"section_name"`
	AssignmentLMSID string         `gorm:"column:assignment_lms_id;size:64;index;not null" json:"assignment_lms_id"`
	LMSID           string         `gorm:"column:lms_id;size:64;uniqueIndex;not null" json:"lms_id"`
	Title           string         `gorm:"size:255" json:"title"`
	StudentIDs      datatypes.JSON `json:"student_ids"`
	UnlockAt        *time.Time     `json:"unlock_at"`
	DueAt           *time.Time     `json:"due_at"`
	LockAt          *time.Time     `json:"lock_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName pins the mirror table name.
func (OverrideRecord) TableName() string { return "course_overrides" }

// GradeRecord mirrors the LMS gradebook entry of one student for one assignment.
type GradeRecord struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SectionName     string     `gorm:"size:128;index;not null" json:"section_name"`
	AssignmentLMSID string     `gorm:"column:assignment_lms_id;size:64;index;not null" json:"assignment_lms_id"`
	StudentLMSID    string     `gorm:"column:student_lms_id;size:64;index;not null" json:"student_lms_id"`
	Score           *float64   `json:"score"`
	PostedAt        *time.Time `json:"posted_at"`
	Late            bool       `json:"late"`
	Missing         bool       `json:"missing"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName pins the mirror table name.
func (GradeRecord) TableName() string { return "course_grades" }

// CourseMirrorModels lists the tables backing the course mirror, for migrations.
func CourseMirrorModels() []interface{} {
	return []interface{}{&SectionRecord{}, &StudentRecord{}, &AssignmentRecord{}, &OverrideRecord{}, &GradeRecord{}}
}
