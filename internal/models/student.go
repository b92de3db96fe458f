package models

import (
	"fmt"
	"time"
)

// StudentStatusActive marks an enrolled student taking part in grading and extensions.
const StudentStatusActive = "active"

// Student represents an enrolled learner in one course section.
type Student struct {
	ID           string     `json:"id" validate:"required"`
	Name         string     `json:"name"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	Status       string     `json:"status" validate:"required"`
}

// NewStudent validates the supplied student record.
func NewStudent(s Student) (Student, error) {
	if err := validate.Struct(s); err != nil {
		return Student{}, err
	}
	return s, nil
}

// IsActive reports whether the student participates in grading and extension logic.
func (s Student) IsActive() bool {
	return s.Status == StudentStatusActive
}

// CourseSectionInfo describes the section-level facts used to validate assignment schedules.
type CourseSectionInfo struct {
	ID       string    `json:"id" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	TimeZone string    `json:"time_zone" validate:"required,timezone"`
	StartAt  time.Time `json:"start_at" validate:"required"`
}

// NewCourseSectionInfo validates the supplied section information.
func NewCourseSectionInfo(c CourseSectionInfo) (CourseSectionInfo, error) {
	if err := validate.Struct(c); err != nil {
		return CourseSectionInfo{}, err
	}
	return c, nil
}

// Location resolves the section's time zone.
func (c CourseSectionInfo) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("section %s time zone %q: %w", c.Name, c.TimeZone, err)
	}
	return loc, nil
}
