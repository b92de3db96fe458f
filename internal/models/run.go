package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run statuses recorded in the run ledger.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped"
)

// RunRecord is one execution of a flow against a course group or section.
type RunRecord struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Flow       string         `gorm:"size:32;index;not null" json:"flow"`
	Target     string         `gorm:"size:255;index;not null" json:"target"`
	Status     string         `gorm:"size:32;not null" json:"status"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	Summary    datatypes.JSON `json:"summary"`
	StartedAt  time.Time      `gorm:"index" json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// IsFinished reports whether the run has completed.
func (r RunRecord) IsFinished() bool {
	return r.FinishedAt != nil
}
