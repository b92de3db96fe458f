package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionFailure reports one unit of work abandoned for the rest of a run.
type SubmissionFailure struct {
	Flow   string `json:"flow"`
	Target string `json:"target"`
	Unit   string `json:"unit"`
	Error  string `json:"error"`
}

// RunSummary is the outcome of one flow run, stored in the run ledger and published to notifiers.
type RunSummary struct {
	RunID      string              `json:"run_id"`
	Flow       string              `json:"flow"`
	Target     string              `json:"target"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Succeeded  int                 `json:"succeeded"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	Blocked    int                 `json:"blocked"`
	Skips      []string            `json:"skips,omitempty"`
	Failures   []SubmissionFailure `json:"failures,omitempty"`
	Details    map[string]any      `json:"details,omitempty"`
}

// RunFilter describes query string filters for listing runs.
type RunFilter struct {
	Flow  string `query:"flow" validate:"omitempty,oneof=autoext snapshot grading"`
	Limit int    `query:"limit" validate:"omitempty,gte=1,lte=200"`
}

// RunResponse is returned to API clients when viewing the run ledger.
type RunResponse struct {
	ID         string          `json:"id"`
	Flow       string          `json:"flow"`
	Target     string          `json:"target"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewRunResponse maps a ledger record to its API representation.
func NewRunResponse(record models.RunRecord) RunResponse {
	resp := RunResponse{
		ID:         record.ID,
		Flow:       record.Flow,
		Target:     record.Target,
		Status:     record.Status,
		Error:      record.Error,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
	}
	if len(record.Summary) > 0 {
		resp.Summary = json.RawMessage(record.Summary)
	}
	return resp
}

// NewRunResponseSlice maps ledger records to API representations.
func NewRunResponseSlice(records []models.RunRecord) []RunResponse {
	out := make([]RunResponse, 0, len(records))
	for _, record := range records {
		out = append(out, NewRunResponse(record))
	}
	return out
}

// TriggerRunRequest asks the engine to run a flow outside its schedule.
type TriggerRunRequest struct {
	Flow    string `json:"flow" validate:"required,oneof=autoext snapshot grading"`
	Group   string `json:"group" validate:"required"`
	Section string `json:"section" validate:"required_unless=Flow grading"`
}
