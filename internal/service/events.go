package service

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
)

// RunEvents publishes run summaries and submission failures for downstream notifiers.
type RunEvents struct {
	publisher EventPublisher
	prefix    string
	logger    zerolog.Logger
}

// NewRunEvents constructs a RunEvents. A nil publisher disables publishing.
func NewRunEvents(publisher EventPublisher, prefix string, logger zerolog.Logger) *RunEvents {
	if prefix == "" {
		prefix = "gema.grader"
	}
	return &RunEvents{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With().Str("component", "run_events").Logger(),
	}
}

// PublishRun sends the summary on <prefix>.runs.<flow> and each failure on <prefix>.failures.
// Delivery problems are logged; they never fail a run.
func (e *RunEvents) PublishRun(summary dto.RunSummary) {
	if e == nil || e.publisher == nil {
		return
	}

	e.publish(fmt.Sprintf("%s.runs.%s", e.prefix, summary.Flow), summary)
	for _, failure := range summary.Failures {
		e.publish(e.prefix+".failures", failure)
	}
}

func (e *RunEvents) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("subject", subject).Msg("failed to encode event")
		return
	}
	if err := e.publisher.Publish(subject, data); err != nil {
		e.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}
