package service

import (
	"fmt"

	"github.com/noah-isme/gema-grader/internal/workflow"
)

// OutcomeKind tags the result of a pipeline stage.
type OutcomeKind int

const (
	// OutcomeContinue lets the submission move on to the next stage.
	OutcomeContinue OutcomeKind = iota
	// OutcomeSkip halts the submission's pipeline for this run without counting as an error.
	OutcomeSkip
	// OutcomeFail abandons the submission for the rest of the run.
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeSkip:
		return "skip"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result every stage returns. Stages mutate the submission in place, so the
// continue case carries no value.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Continue builds a continue outcome.
func Continue() Outcome {
	return Outcome{Kind: OutcomeContinue}
}

// Skip builds a skip outcome with a formatted reason.
func Skip(format string, args ...interface{}) Outcome {
	return Outcome{Kind: OutcomeSkip, Reason: fmt.Sprintf(format, args...)}
}

// Fail builds a failure outcome.
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFail, Err: err}
}

// Failf builds a failure outcome from a formatted message. %w verbs wrap as with fmt.Errorf.
func Failf(format string, args ...interface{}) Outcome {
	return Fail(fmt.Errorf(format, args...))
}

// IsContinue reports whether the pipeline may go on.
func (o Outcome) IsContinue() bool {
	return o.Kind == OutcomeContinue
}

// TaskError converts the outcome for the task graph: nil on continue, a skip signal on skip and
// the failure otherwise.
func (o Outcome) TaskError() error {
	switch o.Kind {
	case OutcomeContinue:
		return nil
	case OutcomeSkip:
		return workflow.Skip(o.Reason)
	default:
		if o.Err == nil {
			return fmt.Errorf("stage failed")
		}
		return o.Err
	}
}

// Chain runs stages in order and stops at the first outcome that is not continue.
func Chain(stages ...func() Outcome) Outcome {
	for _, stage := range stages {
		if outcome := stage(); !outcome.IsContinue() {
			return outcome
		}
	}
	return Continue()
}
