package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/workflow"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

// Flow names used for locks, the run ledger and events.
const (
	FlowAutoExtension = "autoext"
	FlowSnapshot      = "snapshot"
	FlowGrading       = "grading"
)

// FlowRunner runs the automation flows. Engine implements it.
type FlowRunner interface {
	RunAutoExtension(ctx context.Context, group, section string) (dto.RunSummary, error)
	RunSnapshots(ctx context.Context, group, section string) (dto.RunSummary, error)
	RunGrading(ctx context.Context, group string) (dto.RunSummary, error)
}

var _ FlowRunner = (*Engine)(nil)

// EngineDependencies bundles the collaborators of the engine. Lock, Runs and Events are optional.
type EngineDependencies struct {
	LMS        LearningManagementSystem
	Snapshots  SnapshotStore
	Executor   docker.Executor
	Gradebooks repository.GradebookOpener
	Runs       repository.RunRepository
	Lock       RunLock
	Events     *RunEvents
}

// Engine runs the automation flows against course groups and sections.
type Engine struct {
	lms        LearningManagementSystem
	snapshots  *SnapshotScheduler
	executor   docker.Executor
	gradebooks repository.GradebookOpener
	runs       repository.RunRepository
	lock       RunLock
	events     *RunEvents
	settings   Settings
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(deps EngineDependencies, settings Settings, logger zerolog.Logger) *Engine {
	var snapshots *SnapshotScheduler
	if deps.Snapshots != nil {
		snapshots = NewSnapshotScheduler(deps.Snapshots, logger)
	}
	return &Engine{
		lms:        deps.LMS,
		snapshots:  snapshots,
		executor:   deps.Executor,
		gradebooks: deps.Gradebooks,
		runs:       deps.Runs,
		lock:       deps.Lock,
		events:     deps.Events,
		settings:   settings,
		logger:     logger.With().Str("component", "engine").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/internal/service"),
		now:        time.Now,
	}
}

// runState accumulates the per-unit results of one flow run. Flows record from a single
// goroutine.
type runState struct {
	summary dto.RunSummary
	logger  zerolog.Logger
}

func (s *runState) succeed(n int) {
	s.summary.Succeeded += n
}

func (s *runState) skip(unit, reason string) {
	s.summary.Skipped++
	s.summary.Skips = append(s.summary.Skips, fmt.Sprintf("%s: %s", unit, reason))
	s.logger.Info().Str("unit", unit).Str("reason", reason).Msg("skipped")
}

func (s *runState) fail(unit string, err error) {
	s.summary.Failed++
	s.summary.Failures = append(s.summary.Failures, dto.SubmissionFailure{
		Flow:   s.summary.Flow,
		Target: s.summary.Target,
		Unit:   unit,
		Error:  err.Error(),
	})
	s.logger.Error().Err(err).Str("unit", unit).Msg("unit failed")
}

// failAll records each error joined into err as a separate failure.
func (s *runState) failAll(unit string, err error) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			s.failAll(unit, inner)
		}
		return
	}
	s.fail(unit, err)
}

func (s *runState) detail(key string, value any) {
	if s.summary.Details == nil {
		s.summary.Details = map[string]any{}
	}
	s.summary.Details[key] = value
}

// execute wraps a flow body with the run lock, the ledger, metrics, tracing and events. A run-scoped
// error from the body fails the whole run; unit failures only make it partial.
func (e *Engine) execute(ctx context.Context, flow, target string, body func(ctx context.Context, state *runState) error) (dto.RunSummary, error) {
	runID := uuid.NewString()
	logger := e.logger.With().Str("run_id", runID).Str("flow", flow).Str("target", target).Logger()
	state := &runState{
		summary: dto.RunSummary{RunID: runID, Flow: flow, Target: target, StartedAt: e.now().UTC()},
		logger:  logger,
	}

	ctx, span := e.tracer.Start(ctx, "engine."+flow, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.target", target),
	))
	defer span.End()

	if e.lock != nil {
		release, err := e.lock.Acquire(ctx, flow+":"+target)
		if err != nil {
			state.summary.Status = models.RunStatusSkipped
			state.summary.Error = err.Error()
			state.summary.FinishedAt = e.now().UTC()
			observability.FlowRuns().WithLabelValues(flow, models.RunStatusSkipped).Inc()
			if errors.Is(err, ErrRunInProgress) {
				logger.Info().Msg("another run holds the lock, skipping")
			} else {
				logger.Error().Err(err).Msg("failed to acquire run lock")
			}
			span.SetStatus(codes.Error, err.Error())
			return state.summary, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logger.Warn().Err(err).Msg("failed to release run lock")
			}
		}()
	}

	record := &models.RunRecord{ID: runID, Flow: flow, Target: target, Status: models.RunStatusRunning, StartedAt: state.summary.StartedAt}
	if e.runs != nil {
		if err := e.runs.Create(ctx, record); err != nil {
			logger.Warn().Err(err).Msg("failed to record run start")
		}
	}

	logger.Info().Msg("run started")
	runErr := body(ctx, state)

	summary := state.summary
	summary.FinishedAt = e.now().UTC()
	switch {
	case runErr != nil:
		summary.Status = models.RunStatusFailed
		summary.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error().Err(runErr).Msg("run failed")
	case summary.Failed > 0 || summary.Blocked > 0:
		summary.Status = models.RunStatusPartial
		logger.Warn().Int("failed", summary.Failed).Int("blocked", summary.Blocked).Msg("run finished with failures")
	default:
		summary.Status = models.RunStatusSucceeded
		logger.Info().Int("succeeded", summary.Succeeded).Int("skipped", summary.Skipped).Msg("run finished")
	}
	span.SetAttributes(
		attribute.String("run.status", summary.Status),
		attribute.Int("run.failed", summary.Failed),
	)

	observability.FlowRuns().WithLabelValues(flow, summary.Status).Inc()
	observability.FlowDuration().WithLabelValues(flow).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if e.runs != nil {
		record.Status = summary.Status
		record.Error = summary.Error
		finished := summary.FinishedAt
		record.FinishedAt = &finished
		if payload, err := json.Marshal(summary); err == nil {
			record.Summary = datatypes.JSON(payload)
		}
		if err := e.runs.Finish(context.WithoutCancel(ctx), record); err != nil {
			logger.Warn().Err(err).Msg("failed to record run result")
		}
	}
	e.events.PublishRun(summary)

	return summary, runErr
}

// sectionData is the LMS state of one section read at the start of a flow.
type sectionData struct {
	info        models.CourseSectionInfo
	students    []models.Student
	assignments []models.Assignment
}

func (e *Engine) loadSection(ctx context.Context, group, section string) (sectionData, error) {
	info, err := e.lms.GetCourseSectionInfo(ctx, section)
	if err != nil {
		return sectionData{}, fmt.Errorf("load section %s: %w", section, err)
	}
	students, err := e.lms.GetStudents(ctx, section)
	if err != nil {
		return sectionData{}, fmt.Errorf("load students of %s: %w", section, err)
	}
	assignments, err := e.lms.GetAssignments(ctx, group, section)
	if err != nil {
		return sectionData{}, fmt.Errorf("load assignments of %s: %w", section, err)
	}
	return sectionData{info: info, students: students, assignments: e.configuredAssignments(group, assignments)}, nil
}

// configuredAssignments keeps the assignments that have a grader roster in the group. Groups
// without a roster keep every assignment.
func (e *Engine) configuredAssignments(group string, assignments []models.Assignment) []models.Assignment {
	names := e.settings.AssignmentNames(group)
	if len(names) == 0 {
		return assignments
	}
	kept := make([]models.Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		if _, ok := names[assignment.Name]; ok {
			kept = append(kept, assignment)
		}
	}
	return kept
}

// RunAutoExtension keeps late-registration overrides of one section current. Per assignment, stale
// overrides are deleted before replacements are created so a student never holds two.
func (e *Engine) RunAutoExtension(ctx context.Context, group, section string) (dto.RunSummary, error) {
	return e.execute(ctx, FlowAutoExtension, section, func(ctx context.Context, state *runState) error {
		data, err := e.loadSection(ctx, group, section)
		if err != nil {
			return err
		}

		updates, err := ReconcileOverrides(data.info, data.assignments, data.students, e.settings.ExtensionDays)
		state.failAll(section, err)

		created, deleted := 0, 0
		for _, update := range updates {
			unit := update.Assignment.Name
			if update.IsEmpty() {
				state.skip(unit, "overrides are current")
				continue
			}

			if len(update.Delete) > 0 {
				if err := e.lms.DeleteOverrides(ctx, section, update.Assignment, update.Delete); err != nil {
					state.fail(unit, fmt.Errorf("delete overrides: %w", err))
					continue
				}
				deleted += len(update.Delete)
				observability.OverridesTotal().WithLabelValues("deleted").Add(float64(len(update.Delete)))
			}
			if len(update.Create) > 0 {
				result, err := e.lms.CreateOverrides(ctx, section, update.Assignment, update.Create)
				if err != nil {
					state.fail(unit, fmt.Errorf("create overrides: %w", err))
					continue
				}
				created += len(result)
				observability.OverridesTotal().WithLabelValues("created").Add(float64(len(result)))
			}
			state.logger.Info().Str("assignment", unit).Int("created", len(update.Create)).Int("deleted", len(update.Delete)).Msg("overrides reconciled")
			state.succeed(1)
		}

		state.detail("overrides_created", created)
		state.detail("overrides_deleted", deleted)
		return nil
	})
}

// RunSnapshots takes the past-due snapshots of one section and verifies them.
func (e *Engine) RunSnapshots(ctx context.Context, group, section string) (dto.RunSummary, error) {
	return e.execute(ctx, FlowSnapshot, section, func(ctx context.Context, state *runState) error {
		if e.snapshots == nil {
			return fmt.Errorf("%w: no snapshot store configured", ErrSnapshotStoreUnavailable)
		}

		data, err := e.loadSection(ctx, group, section)
		if err != nil {
			return err
		}

		report, err := e.snapshots.Run(ctx, section, data.info, data.assignments, data.students)
		state.detail("snapshots", report)
		if errors.Is(err, ErrSnapshotStoreUnavailable) {
			return err
		}
		state.failAll(section, err)
		state.succeed(len(report.Requested) - len(report.Missing))
		return nil
	})
}

// gradingGate carries the completion decision of one assignment from its gate task to the feedback
// tasks that depend on it.
type gradingGate struct {
	complete map[string]bool
}

// RunGrading grades every configured assignment of a course group across its sections.
func (e *Engine) RunGrading(ctx context.Context, group string) (dto.RunSummary, error) {
	return e.execute(ctx, FlowGrading, group, func(ctx context.Context, state *runState) error {
		sectionNames := e.settings.Sections(group)
		if len(sectionNames) == 0 {
			return &InconsistentInputError{Reason: fmt.Sprintf("course group %s has no sections", group)}
		}

		infos := make([]models.CourseSectionInfo, 0, len(sectionNames))
		assignments := make([][]models.Assignment, 0, len(sectionNames))
		students := make([][]models.Student, 0, len(sectionNames))
		for _, name := range sectionNames {
			data, err := e.loadSection(ctx, group, name)
			if err != nil {
				return err
			}
			infos = append(infos, data.info)
			assignments = append(assignments, data.assignments)
			students = append(students, data.students)
		}

		sets, err := BuildSubmissionSets(infos, assignments, students)
		if err != nil {
			return err
		}

		now := e.now()
		prepared := e.prepareSets(ctx, group, sets, now, state)
		if len(prepared) == 0 {
			return nil
		}

		graph, err := e.gradingGraph(ctx, prepared, now)
		if err != nil {
			return err
		}
		report, err := graph.Run(ctx, e.settings.Workers)
		if err != nil {
			return err
		}
		e.recordGraph(report, state)

		statuses := map[string]int{}
		for _, set := range prepared {
			for _, s := range set.submissions {
				statuses[s.Status.String()]++
			}
		}
		state.detail("submission_statuses", statuses)
		return nil
	})
}

// preparedSet is an assignment ready for the grading graph: deadlines resolved and graders pinned.
type preparedSet struct {
	name        string
	graders     []*models.Grader
	submissions []*models.Submission
}

func (e *Engine) prepareSets(ctx context.Context, group string, sets []SubmissionSet, now time.Time, state *runState) []preparedSet {
	prepared := make([]preparedSet, 0, len(sets))
	for _, set := range sets {
		latest, ok := set.LatestDueAt()
		if !ok {
			state.skip(set.AssignmentName, "no due date")
			continue
		}
		if latest.After(now) {
			state.skip(set.AssignmentName, "due "+latest.Format(time.RFC3339))
			continue
		}

		if err := e.applyGradeInfo(ctx, group, set); err != nil {
			state.fail(set.AssignmentName, err)
			continue
		}
		if set.AllGradesPosted() {
			state.skip(set.AssignmentName, "all grades posted")
			continue
		}

		if err := resolveDeadlines(set.Submissions); err != nil {
			state.failAll(set.AssignmentName, err)
			continue
		}
		if len(set.Submissions) == 0 {
			continue
		}

		graders, err := BuildGradingTeam(e.settings, group, set.AssignmentName)
		if err != nil {
			state.fail(set.AssignmentName, err)
			continue
		}
		if err := AssignGraders(e.settings, set.Submissions, graders); err != nil {
			state.fail(set.AssignmentName, err)
			continue
		}

		prepared = append(prepared, preparedSet{name: set.AssignmentName, graders: graders, submissions: set.Submissions})
	}
	return prepared
}

// resolveDeadlines fills in the due date, override and snapshot name of every submission. Any
// failure fails the whole assignment: the completion gate only holds when it sees every submission.
func resolveDeadlines(submissions []*models.Submission) error {
	var failures []error
	for _, s := range submissions {
		dueAt, override, err := ResolveDeadline(s.Section, s.Assignment, s.Student)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		s.DueAt = dueAt
		s.Override = override
		s.SnapshotName = models.NewSnapshotSpec(s.Section.Name, s.Assignment, s.Student.ID, override, dueAt).Name
	}
	return errors.Join(failures...)
}

func (e *Engine) applyGradeInfo(ctx context.Context, group string, set SubmissionSet) error {
	for _, sa := range set.Sections {
		grades, err := e.lms.GetSubmissions(ctx, group, sa.Section.Name, sa.Assignment)
		if err != nil {
			return fmt.Errorf("load grades of %s in %s: %w", set.AssignmentName, sa.Section.Name, err)
		}
		byStudent := make(map[string]models.GradeInfo, len(grades))
		for _, grade := range grades {
			byStudent[grade.StudentID] = grade
		}
		for _, s := range set.Submissions {
			if s.Section.Name != sa.Section.Name {
				continue
			}
			if grade, ok := byStudent[s.Student.ID]; ok {
				s.ApplyGradeInfo(grade)
			}
		}
	}
	return nil
}

// gradingGraph wires the per-submission stages. Solutions and grading of a submission wait for
// its grader to be prepared; feedback waits for the assignment's completion gate, which runs once
// every grading task of the assignment finished; release waits for feedback.
func (e *Engine) gradingGraph(ctx context.Context, sets []preparedSet, now time.Time) (*workflow.Graph, error) {
	pipeline := NewGradingPipeline(e.lms, e.executor, e.gradebooks, e.settings, e.logger)
	pipeline.now = e.now
	preparer := NewGraderPreparer(e.executor, e.settings, e.logger)

	var all []*models.Submission
	for _, set := range sets {
		all = append(all, set.submissions...)
	}
	fractions := PastDueFractions(all, now)

	graph := workflow.NewGraph()
	for _, set := range sets {
		set := set
		for _, grader := range set.graders {
			grader := grader
			if err := graph.Add(workflow.Task{
				ID:  prepareTaskID(set.name, grader.Name),
				Run: func(ctx context.Context) error { return preparer.Prepare(ctx, grader).TaskError() },
			}); err != nil {
				return nil, err
			}
		}

		gate := &gradingGate{}
		gateDeps := make([]string, 0, len(set.submissions))
		for _, s := range set.submissions {
			s := s
			prepareID := prepareTaskID(set.name, s.Grader.Name)
			tasks := []workflow.Task{
				{
					ID:        "solution:" + s.Name,
					DependsOn: []string{prepareID},
					Run:       func(ctx context.Context) error { return pipeline.ReturnSolution(ctx, s, fractions).TaskError() },
				},
				{
					ID:        "grade:" + s.Name,
					DependsOn: []string{prepareID},
					Run:       func(ctx context.Context) error { return pipeline.Grade(ctx, s).TaskError() },
				},
				{
					ID:        "feedback:" + s.Name,
					DependsOn: []string{"gate:" + set.name},
					Run:       func(ctx context.Context) error { return pipeline.Feedback(ctx, s, gate.complete).TaskError() },
				},
				{
					ID:        "release:" + s.Name,
					DependsOn: []string{"feedback:" + s.Name},
					Run:       func(ctx context.Context) error { return pipeline.Release(ctx, s, fractions).TaskError() },
				},
			}
			for _, task := range tasks {
				if err := graph.Add(task); err != nil {
					return nil, err
				}
			}
			gateDeps = append(gateDeps, "grade:"+s.Name)
		}

		submissions := set.submissions
		name := set.name
		if err := graph.Add(workflow.Task{
			ID:        "gate:" + name,
			DependsOn: gateDeps,
			Trigger:   workflow.TriggerAllDone,
			Run: func(context.Context) error {
				gate.complete = CompleteAssignments([]string{name}, submissions)
				if !gate.complete[name] {
					return workflow.Skip(fmt.Sprintf("assignment %s is not done grading", name))
				}
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

func prepareTaskID(assignment, grader string) string {
	return "prepare:" + assignment + ":" + grader
}

func (e *Engine) recordGraph(report *workflow.Report, state *runState) {
	for _, result := range report.Results() {
		switch result.Status {
		case workflow.StatusSucceeded:
			state.succeed(1)
		case workflow.StatusSkipped:
			state.summary.Skipped++
			if result.Reason != "" && !strings.HasPrefix(result.ID, "gate:") {
				state.summary.Skips = append(state.summary.Skips, fmt.Sprintf("%s: %s", result.ID, result.Reason))
			}
		case workflow.StatusFailed:
			state.fail(result.ID, result.Err)
		case workflow.StatusBlocked:
			state.summary.Blocked++
			blockers := append([]string(nil), result.BlockedBy...)
			sort.Strings(blockers)
			state.logger.Warn().Str("unit", result.ID).Strs("blocked_by", blockers).Msg("unit blocked")
		}
	}
}
