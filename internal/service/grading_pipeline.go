package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/docker"
	"github.com/noah-isme/gema-grader/pkg/notebook"
)

// GradingPipeline drives submissions through collect, clean, autograde, manual grading, feedback,
// upload and return. Each stage returns an Outcome and mutates the submission in place.
type GradingPipeline struct {
	lms        LearningManagementSystem
	executor   docker.Executor
	gradebooks repository.GradebookOpener
	settings   Settings
	logger     zerolog.Logger
	now        func() time.Time
}

// NewGradingPipeline constructs a GradingPipeline.
func NewGradingPipeline(lms LearningManagementSystem, executor docker.Executor, gradebooks repository.GradebookOpener, settings Settings, logger zerolog.Logger) *GradingPipeline {
	return &GradingPipeline{
		lms:        lms,
		executor:   executor,
		gradebooks: gradebooks,
		settings:   settings,
		logger:     logger.With().Str("component", "grading_pipeline").Logger(),
		now:        time.Now,
	}
}

func (p *GradingPipeline) submissionLogger(s *models.Submission) *zerolog.Logger {
	ctx := p.logger.With().Str("submission", s.Name).Str("assignment", s.Assignment.Name).Str("student", s.Student.ID)
	if s.Grader != nil {
		ctx = ctx.Str("grader", s.Grader.Name)
	}
	logger := ctx.Logger()
	return &logger
}

// Grade runs collect, clean, autograde and the manual grading gate in order.
func (p *GradingPipeline) Grade(ctx context.Context, s *models.Submission) Outcome {
	return p.observe("grade", Chain(
		func() Outcome { return p.Collect(ctx, s) },
		func() Outcome { return p.Clean(ctx, s) },
		func() Outcome { return p.Autograde(ctx, s) },
		func() Outcome { return p.AwaitManualGrade(ctx, s) },
	))
}

// Collect copies the snapshotted notebook into the grader's folder once the submission is due.
// Submissions with neither a collected nor a snapshotted notebook are missing: their score is
// forced to zero and pushed immediately. A recorded score of zero is not pushed again; any other
// recorded score is overwritten.
func (p *GradingPipeline) Collect(ctx context.Context, s *models.Submission) Outcome {
	logger := p.submissionLogger(s)

	if p.now().Before(s.DueAt) {
		s.Advance(models.GradingStatusNotDue)
		return Skip("submission %s is due in the future (%s)", s.Name, s.DueAt.Format(time.RFC3339))
	}

	if fileExists(s.CollectedPath) {
		s.Advance(models.GradingStatusCollected)
		return Continue()
	}

	if !fileExists(s.SnapshotPath) {
		s.Advance(models.GradingStatusMissing)
		if s.Score != nil && *s.Score == 0 {
			return Skip("submission %s is missing and already scored 0", s.Name)
		}
		zero := 0.0
		if err := p.lms.UpdateGrade(ctx, s.Section.Name, models.GradeInfo{
			AssignmentID: s.Assignment.ID,
			StudentID:    s.Student.ID,
			Score:        &zero,
			Missing:      true,
		}); err != nil {
			return Failf("upload missing grade for %s: %w", s.Name, err)
		}
		s.Score = &zero
		logger.Info().Msg("submission missing, uploaded a score of 0")
		return Skip("submission %s is missing", s.Name)
	}

	if err := copyFile(s.SnapshotPath, s.CollectedPath, p.settings); err != nil {
		return Failf("collect %s: %w", s.Name, err)
	}
	s.Advance(models.GradingStatusCollected)
	logger.Info().Msg("submission collected")
	return Continue()
}

// Clean strips grading metadata from cells whose grade id duplicates an earlier cell.
func (p *GradingPipeline) Clean(_ context.Context, s *models.Submission) Outcome {
	removed, err := notebook.Sanitize(s.CollectedPath)
	if err != nil {
		return Failf("clean %s: %w", s.Name, err)
	}
	if len(removed) > 0 {
		p.submissionLogger(s).Info().Strs("grade_ids", removed).Msg("removed duplicated grading metadata")
	}
	s.Advance(models.GradingStatusPrepared)
	return Continue()
}

// Autograde runs the autograder unless the autograded notebook already exists.
func (p *GradingPipeline) Autograde(ctx context.Context, s *models.Submission) Outcome {
	if fileExists(s.AutogradedPath) {
		s.Advance(models.GradingStatusAutograded)
		return Continue()
	}

	if err := p.clearGradebookEntry(ctx, s); err != nil {
		return Failf("clear stale gradebook entry of %s: %w", s.Name, err)
	}

	if _, err := runGradingCommand(ctx, p.executor, p.settings, s.Grader,
		"nbgrader", "autograde", "--force",
		"--assignment="+s.Assignment.Name,
		"--student="+p.settings.StudentFolder(s.Student.ID)); err != nil {
		return Failf("autograde %s: %w", s.Name, err)
	}
	if !fileExists(s.AutogradedPath) {
		return Failf("autograde %s: expected output at %s", s.Name, s.AutogradedPath)
	}

	s.Advance(models.GradingStatusAutograded)
	p.submissionLogger(s).Info().Msg("submission autograded")
	return Continue()
}

func (p *GradingPipeline) clearGradebookEntry(ctx context.Context, s *models.Submission) error {
	gradebook, err := p.gradebooks.Open(ctx, s.Grader.Folder)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer gradebook.Close()

	err = gradebook.RemoveSubmission(ctx, s.Assignment.Name, p.settings.StudentFolder(s.Student.ID))
	if err != nil && !errors.Is(err, ErrMissingEntry) {
		return err
	}
	return nil
}

func (p *GradingPipeline) gradebookEntry(ctx context.Context, s *models.Submission) (models.GradebookEntry, error) {
	gradebook, err := p.gradebooks.Open(ctx, s.Grader.Folder)
	if err != nil {
		return models.GradebookEntry{}, err
	}
	defer gradebook.Close()

	return gradebook.FindSubmission(ctx, s.Assignment.Name, p.settings.StudentFolder(s.Student.ID))
}

// AwaitManualGrade holds submissions that still need manual grading.
func (p *GradingPipeline) AwaitManualGrade(ctx context.Context, s *models.Submission) Outcome {
	entry, err := p.gradebookEntry(ctx, s)
	if err != nil {
		return Failf("check manual grading of %s: %w", s.Name, err)
	}
	if entry.NeedsManualGrade {
		s.Advance(models.GradingStatusNeedsManualGrade)
		return Skip("submission %s is waiting for manual grading", s.Name)
	}
	s.Advance(models.GradingStatusDoneGrading)
	return Continue()
}

// AwaitCompletion holds a submission until every submission of its assignment is done grading.
func (p *GradingPipeline) AwaitCompletion(s *models.Submission, complete map[string]bool) Outcome {
	switch {
	case s.Status == models.GradingStatusMissing:
		return Skip("submission %s is missing", s.Name)
	case !complete[s.Assignment.Name]:
		return Skip("other submissions of %s are not done grading", s.Assignment.Name)
	case s.Status < models.GradingStatusDoneGrading:
		return Skip("submission %s is %s", s.Name, s.Status)
	}
	return Continue()
}

// GenerateFeedback renders the feedback document unless it already exists.
func (p *GradingPipeline) GenerateFeedback(ctx context.Context, s *models.Submission) Outcome {
	if fileExists(s.FeedbackPath) {
		s.Advance(models.GradingStatusFeedbackGenerated)
		return Continue()
	}

	if _, err := runGradingCommand(ctx, p.executor, p.settings, s.Grader,
		"nbgrader", "generate_feedback", "--force",
		"--assignment="+s.Assignment.Name,
		"--student="+p.settings.StudentFolder(s.Student.ID)); err != nil {
		return Failf("generate feedback for %s: %w", s.Name, err)
	}
	if !fileExists(s.FeedbackPath) {
		return Failf("generate feedback for %s: expected output at %s", s.Name, s.FeedbackPath)
	}

	s.Advance(models.GradingStatusFeedbackGenerated)
	return Continue()
}

// UploadGrade uploads the gradebook score as a percentage of the release notebook's points, unless a
// score is already recorded.
func (p *GradingPipeline) UploadGrade(ctx context.Context, s *models.Submission) Outcome {
	if s.Score != nil {
		s.Advance(models.GradingStatusGradeUploaded)
		return Skip("grade of %s already uploaded", s.Name)
	}

	entry, err := p.gradebookEntry(ctx, s)
	if err != nil {
		return Failf("read gradebook score of %s: %w", s.Name, err)
	}
	maxScore, err := notebook.MaxScore(s.Grader.ReleaseNotebookPath())
	if err != nil {
		return Failf("compute max score of %s: %w", s.Name, err)
	}
	if maxScore <= 0 {
		return Failf("compute max score of %s: release notebook has no points", s.Name)
	}

	pct := math.Round(10000*entry.Score/maxScore) / 100
	if err := p.lms.UpdateGrade(ctx, s.Section.Name, models.GradeInfo{
		AssignmentID: s.Assignment.ID,
		StudentID:    s.Student.ID,
		Score:        &pct,
	}); err != nil {
		return Failf("upload grade of %s: %w", s.Name, err)
	}

	s.Score = &pct
	s.Advance(models.GradingStatusGradeUploaded)
	p.submissionLogger(s).Info().Float64("score", entry.Score).Float64("max_score", maxScore).Float64("percent", pct).Msg("grade uploaded")
	return Continue()
}

// Returnable reports whether solutions and feedback of the submission may be returned: the
// student's own due date has passed, the assignment's past-due fraction exceeds the threshold and
// the earliest return time has passed.
func (p *GradingPipeline) Returnable(s *models.Submission, fractions map[string]float64) bool {
	now := p.now()
	return now.After(s.DueAt) &&
		fractions[s.Assignment.Name] > p.settings.ReturnSolutionThreshold &&
		now.After(p.settings.EarliestReturnAt)
}

// ReturnSolution copies the rendered solution into the student's folder.
func (p *GradingPipeline) ReturnSolution(_ context.Context, s *models.Submission, fractions map[string]float64) Outcome {
	return p.observe("return_solution", p.returnArtifact(s, fractions, s.Grader.SolutionPath, s.StudentSolutionPath, "solution"))
}

// ReturnFeedback copies the generated feedback into the student's folder.
func (p *GradingPipeline) ReturnFeedback(_ context.Context, s *models.Submission, fractions map[string]float64) Outcome {
	return p.observe("return_feedback", p.returnArtifact(s, fractions, s.FeedbackPath, s.StudentFeedbackPath, "feedback"))
}

func (p *GradingPipeline) returnArtifact(s *models.Submission, fractions map[string]float64, source, target, kind string) Outcome {
	if !p.Returnable(s, fractions) {
		return Skip("%s of %s not returnable yet (past due fraction %.2f, threshold %.2f)", kind, s.Name, fractions[s.Assignment.Name], p.settings.ReturnSolutionThreshold)
	}
	if fileExists(target) {
		return Skip("%s of %s already returned", kind, s.Name)
	}
	if !fileExists(s.AttachedFolder) {
		p.submissionLogger(s).Warn().Str("folder", s.AttachedFolder).Msgf("student folder does not exist, skipping %s return", kind)
		return Skip("student folder %s does not exist", s.AttachedFolder)
	}
	if err := copyFile(source, target, p.settings); err != nil {
		return Failf("return %s of %s: %w", kind, s.Name, err)
	}
	p.submissionLogger(s).Info().Msgf("%s returned", kind)
	return Continue()
}

// Release uploads the grade and returns feedback. An already uploaded grade does not hold back
// the feedback return; a failed upload does.
func (p *GradingPipeline) Release(ctx context.Context, s *models.Submission, fractions map[string]float64) Outcome {
	upload := p.observe("upload", p.UploadGrade(ctx, s))
	if upload.Kind == OutcomeFail {
		return upload
	}
	return p.ReturnFeedback(ctx, s, fractions)
}

// Feedback holds the submission at the completion gate and then generates its feedback.
func (p *GradingPipeline) Feedback(ctx context.Context, s *models.Submission, complete map[string]bool) Outcome {
	return p.observe("feedback", Chain(
		func() Outcome { return p.AwaitCompletion(s, complete) },
		func() Outcome { return p.GenerateFeedback(ctx, s) },
	))
}

func (p *GradingPipeline) observe(stage string, outcome Outcome) Outcome {
	observability.StageOutcomes().WithLabelValues(stage, outcome.Kind.String()).Inc()
	return outcome
}

// CompleteAssignments reports, per assignment name, whether every submission is done grading or
// missing. Names without submissions are vacuously complete.
func CompleteAssignments(names []string, submissions []*models.Submission) map[string]bool {
	complete := make(map[string]bool, len(names))
	for _, name := range names {
		complete[name] = true
	}
	for _, s := range submissions {
		name := s.Assignment.Name
		if _, ok := complete[name]; !ok {
			complete[name] = true
		}
		if !s.Status.IsGradingComplete() {
			complete[name] = false
		}
	}
	return complete
}

// PastDueFractions returns, per assignment name, the fraction of submissions whose due date passed.
func PastDueFractions(submissions []*models.Submission, now time.Time) map[string]float64 {
	totals := map[string]int{}
	outstanding := map[string]int{}
	for _, s := range submissions {
		name := s.Assignment.Name
		totals[name]++
		if s.DueAt.After(now) {
			outstanding[name]++
		}
	}

	fractions := make(map[string]float64, len(totals))
	for name, total := range totals {
		fractions[name] = float64(total-outstanding[name]) / float64(total)
	}
	return fractions
}

func copyFile(source, target string, settings Settings) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", source, target, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	if settings.GraderUID >= 0 && settings.GraderGID >= 0 {
		if err := os.Chown(target, settings.GraderUID, settings.GraderGID); err != nil {
			return fmt.Errorf("chown %s: %w", target, err)
		}
	}
	return nil
}
