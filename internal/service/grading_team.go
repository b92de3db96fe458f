package service

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

// BuildGradingTeam constructs the graders configured for an assignment of a course group. A
// grader's initial workload is the number of student folders already present in its submissions
// folder.
func BuildGradingTeam(settings Settings, group, assignmentName string) ([]*models.Grader, error) {
	users := settings.Rosters[group][assignmentName]
	if len(users) == 0 {
		return nil, fmt.Errorf("assignment %s of group %s: %w", assignmentName, group, ErrNoGraders)
	}

	graders := make([]*models.Grader, 0, len(users))
	for _, user := range users {
		name := alphanumeric(group) + alphanumeric(assignmentName) + alphanumeric(user)
		folder := filepath.Join(settings.GraderRoot, name)
		course := filepath.Join(folder, settings.NbgraderPath)
		solutionName := assignmentName + "_solution.html"

		grader, err := models.NewGrader(models.Grader{
			Name:              name,
			User:              user,
			AssignmentName:    assignmentName,
			Folder:            folder,
			CourseFolder:      course,
			SubmissionsFolder: filepath.Join(course, settings.SubmittedFolder),
			AutogradedFolder:  filepath.Join(course, settings.AutogradedFolder),
			FeedbackFolder:    filepath.Join(course, settings.FeedbackFolder),
			ReleaseFolder:     filepath.Join(course, settings.ReleaseFolder),
			SourcePath:        filepath.Join(course, settings.SourceFolder, assignmentName, assignmentName+".ipynb"),
			SolutionName:      solutionName,
			SolutionPath:      filepath.Join(folder, solutionName),
		})
		if err != nil {
			return nil, fmt.Errorf("grader %s: %w", name, err)
		}
		grader.Workload = countStudentFolders(grader.SubmissionsFolder, settings.StudentFolderPrefix)
		graders = append(graders, grader)
	}
	return graders, nil
}

func countStudentFolders(dir, prefix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			count++
		}
	}
	return count
}

func alphanumeric(value string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return -1
	}, value)
}

// GraderPreparer makes sure a grader's folder holds the generated assignment and the rendered
// solution before any submission is graded there.
type GraderPreparer struct {
	executor docker.Executor
	settings Settings
	logger   zerolog.Logger
}

// NewGraderPreparer constructs a GraderPreparer.
func NewGraderPreparer(executor docker.Executor, settings Settings, logger zerolog.Logger) *GraderPreparer {
	return &GraderPreparer{
		executor: executor,
		settings: settings,
		logger:   logger.With().Str("component", "grader_preparer").Logger(),
	}
}

// Prepare generates the assignment release and the solution rendering when absent.
func (p *GraderPreparer) Prepare(ctx context.Context, grader *models.Grader) Outcome {
	logger := p.logger.With().Str("grader", grader.Name).Str("assignment", grader.AssignmentName).Logger()

	if !fileExists(grader.ReleaseNotebookPath()) {
		listing, err := p.run(ctx, grader, "nbgrader", "db", "assignment", "list")
		if err != nil {
			return Failf("list assignments for grader %s: %w", grader.Name, err)
		}
		if !strings.Contains(listing, grader.AssignmentName) {
			logger.Info().Msg("registering assignment in the gradebook")
			if _, err := p.run(ctx, grader, "nbgrader", "db", "assignment", "add", grader.AssignmentName); err != nil {
				return Failf("register assignment for grader %s: %w", grader.Name, err)
			}
		}

		logger.Info().Msg("generating assignment release")
		if _, err := p.run(ctx, grader, "nbgrader", "generate_assignment", "--force", grader.AssignmentName); err != nil {
			return Failf("generate assignment for grader %s: %w", grader.Name, err)
		}
		if !fileExists(grader.ReleaseNotebookPath()) {
			return Failf("generate assignment for grader %s: expected release notebook at %s", grader.Name, grader.ReleaseNotebookPath())
		}
	}

	if !fileExists(grader.SolutionPath) {
		logger.Info().Msg("rendering solution")
		source := p.containerPath(grader, grader.SourcePath)
		if _, err := p.run(ctx, grader, "jupyter", "nbconvert", source, "--output="+strings.TrimSuffix(grader.SolutionName, ".html"), "--output-dir="+p.bindTarget(), "--to", "html"); err != nil {
			return Failf("render solution for grader %s: %w", grader.Name, err)
		}
		if !fileExists(grader.SolutionPath) {
			return Failf("render solution for grader %s: expected solution at %s", grader.Name, grader.SolutionPath)
		}
	}

	return Continue()
}

func (p *GraderPreparer) run(ctx context.Context, grader *models.Grader, cmd ...string) (string, error) {
	return runGradingCommand(ctx, p.executor, p.settings, grader, cmd...)
}

func (p *GraderPreparer) bindTarget() string {
	if p.settings.BindTarget == "" {
		return "/home/jupyter"
	}
	return p.settings.BindTarget
}

func (p *GraderPreparer) containerPath(grader *models.Grader, hostPath string) string {
	rel, err := filepath.Rel(grader.Folder, hostPath)
	if err != nil {
		return hostPath
	}
	return path.Join(p.bindTarget(), filepath.ToSlash(rel))
}

// runGradingCommand runs a toolchain command against the grader's folder. An ERROR marker in the
// captured log is a failure even when the unit exited cleanly.
func runGradingCommand(ctx context.Context, executor docker.Executor, settings Settings, grader *models.Grader, cmd ...string) (string, error) {
	if len(cmd) > 0 && cmd[0] == "nbgrader" && settings.NbgraderPath != "" {
		bind := settings.BindTarget
		if bind == "" {
			bind = "/home/jupyter"
		}
		cmd = append(cmd, "--CourseDirectory.root="+path.Join(bind, filepath.ToSlash(settings.NbgraderPath)))
	}

	result, err := executor.Run(ctx, docker.ExecutionRequest{
		Cmd:        cmd,
		WorkingDir: grader.Folder,
		BindTarget: settings.BindTarget,
	})
	if err != nil {
		return "", err
	}
	if strings.Contains(result.Log, "ERROR") {
		return result.Log, fmt.Errorf("%s exited with status %d (%s): %s", strings.Join(cmd, " "), result.ExitCode, result.Status, strings.TrimSpace(result.Log))
	}
	return result.Log, nil
}
