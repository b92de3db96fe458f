package models

import "path/filepath"

// Grader is a grading account working one assignment. Workload is a run-scoped counter of the
// submissions assigned to it.
type Grader struct {
	Name           string `json:"name" validate:"required"`
	User           string `json:"user" validate:"required"`
	AssignmentName string `json:"assignment_name" validate:"required"`

	Folder            string `json:"folder" validate:"required"`
	CourseFolder      string `json:"course_folder"`
	SubmissionsFolder string `json:"submissions_folder"`
	AutogradedFolder  string `json:"autograded_folder"`
	FeedbackFolder    string `json:"feedback_folder"`
	ReleaseFolder     string `json:"release_folder"`
	SourcePath        string `json:"source_path"`
	SolutionName      string `json:"solution_name"`
	SolutionPath      string `json:"solution_path"`

	Workload int `json:"workload"`
}

// NewGrader validates the supplied grader.
func NewGrader(g Grader) (*Grader, error) {
	if err := validate.Struct(g); err != nil {
		return nil, err
	}
	return &g, nil
}

// CollectedPath is where the grader keeps the collected notebook of the given student folder.
func (g *Grader) CollectedPath(studentFolder string) string {
	return filepath.Join(g.SubmissionsFolder, studentFolder, g.AssignmentName, g.AssignmentName+".ipynb")
}

// AutogradedPath is where the grading toolchain writes the autograded notebook.
func (g *Grader) AutogradedPath(studentFolder string) string {
	return filepath.Join(g.AutogradedFolder, studentFolder, g.AssignmentName, g.AssignmentName+".ipynb")
}

// FeedbackPath is where the grading toolchain writes the rendered feedback.
func (g *Grader) FeedbackPath(studentFolder string) string {
	return filepath.Join(g.FeedbackFolder, studentFolder, g.AssignmentName, g.AssignmentName+".html")
}

// ReleaseNotebookPath is the instructor release version of the assignment notebook.
func (g *Grader) ReleaseNotebookPath() string {
	return filepath.Join(g.ReleaseFolder, g.AssignmentName, g.AssignmentName+".ipynb")
}
