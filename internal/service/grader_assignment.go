package service

import (
	"fmt"
	"os"
	"sync"

	"github.com/noah-isme/gema-grader/internal/models"
)

// GraderPool owns the run-scoped workload counters of one assignment's graders.
type GraderPool struct {
	mu      sync.Mutex
	graders []*models.Grader
}

// NewGraderPool wraps the graders in input order. Ties are broken by that order.
func NewGraderPool(graders []*models.Grader) *GraderPool {
	return &GraderPool{graders: graders}
}

// Assign returns the grader for a student folder. A grader that already collected the student's
// notebook is reused without touching its workload; otherwise the least loaded grader is chosen and
// its workload incremented.
func (p *GraderPool) Assign(studentFolder string) (*models.Grader, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.graders) == 0 {
		return nil, false, ErrNoGraders
	}

	for _, grader := range p.graders {
		if fileExists(grader.CollectedPath(studentFolder)) {
			return grader, true, nil
		}
	}

	selected := p.graders[0]
	for _, grader := range p.graders[1:] {
		if grader.Workload < selected.Workload {
			selected = grader
		}
	}
	selected.Workload++
	return selected, false, nil
}

// AssignGraders pins every submission of one assignment to a grader. It must run before any
// collection of that assignment starts.
func AssignGraders(settings Settings, submissions []*models.Submission, graders []*models.Grader) error {
	pool := NewGraderPool(graders)
	for _, submission := range submissions {
		grader, _, err := pool.Assign(settings.StudentFolder(submission.Student.ID))
		if err != nil {
			return fmt.Errorf("assign grader for %s: %w", submission.Name, err)
		}
		submission.Grader = grader
		attachPaths(settings, submission)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
