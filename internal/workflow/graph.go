package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Trigger decides when a task becomes runnable relative to its dependencies.
type Trigger int

const (
	// TriggerAllSucceeded runs the task only when every dependency succeeded. A failed or blocked
	// dependency blocks the task and a skipped dependency skips it.
	TriggerAllSucceeded Trigger = iota
	// TriggerAllDone runs the task once every dependency finished, whatever the result.
	TriggerAllDone
)

// Status is the final state of a task in a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// TaskFunc is the body of a task. Returning a SkipError marks the task skipped rather than failed.
type TaskFunc func(ctx context.Context) error

// Task is a node of the graph.
type Task struct {
	ID        string
	DependsOn []string
	Trigger   Trigger
	Run       TaskFunc
}

// SkipError signals an expected stop that is not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// Skip returns an error that marks the calling task as skipped.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// IsSkip reports whether err signals a skip.
func IsSkip(err error) bool {
	var skip *SkipError
	return errors.As(err, &skip)
}

// TaskResult records how a task ended.
type TaskResult struct {
	ID        string
	Status    Status
	Reason    string
	Err       error
	BlockedBy []string
}

// Report is the outcome of a graph run, in task declaration order.
type Report struct {
	order   []string
	results map[string]TaskResult
}

// Result returns the result of one task.
func (r *Report) Result(id string) (TaskResult, bool) {
	res, ok := r.results[id]
	return res, ok
}

// Results returns every task result in declaration order.
func (r *Report) Results() []TaskResult {
	out := make([]TaskResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.results[id])
	}
	return out
}

// Count returns how many tasks ended with the given status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Graph is an explicit dependency graph of tasks executed on a bounded worker pool.
type Graph struct {
	order []string
	tasks map[string]Task
}

// NewGraph constructs an empty graph.
func NewGraph() *Graph {
	return &Graph{tasks: map[string]Task{}}
}

// Add declares a task. Dependencies may be declared before or after the task itself.
func (g *Graph) Add(task Task) error {
	if task.ID == "" {
		return errors.New("workflow: task id is required")
	}
	if task.Run == nil {
		return fmt.Errorf("workflow: task %s has no body", task.ID)
	}
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("workflow: task %s declared twice", task.ID)
	}
	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)
	return nil
}

// Has reports whether a task with the id was declared.
func (g *Graph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Len returns the number of declared tasks.
func (g *Graph) Len() int {
	return len(g.order)
}

// Validate checks that every dependency is declared and that the graph is acyclic.
func (g *Graph) Validate() error {
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("workflow: dependency %s referenced by %s not declared", dep, id)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(g.tasks))
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visiting:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, stack[start:]...), id)
			return fmt.Errorf("workflow: dependency cycle %s", strings.Join(cycle, " -> "))
		case visited:
			return nil
		}
		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.tasks[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = visited
		return nil
	}
	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Run executes ready tasks on at most workers goroutines until every task has a result.
func (g *Graph) Run(ctx context.Context, workers int) (*Report, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}

	pending := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		deps := unique(g.tasks[id].DependsOn)
		pending[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	report := &Report{order: append([]string{}, g.order...), results: make(map[string]TaskResult, len(g.tasks))}
	sem := semaphore.NewWeighted(int64(workers))
	finished := make(chan TaskResult, len(g.tasks))
	var wg sync.WaitGroup

	var ready []string
	for _, id := range g.order {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	inFlight := 0
	for len(report.results) < len(g.tasks) {
		for len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]

			if res, decided := g.decide(id, report); decided {
				ready = append(ready, g.complete(res, report, pending, dependents)...)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				ready = append(ready, g.complete(TaskResult{ID: id, Status: StatusFailed, Err: err}, report, pending, dependents)...)
				continue
			}
			inFlight++
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				res := execute(ctx, task)
				sem.Release(1)
				finished <- res
			}(g.tasks[id])
		}

		if inFlight == 0 {
			break
		}
		res := <-finished
		inFlight--
		ready = append(ready, g.complete(res, report, pending, dependents)...)
	}

	wg.Wait()
	return report, nil
}

func (g *Graph) decide(id string, report *Report) (TaskResult, bool) {
	task := g.tasks[id]
	if task.Trigger == TriggerAllDone {
		return TaskResult{}, false
	}

	var blockers, skipped []string
	for _, dep := range task.DependsOn {
		switch report.results[dep].Status {
		case StatusFailed, StatusBlocked:
			blockers = append(blockers, dep)
		case StatusSkipped:
			skipped = append(skipped, dep)
		}
	}
	if len(blockers) > 0 {
		sort.Strings(blockers)
		return TaskResult{ID: id, Status: StatusBlocked, BlockedBy: blockers}, true
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		return TaskResult{ID: id, Status: StatusSkipped, Reason: "upstream skipped: " + strings.Join(skipped, ", ")}, true
	}
	return TaskResult{}, false
}

func (g *Graph) complete(res TaskResult, report *Report, pending map[string]int, dependents map[string][]string) []string {
	report.results[res.ID] = res
	var unlocked []string
	for _, dependent := range dependents[res.ID] {
		pending[dependent]--
		if pending[dependent] == 0 {
			unlocked = append(unlocked, dependent)
		}
	}
	return unlocked
}

func execute(ctx context.Context, task Task) (res TaskResult) {
	res.ID = task.ID
	defer func() {
		if recovered := recover(); recovered != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("workflow: task %s panicked: %v", task.ID, recovered)
		}
	}()

	err := task.Run(ctx)
	var skip *SkipError
	switch {
	case err == nil:
		res.Status = StatusSucceeded
	case errors.As(err, &skip):
		res.Status = StatusSkipped
		res.Reason = skip.Reason
	default:
		res.Status = StatusFailed
		res.Err = err
	}
	return res
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
