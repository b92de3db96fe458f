package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(id string, err error) TaskFunc {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) ran(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.order {
		if seen == id {
			return true
		}
	}
	return false
}

func (r *recorder) index(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, seen := range r.order {
		if seen == id {
			return i
		}
	}
	return -1
}

func TestGraphRunsDependenciesFirst(t *testing.T) {
	rec := &recorder{}
	g := NewGraph()
	require.NoError(t, g.Add(Task{ID: "release", DependsOn: []string{"feedback"}, Run: rec.task("release", nil)}))
	require.NoError(t, g.Add(Task{ID: "feedback", DependsOn: []string{"grade"}, Run: rec.task("feedback", nil)}))
	require.NoError(t, g.Add(Task{ID: "grade", Run: rec.task("grade", nil)}))

	report, err := g.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StatusSucceeded))
	assert.Equal(t, []string{"grade", "feedback", "release"}, rec.order)
	assert.Equal(t, "release", report.Results()[0].ID)
}

func TestGraphBlocksAndSkipsDependents(t *testing.T) {
	rec := &recorder{}
	g := NewGraph()
	require.NoError(t, g.Add(Task{ID: "a", Run: rec.task("a", errors.New("boom"))}))
	require.NoError(t, g.Add(Task{ID: "b", Run: rec.task("b", Skip("not due"))}))
	require.NoError(t, g.Add(Task{ID: "after-a", DependsOn: []string{"a"}, Run: rec.task("after-a", nil)}))
	require.NoError(t, g.Add(Task{ID: "after-b", DependsOn: []string{"b"}, Run: rec.task("after-b", nil)}))
	require.NoError(t, g.Add(Task{ID: "chain", DependsOn: []string{"after-a"}, Run: rec.task("chain", nil)}))

	report, err := g.Run(context.Background(), 2)
	require.NoError(t, err)

	res, _ := report.Result("a")
	assert.Equal(t, StatusFailed, res.Status)
	assert.EqualError(t, res.Err, "boom")

	res, _ = report.Result("b")
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "not due", res.Reason)

	res, _ = report.Result("after-a")
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, []string{"a"}, res.BlockedBy)

	res, _ = report.Result("chain")
	assert.Equal(t, StatusBlocked, res.Status)

	res, _ = report.Result("after-b")
	assert.Equal(t, StatusSkipped, res.Status)

	assert.False(t, rec.ran("after-a"))
	assert.False(t, rec.ran("after-b"))
	assert.False(t, rec.ran("chain"))
}

func TestGraphBarrierRunsAfterAllDependencies(t *testing.T) {
	rec := &recorder{}
	g := NewGraph()
	require.NoError(t, g.Add(Task{ID: "s1", Run: rec.task("s1", nil)}))
	require.NoError(t, g.Add(Task{ID: "s2", Run: rec.task("s2", errors.New("sandbox exhausted"))}))
	require.NoError(t, g.Add(Task{ID: "s3", Run: rec.task("s3", Skip("awaiting manual grading"))}))
	require.NoError(t, g.Add(Task{ID: "gate", DependsOn: []string{"s1", "s2", "s3"}, Trigger: TriggerAllDone, Run: rec.task("gate", nil)}))

	report, err := g.Run(context.Background(), 3)
	require.NoError(t, err)

	res, _ := report.Result("gate")
	require.Equal(t, StatusSucceeded, res.Status)
	gate := rec.index("gate")
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Less(t, rec.index(id), gate)
	}
}

func TestGraphBoundsConcurrency(t *testing.T) {
	var running, peak int32
	body := func(context.Context) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
		return nil
	}

	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, g.Add(Task{ID: id, Run: body}))
	}

	report, err := g.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Count(StatusSucceeded))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestGraphRejectsInvalidShapes(t *testing.T) {
	noop := func(context.Context) error { return nil }

	g := NewGraph()
	require.NoError(t, g.Add(Task{ID: "a", DependsOn: []string{"missing"}, Run: noop}))
	_, err := g.Run(context.Background(), 1)
	require.ErrorContains(t, err, "missing")

	g = NewGraph()
	require.NoError(t, g.Add(Task{ID: "a", DependsOn: []string{"b"}, Run: noop}))
	require.NoError(t, g.Add(Task{ID: "b", DependsOn: []string{"a"}, Run: noop}))
	_, err = g.Run(context.Background(), 1)
	require.ErrorContains(t, err, "cycle")

	g = NewGraph()
	require.NoError(t, g.Add(Task{ID: "a", Run: noop}))
	require.Error(t, g.Add(Task{ID: "a", Run: noop}))
	require.Error(t, g.Add(Task{ID: "b"}))
}

func TestGraphRecoversPanics(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(Task{ID: "a", Run: func(context.Context) error { panic("bad input") }}))

	report, err := g.Run(context.Background(), 1)
	require.NoError(t, err)
	res, _ := report.Result("a")
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "bad input")
}
