// Package scheduler runs the engine flows on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrJobAlreadyExists is returned when a job name is registered twice.
	ErrJobAlreadyExists = errors.New("job already registered")
	// ErrInvalidInterval is returned for non-positive intervals.
	ErrInvalidInterval = errors.New("interval must be positive")
	// ErrAlreadyStarted is returned when registering after Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job name.
func (j JobFunc) Name() string { return j.JobName }

// Run executes the wrapped function.
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Next returns the next scheduled time.
func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}

type scheduledJob struct {
	job      Job
	schedule IntervalSchedule
}

// Scheduler runs each registered job once at start and then on its interval. A job never overlaps
// with itself; distinct jobs run concurrently.
type Scheduler struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	jobs    []scheduledJob
	names   map[string]struct{}
	started bool
	wg      sync.WaitGroup
}

// New constructs an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "scheduler").Logger(),
		names:  map[string]struct{}{},
	}
}

// Register adds a job with the given interval.
func (s *Scheduler) Register(job Job, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, job.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if _, exists := s.names[job.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, job.Name())
	}
	s.names[job.Name()] = struct{}{}
	s.jobs = append(s.jobs, scheduledJob{job: job, schedule: IntervalSchedule{Interval: interval}})

	s.logger.Info().Str("job", job.Name()).Str("schedule", IntervalSchedule{Interval: interval}.String()).Msg("job registered")
	return nil
}

// Start launches every job. Jobs stop when ctx is cancelled; use Wait to block until they return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, sj := range s.jobs {
		s.wg.Add(1)
		go func(sj scheduledJob) {
			defer s.wg.Done()
			s.loop(ctx, sj)
		}(sj)
	}
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sj scheduledJob) {
	ticker := time.NewTicker(sj.schedule.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, sj)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sj scheduledJob) {
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	logger := s.logger.With().Str("job", sj.job.Name()).Logger()
	logger.Debug().Msg("job started")

	err := sj.job.Run(ctx)
	duration := time.Since(started)
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("job failed")
		return
	}

	logger.Info().Dur("duration", duration).Time("next_run", sj.schedule.Next(time.Now())).Msg("job completed")
}
