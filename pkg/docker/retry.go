package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultStartAttempts is the start retry budget.
	DefaultStartAttempts = 5
	// DefaultRetryDelay is the fixed delay between start attempts.
	DefaultRetryDelay = 10 * time.Second
	// DefaultPollInterval is how often a started unit's state is checked.
	DefaultPollInterval = 250 * time.Millisecond
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed grading executions, failed ones included",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"image", "outcome"})

	execStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "start_failures_total",
		Help:      "Number of failed attempts to start an execution unit, by failure class",
	}, []string{"image", "kind"})

	execExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "retries_exhausted_total",
		Help:      "Number of executions that exhausted the start retry budget",
	}, []string{"image"})
)

// Executor runs a command inside an isolated execution unit.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes a command to run against a bound working directory.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Env           []string
	WorkingDir    string
	BindTarget    string
	MemoryLimitMB int64
}

// CommandLine renders the command for logs and error messages.
func (r ExecutionRequest) CommandLine() string {
	return strings.Join(r.Cmd, " ")
}

// ExecutionResult captures the outcome of a finished execution unit. Interpreting the log is the
// caller's job.
type ExecutionResult struct {
	Status   string
	ExitCode int
	Log      string
	Attempts int
	Duration time.Duration
}

// StartFailureKind classifies why a unit could not be started.
type StartFailureKind string

// Start failure classes. All classes share the same backoff.
const (
	StartFailureResourceUnavailable StartFailureKind = "resource_unavailable"
	StartFailureImageNotFound       StartFailureKind = "image_not_found"
	StartFailureUnknown             StartFailureKind = "unknown"
)

// StartError is a classified failure to start an execution unit.
type StartError struct {
	Kind StartFailureKind
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ExecutionError reports an execution that could not be completed, either because the start retry
// budget ran out or because the started unit could not be observed.
type ExecutionError struct {
	Command    string
	WorkingDir string
	Attempts   int
	Kind       StartFailureKind
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("execution of %q in %q failed after %d attempts (%s): %v", e.Command, e.WorkingDir, e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("execution of %q in %q failed: %v", e.Command, e.WorkingDir, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Sleeper pauses between attempts and polls. It returns early with the context error on
// cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig groups retry policy values.
type RetryConfig struct {
	Image         string
	MemoryLimitMB int64
	Attempts      int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	Sleep         Sleeper
	Logger        zerolog.Logger
}

// RetryableExecutor owns the retry, polling and cleanup policy above a Runtime.
type RetryableExecutor struct {
	runtime Runtime
	cfg     RetryConfig
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewRetryableExecutor constructs an executor with the fixed start budget and backoff.
func NewRetryableExecutor(runtime Runtime, cfg RetryConfig) *RetryableExecutor {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultStartAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}

	return &RetryableExecutor{
		runtime: runtime,
		cfg:     cfg,
		tracer:  otel.Tracer("github.com/noah-isme/gema-grader/pkg/docker"),
		logger:  cfg.Logger.With().Str("component", "retryable_executor").Logger(),
	}
}

// Run starts the unit within the retry budget, waits for it to leave the running phase, captures
// its combined log and exit status, and always releases the unit before returning. The duration is
// recorded whatever the outcome.
func (e *RetryableExecutor) Run(parent context.Context, req ExecutionRequest) (result ExecutionResult, err error) {
	if req.Image == "" {
		req.Image = e.cfg.Image
	}
	if req.MemoryLimitMB <= 0 {
		req.MemoryLimitMB = e.cfg.MemoryLimitMB
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
		attribute.String("executor.command", req.CommandLine()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		execDuration.WithLabelValues(req.Image, outcome).Observe(result.Duration.Seconds())
	}()

	logger := e.logger.With().Str("command", req.CommandLine()).Str("workdir", req.WorkingDir).Logger()

	unitID, attempts, err := e.start(ctx, req, logger)
	result.Attempts = attempts
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.runtime.Remove(removeCtx, unitID); err != nil {
			logger.Error().Err(err).Str("unit_id", unitID).Msg("failed to release execution unit")
		}
	}()

	state, err := e.wait(ctx, unitID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &ExecutionError{Command: req.CommandLine(), WorkingDir: req.WorkingDir, Attempts: attempts, Err: err}
	}
	result.Status = state.Status
	result.ExitCode = state.ExitCode

	output, err := e.runtime.Logs(ctx, unitID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &ExecutionError{Command: req.CommandLine(), WorkingDir: req.WorkingDir, Attempts: attempts, Err: err}
	}
	result.Log = output

	span.SetAttributes(attribute.Int("executor.exit_code", result.ExitCode))

	return result, nil
}

func (e *RetryableExecutor) start(ctx context.Context, req ExecutionRequest, logger zerolog.Logger) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		unitID, err := e.runtime.Start(ctx, req)
		if err == nil {
			return unitID, attempt, nil
		}

		lastErr = err
		kind := failureKind(err)
		execStartFailures.WithLabelValues(req.Image, string(kind)).Inc()

		remaining := e.cfg.Attempts - attempt
		if remaining == 0 {
			break
		}

		logger.Warn().Err(err).Str("kind", string(kind)).Int("attempts_remaining", remaining).Msg("failed to start execution unit, retrying")
		if err := e.cfg.Sleep(ctx, e.cfg.RetryDelay); err != nil {
			return "", attempt, &ExecutionError{Command: req.CommandLine(), WorkingDir: req.WorkingDir, Attempts: attempt, Kind: kind, Err: err}
		}
	}

	execExhausted.WithLabelValues(req.Image).Inc()
	return "", e.cfg.Attempts, &ExecutionError{
		Command:    req.CommandLine(),
		WorkingDir: req.WorkingDir,
		Attempts:   e.cfg.Attempts,
		Kind:       failureKind(lastErr),
		Err:        lastErr,
	}
}

func (e *RetryableExecutor) wait(ctx context.Context, unitID string) (UnitState, error) {
	for {
		state, err := e.runtime.Inspect(ctx, unitID)
		if err != nil {
			return UnitState{}, err
		}
		if !state.IsActive() {
			return state, nil
		}
		if err := e.cfg.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return UnitState{}, err
		}
	}
}

func failureKind(err error) StartFailureKind {
	var startErr *StartError
	if errors.As(err, &startErr) {
		return startErr.Kind
	}
	return StartFailureUnknown
}
