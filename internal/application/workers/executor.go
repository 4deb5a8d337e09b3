package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/internal/application/journal"
	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/internal/application/resources"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// DefaultCancelGrace is how long a cancelled operator may take to return
const DefaultCancelGrace = 5 * time.Second

// Executor drives one task attempt from QUEUED to a recorded outcome
type Executor struct {
	registry    *operators.Registry
	resources   *resources.Manager
	journal     *journal.Journal
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	cancelGrace time.Duration
}

// NewExecutor creates an executor
func NewExecutor(
	registry *operators.Registry,
	res *resources.Manager,
	j *journal.Journal,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cancelGrace time.Duration,
) *Executor {
	if cancelGrace <= 0 {
		cancelGrace = DefaultCancelGrace
	}
	return &Executor{
		registry:    registry,
		resources:   res,
		journal:     j,
		metrics:     metrics,
		logger:      logger,
		cancelGrace: cancelGrace,
	}
}

type result struct {
	output map[string]any
	err    error
}

// Execute runs one attempt of job.Task. ctx is the pool's context; it is
// cancelled when the engine shuts down.
func (e *Executor) Execute(ctx context.Context, job Job) {
	run, task := job.Run, job.Task
	defer e.resources.Release(job.Reservation)

	logger := e.logger.With(
		zap.String("run_id", run.ID()),
		zap.String("task_id", task.ID),
		zap.String("operator", task.Operator))

	if err := run.MarkRunning(task.ID); err != nil {
		// cancelled between dispatch and pickup
		logger.Debug("task no longer queued", zap.Error(err))
		return
	}

	rec, _ := run.Record(task.ID)
	attempt := rec.RetryCount + 1

	e.journal.TaskEvent(ctx, run.ID(), run.PipelineID(), task.ID, domain.TaskStatusRunning, map[string]any{"attempt": attempt})
	e.journal.Log(ctx, run.ID(), task.ID, "info", "attempt %d started (operator %s)", attempt, task.Operator)

	start := time.Now()
	output, err := e.invoke(ctx, run, task, attempt)
	duration := time.Since(start)

	if err != nil && ctx.Err() != nil && !run.Cancelled() {
		// engine shutdown: the run itself goes on after a restart
		if intErr := run.Interrupt(task.ID); intErr != nil {
			logger.Warn("failed to return interrupted task", zap.Error(intErr))
			return
		}
		e.journal.Log(ctx, run.ID(), task.ID, "warn", "attempt %d interrupted by engine shutdown", attempt)
		logger.Info("task interrupted by shutdown", zap.Int("attempt", attempt))
		return
	}

	outcome := e.outcome(run, task, rec.RetryCount, output, err)
	if markErr := run.MarkResult(task.ID, outcome); markErr != nil {
		logger.Warn("failed to record task result", zap.Error(markErr))
		return
	}

	final, _ := run.TaskStatus(task.ID)
	e.metrics.RecordTaskExecuted(task.Operator, final, duration)

	data := map[string]any{
		"attempt":     attempt,
		"duration_ms": duration.Milliseconds(),
	}
	switch final {
	case domain.TaskStatusSuccess:
		e.journal.Log(ctx, run.ID(), task.ID, "info", "attempt %d succeeded in %s", attempt, duration)
		logger.Info("task succeeded", zap.Int("attempt", attempt), zap.Duration("duration", duration))
	case domain.TaskStatusRetry:
		e.metrics.RecordTaskRetry(task.Operator)
		data["error"] = err.Error()
		data["next_attempt_at"] = outcome.NextAttemptAt
		e.journal.Log(ctx, run.ID(), task.ID, "warn", "attempt %d failed, retrying at %s: %v",
			attempt, outcome.NextAttemptAt.Format(time.RFC3339), err)
		logger.Warn("task attempt failed, will retry",
			zap.Int("attempt", attempt),
			zap.String("code", outcome.Code),
			zap.Time("next_attempt_at", outcome.NextAttemptAt),
			zap.Error(err))
	case domain.TaskStatusFailed:
		data["error"] = err.Error()
		data["code"] = outcome.Code
		e.journal.Log(ctx, run.ID(), task.ID, "error", "attempt %d failed: %v", attempt, err)
		logger.Error("task failed",
			zap.Int("attempt", attempt),
			zap.String("code", outcome.Code),
			zap.Error(err))
	case domain.TaskStatusCancelled:
		e.journal.Log(ctx, run.ID(), task.ID, "warn", "attempt %d cancelled", attempt)
		logger.Info("task cancelled", zap.Int("attempt", attempt))
	}
	e.journal.TaskEvent(ctx, run.ID(), run.PipelineID(), task.ID, final, data)
}

// Abandon returns a job that was accepted but never started
func (e *Executor) Abandon(job Job) {
	e.resources.Release(job.Reservation)
	if err := job.Run.Requeue(job.Task.ID); err != nil {
		e.logger.Debug("abandoned job could not be requeued",
			zap.String("run_id", job.Run.ID()),
			zap.String("task_id", job.Task.ID),
			zap.Error(err))
	}
}

// invoke calls the operator under the task timeout. The call runs in its
// own goroutine so a misbehaving operator can be abandoned: on timeout the
// attempt fails immediately, on cancellation it gets the grace period.
func (e *Executor) invoke(ctx context.Context, run *coordinator.Run, task *domain.Task, attempt int) (map[string]any, error) {
	op, ok := e.registry.Lookup(task.Operator)
	if !ok {
		return nil, domain.Fatal(domain.CodeUnknownOperator, fmt.Errorf("%w: %s", domain.ErrUnknownOperator, task.Operator))
	}

	attemptCtx, cancel := context.WithCancel(run.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	inv := &operators.Invocation{
		RunID:   run.ID(),
		TaskID:  task.ID,
		Attempt: attempt,
		Params:  domain.CloneMap(task.Params),
		Env:     copyEnv(task.Env),
		Logf:    e.journal.Logf(ctx, run.ID(), task.ID),
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: domain.Fatal(domain.CodePanic, fmt.Errorf("operator panicked: %v", p))}
			}
		}()
		out, err := op.Invoke(attemptCtx, inv)
		done <- result{output: out, err: err}
	}()

	timeout := task.Resources.TimeoutDuration()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.output, res.err
	case <-timer.C:
		return nil, domain.Transient(domain.CodeTimeout, fmt.Errorf("task exceeded its timeout of %s", timeout))
	case <-attemptCtx.Done():
		grace := time.NewTimer(e.cancelGrace)
		defer grace.Stop()

		select {
		case res := <-done:
			if res.err == nil {
				return res.output, nil
			}
			return nil, domain.Fatal(domain.CodeCancelled, res.err)
		case <-grace.C:
			return nil, domain.Fatal(domain.CodeCancelled,
				fmt.Errorf("operator did not stop within %s of cancellation", e.cancelGrace))
		}
	}
}

// outcome applies the retry policy to the result of an attempt. retries
// is the number of retries already spent before this attempt.
func (e *Executor) outcome(run *coordinator.Run, task *domain.Task, retries int, output map[string]any, err error) coordinator.Outcome {
	if err == nil {
		return coordinator.Outcome{Status: domain.TaskStatusSuccess, Output: output}
	}
	if run.Cancelled() {
		return coordinator.Outcome{Status: domain.TaskStatusCancelled, Err: err}
	}

	te := classify(err)
	if te.Transient && task.Retry.Retryable(te.Code) && retries < task.Retry.MaxRetries {
		return coordinator.Outcome{
			Status:        domain.TaskStatusRetry,
			Err:           err,
			Code:          te.Code,
			NextAttemptAt: time.Now().Add(task.Retry.Backoff(retries + 1)),
		}
	}
	return coordinator.Outcome{Status: domain.TaskStatusFailed, Err: err, Code: te.Code}
}

// classify returns the typed failure behind err. Untyped errors are
// transient operator errors.
func classify(err error) *domain.TaskError {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te
	}
	return &domain.TaskError{Code: domain.CodeOperatorError, Transient: true, Err: err}
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
