package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/internal/application/journal"
	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/resources"
	"github.com/aescanero/dagrun/internal/application/scheduler"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopMetrics struct{}

func (nopMetrics) RecordRunSubmitted(string) {}
func (nopMetrics) RecordRunCompleted(string, domain.RunStatus, time.Duration) {}
func (nopMetrics) RecordTaskExecuted(string, domain.TaskStatus, time.Duration) {}
func (nopMetrics) RecordTaskRetry(string) {}
func (nopMetrics) RecordResourceDenied() {}
func (nopMetrics) SetRunCounts(int, int) {}
func (nopMetrics) SetResourceUsage(domain.ResourceUsage) {}
func (nopMetrics) RecordWorkerPoolStatus(int, int, int) {}

type engine struct {
	registry  *operators.Registry
	resources *resources.Manager
	store     *memory.Store
	pool      *workers.Pool
	sched     *scheduler.Scheduler
}

func newEngine(t *testing.T, capacity domain.Capacity, size int) *engine {
	t.Helper()

	registry := operators.NewRegistry()
	require.NoError(t, operators.RegisterBuiltins(registry))

	logger := zap.NewNop()
	metrics := nopMetrics{}
	store := memory.NewStore()
	res := resources.NewManager(capacity, logger)
	j := journal.New(nil, store, logger)

	exec := workers.NewExecutor(registry, res, j, metrics, logger, 200*time.Millisecond)
	pool := workers.NewPool(size, exec, metrics, logger, 0)
	validator := orchestrator.NewValidator(orchestrator.ValidatorConfig{})
	sched := scheduler.New(20*time.Millisecond, validator, res, pool, store, j, metrics, logger)
	pool.OnIdle(sched.Wake)

	require.NoError(t, pool.Start())
	require.NoError(t, sched.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		_ = pool.Shutdown(ctx)
	})

	return &engine{registry: registry, resources: res, store: store, pool: pool, sched: sched}
}

func task(id, operator string, params map[string]any, upstream ...string) *domain.Task {
	return &domain.Task{
		ID:        id,
		Operator:  operator,
		Params:    params,
		Upstream:  upstream,
		Resources: domain.ResourceRequirement{CPU: 1, Memory: 1, Timeout: 10},
	}
}

func pipeline(tasks ...*domain.Task) *domain.Pipeline {
	p := &domain.Pipeline{ID: "p1", Name: "test", Tasks: make(map[string]*domain.Task)}
	for _, t := range tasks {
		p.Tasks[t.ID] = t
	}
	p.Normalize()
	return p
}

// diamond is a -> {b, c} -> d where b fails fatally
func diamond(rule domain.TriggerRule) *domain.Pipeline {
	d := task("d", "noop", nil, "b", "c")
	d.TriggerRule = rule
	return pipeline(
		task("a", "noop", nil),
		task("b", "fail", map[string]any{"mode": "fatal"}, "a"),
		task("c", "noop", nil, "a"),
		d,
	)
}

func (e *engine) submit(t *testing.T, p *domain.Pipeline, params map[string]any) *coordinator.Run {
	t.Helper()
	run := coordinator.New(uuid.New().String(), p, params, "test")
	require.NoError(t, e.sched.Submit(context.Background(), run))
	return run
}

func (e *engine) waitFinished(t *testing.T, runID string, within time.Duration) *domain.Run {
	t.Helper()
	var snap *domain.Run
	require.Eventually(t, func() bool {
		got, err := e.store.GetRun(context.Background(), runID)
		if err != nil || !got.Status.IsTerminal() || got.EndedAt == nil {
			return false
		}
		snap = got
		return true
	}, within, 10*time.Millisecond)
	return snap
}

func (e *engine) assertIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.resources.Usage().Reservations == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.Capacity{}, e.resources.Usage().Committed)
}

func TestScheduler_LinearPipelineSucceeds(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	p := pipeline(
		task("extract", "noop", map[string]any{"rows": 3}),
		task("load", "noop", nil, "extract"),
	)
	run := e.submit(t, p, nil)

	snap := e.waitFinished(t, run.ID(), 2*time.Second)
	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Equal(t, 1.0, snap.Progress)
	assert.Equal(t, map[string]any{"rows": 3}, snap.Outputs["extract"])
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.EndedAt)

	_, live := e.sched.Lookup(run.ID())
	assert.False(t, live)

	logs, err := e.store.Logs(context.Background(), run.ID(), "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	e.assertIdle(t)
}

func TestScheduler_DiamondAllSuccessBlocksJoin(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	run := e.submit(t, diamond(domain.TriggerAllSuccess), nil)
	snap := e.waitFinished(t, run.ID(), 2*time.Second)

	assert.Equal(t, domain.RunStatusFailed, snap.Status)
	assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks["a"].Status)
	assert.Equal(t, domain.TaskStatusFailed, snap.Tasks["b"].Status)
	assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks["c"].Status)
	assert.Equal(t, domain.TaskStatusBlocked, snap.Tasks["d"].Status)
	assert.Equal(t, []string{"b"}, snap.FailedTasks)
	assert.Equal(t, []string{"d"}, snap.BlockedTasks)
	assert.Contains(t, snap.Error, "task b failed")
	assert.Nil(t, snap.Tasks["d"].StartedAt)

	e.assertIdle(t)
}

func TestScheduler_DiamondOneSuccessRoutesAround(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	run := e.submit(t, diamond(domain.TriggerOneSuccess), nil)
	snap := e.waitFinished(t, run.ID(), 2*time.Second)

	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks["d"].Status)
	assert.Equal(t, []string{"b"}, snap.FailedTasks)
}

func TestScheduler_TimeoutFailsTaskAndReleasesResources(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 2, Memory: 2}, 2)

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	require.NoError(t, e.registry.Register("hang", operators.Func(func(context.Context, *operators.Invocation) (map[string]any, error) {
		<-stuck
		return nil, nil
	}), operators.Spec{}))

	hang := task("hang", "hang", nil)
	hang.Resources.Timeout = 1
	run := e.submit(t, pipeline(hang), nil)

	start := time.Now()
	snap := e.waitFinished(t, run.ID(), 3*time.Second)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)

	assert.Equal(t, domain.RunStatusFailed, snap.Status)
	assert.Equal(t, domain.TaskStatusFailed, snap.Tasks["hang"].Status)
	assert.Equal(t, domain.CodeTimeout, snap.Tasks["hang"].ErrorCode)

	e.assertIdle(t)
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 2, Memory: 2}, 2)

	var calls atomic.Int64
	require.NoError(t, e.registry.Register("flaky", operators.Func(func(context.Context, *operators.Invocation) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"ok": true}, nil
	}), operators.Spec{}))

	flaky := task("flaky", "flaky", nil)
	flaky.Retry = domain.RetryPolicy{MaxRetries: 2, RetryDelay: 1}
	run := e.submit(t, pipeline(flaky), nil)

	snap := e.waitFinished(t, run.ID(), 4*time.Second)
	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Equal(t, 1, snap.Tasks["flaky"].RetryCount)
	assert.Equal(t, int64(2), calls.Load())
}

func TestScheduler_FalseConditionSkipsBranch(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	deploy := task("deploy", "noop", nil, "build")
	deploy.Condition = `params.env == "prod"`
	p := pipeline(
		task("build", "noop", nil),
		deploy,
		task("notify", "noop", nil, "deploy"),
	)

	run := e.submit(t, p, map[string]any{"env": "dev"})
	snap := e.waitFinished(t, run.ID(), 2*time.Second)

	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks["build"].Status)
	assert.Equal(t, domain.TaskStatusSkipped, snap.Tasks["deploy"].Status)
	assert.Equal(t, domain.TaskStatusSkipped, snap.Tasks["notify"].Status)
}

func TestScheduler_ConditionSeesUpstreamOutputs(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	load := task("load", "noop", nil, "extract")
	load.Condition = `outputs.extract.rows > 3`
	p := pipeline(task("extract", "noop", map[string]any{"rows": 5}), load)

	run := e.submit(t, p, nil)
	snap := e.waitFinished(t, run.ID(), 2*time.Second)

	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks["load"].Status)
}

func TestScheduler_ConditionErrorFailsTask(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	broken := task("broken", "noop", nil)
	broken.Condition = `params.missing == 1`
	run := e.submit(t, pipeline(broken), map[string]any{"env": "dev"})

	snap := e.waitFinished(t, run.ID(), 2*time.Second)
	assert.Equal(t, domain.RunStatusFailed, snap.Status)
	assert.Equal(t, domain.TaskStatusFailed, snap.Tasks["broken"].Status)
	assert.Equal(t, domain.CodeConditionError, snap.Tasks["broken"].ErrorCode)
}

func TestScheduler_MaxConcurrentRunsAdmitsInOrder(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	p := pipeline(task("wait", "sleep", map[string]any{"duration": 0.2}))
	first := e.submit(t, p, nil)
	second := e.submit(t, p, nil)

	require.Eventually(t, first.Admitted, time.Second, 5*time.Millisecond)
	assert.False(t, second.Admitted())
	assert.Equal(t, 2, e.sched.LiveRuns("p1"))

	s1 := e.waitFinished(t, first.ID(), 2*time.Second)
	s2 := e.waitFinished(t, second.ID(), 2*time.Second)
	require.NotNil(t, s1.EndedAt)
	require.NotNil(t, s2.StartedAt)
	assert.False(t, s2.StartedAt.Before(*s1.EndedAt))
	assert.Equal(t, 0, e.sched.LiveRuns("p1"))
}

func TestScheduler_ResourceDeniedTaskWaits(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 1, Memory: 1}, 4)

	var running, peak atomic.Int64
	require.NoError(t, e.registry.Register("busy", operators.Func(func(ctx context.Context, _ *operators.Invocation) (map[string]any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}), operators.Spec{}))

	// x and y become ready together but only one fits at a time
	run := e.submit(t, pipeline(
		task("r", "noop", nil),
		task("x", "busy", nil, "r"),
		task("y", "busy", nil, "r"),
	), nil)
	snap := e.waitFinished(t, run.ID(), 2*time.Second)

	assert.Equal(t, domain.RunStatusSuccess, snap.Status)
	assert.Empty(t, snap.FailedTasks)
	for _, id := range []string{"x", "y"} {
		assert.Equal(t, domain.TaskStatusSuccess, snap.Tasks[id].Status, id)
		assert.Equal(t, 0, snap.Tasks[id].RetryCount, id)
	}
	assert.Equal(t, int64(1), peak.Load())
	e.assertIdle(t)
}

func TestScheduler_CancelRun(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	p := pipeline(
		task("long", "sleep", map[string]any{"duration": 30}),
		task("after", "noop", nil, "long"),
	)
	run := e.submit(t, p, nil)

	require.Eventually(t, func() bool {
		status, _ := run.TaskStatus("long")
		return status == domain.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.sched.Cancel(context.Background(), run.ID()))

	status, _ := run.TaskStatus("after")
	assert.Equal(t, domain.TaskStatusCancelled, status)

	snap := e.waitFinished(t, run.ID(), 2*time.Second)
	assert.Equal(t, domain.RunStatusCancelled, snap.Status)
	assert.Equal(t, domain.TaskStatusCancelled, snap.Tasks["long"].Status)
	e.assertIdle(t)

	assert.ErrorIs(t, e.sched.Cancel(context.Background(), run.ID()), domain.ErrRunNotFound)
}

func TestScheduler_SubmitRejectsInvalidPipeline(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 4, Memory: 8}, 4)

	p := pipeline(task("a", "noop", nil, "b"), task("b", "noop", nil, "a"))
	run := coordinator.New("cyclic", p, nil, "test")

	err := e.sched.Submit(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	var vf *domain.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	kinds := make([]domain.ValidationKind, len(vf.Errors))
	for i, ve := range vf.Errors {
		kinds[i] = ve.Kind
	}
	assert.Contains(t, kinds, domain.ValidationCycle)

	_, err = e.store.GetRun(context.Background(), "cyclic")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestScheduler_SubmitRejectsUnsatisfiableTask(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 2, Memory: 2}, 4)

	huge := task("huge", "noop", nil)
	huge.Resources.CPU = 16
	run := coordinator.New("huge", pipeline(huge), nil, "test")

	err := e.sched.Submit(context.Background(), run)
	assert.ErrorIs(t, err, domain.ErrUnsatisfiable)

	active, queued := e.sched.Counts()
	assert.Zero(t, active)
	assert.Zero(t, queued)
}

func TestScheduler_SubmitAfterStop(t *testing.T) {
	e := newEngine(t, domain.Capacity{CPU: 2, Memory: 2}, 1)
	require.NoError(t, e.sched.Stop(context.Background()))

	run := coordinator.New("late", pipeline(task("a", "noop", nil)), nil, "test")
	assert.ErrorIs(t, e.sched.Submit(context.Background(), run), domain.ErrEngineStopped)
}
