package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/internal/application/journal"
	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/internal/application/resources"
	"github.com/aescanero/dagrun/internal/application/scheduler"
	"github.com/aescanero/dagrun/internal/application/stats"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds engine settings
type Config struct {
	Capacity            domain.Capacity
	WorkerPoolSize      int
	HealthCheckInterval time.Duration
	PollInterval        time.Duration
	CancelGrace         time.Duration
	Validation          ValidatorConfig
}

// Stores groups the persistence handles the manager owns
type Stores struct {
	Pipelines ports.PipelineStore
	Runs      ports.RunStore
	Logs      ports.LogStore
}

// DryRunResult is the outcome of validating a pipeline without running it
type DryRunResult struct {
	Valid             bool                       `json:"valid"`
	Errors            []domain.ValidationError   `json:"errors"`
	Warnings          []Warning                  `json:"warnings"`
	EstimatedDuration int                        `json:"estimated_duration"`
	Roots             []string                   `json:"roots"`
	Leaves            []string                   `json:"leaves"`
	Levels            map[string]int             `json:"levels"`
	TotalResources    domain.ResourceRequirement `json:"total_resources"`
}

// Manager is the service root. It owns the pipeline catalog and wires the
// scheduler, worker pool and resource manager that execute runs.
type Manager struct {
	pipelines ports.PipelineStore
	runs      ports.RunStore
	logs      ports.LogStore
	registry  *operators.Registry
	validator *Validator
	resources *resources.Manager
	pool      *workers.Pool
	scheduler *scheduler.Scheduler
	stats     *stats.Recorder
	journal   *journal.Journal
	logger    *zap.Logger

	// serializes pipeline mutations
	mu      sync.Mutex
	started atomic.Bool
}

// NewManager creates a new orchestrator manager. eventBus and metrics may
// be nil.
func NewManager(
	cfg Config,
	stores Stores,
	eventBus ports.EventBus,
	registry *operators.Registry,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Manager {
	recorder := stats.NewRecorder(metrics)
	res := resources.NewManager(cfg.Capacity, logger)
	j := journal.New(eventBus, stores.Logs, logger)
	validator := NewValidator(cfg.Validation)

	grace := cfg.CancelGrace
	if grace <= 0 {
		grace = workers.DefaultCancelGrace
	}
	size := cfg.WorkerPoolSize
	if size < 1 {
		size = 1
	}

	executor := workers.NewExecutor(registry, res, j, recorder, logger, grace)
	pool := workers.NewPool(size, executor, recorder, logger, cfg.HealthCheckInterval)
	sched := scheduler.New(cfg.PollInterval, validator, res, pool, stores.Runs, j, recorder, logger)
	pool.OnIdle(sched.Wake)

	return &Manager{
		pipelines: stores.Pipelines,
		runs:      stores.Runs,
		logs:      stores.Logs,
		registry:  registry,
		validator: validator,
		resources: res,
		pool:      pool,
		scheduler: sched,
		stats:     recorder,
		journal:   j,
		logger:    logger,
	}
}

// Start launches the worker pool and the scheduler loop
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.pool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := m.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	m.logger.Info("orchestrator started",
		zap.Float64("cpu", m.resources.Total().CPU),
		zap.Float64("memory", m.resources.Total().Memory),
		zap.Int("gpu", m.resources.Total().GPU),
		zap.Int("workers", m.pool.Size()))
	return nil
}

// Shutdown stops the worker pool, interrupting running attempts, then stops
// the scheduler, which persists every live run
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	var errs []error
	if err := m.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("orchestrator manager shut down complete")
	return errors.Join(errs...)
}

// Healthy reports whether the engine is started and every worker is alive
func (m *Manager) Healthy() bool {
	return m.started.Load() && m.pool.Health().Healthy
}

// Health returns the worker pool health sample
func (m *Manager) Health() *workers.HealthStatus {
	return m.pool.Health()
}

// Operators lists the registered operators
func (m *Manager) Operators() []operators.Info {
	return m.registry.List()
}

// CreatePipeline normalizes, validates and stores a new pipeline at
// version 1. An empty id is replaced by a generated one.
func (m *Manager) CreatePipeline(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	p = p.Clone()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.pipelines.GetPipeline(ctx, p.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineExists, p.ID)
	} else if !errors.Is(err, domain.ErrPipelineNotFound) {
		return nil, fmt.Errorf("failed to check pipeline: %w", err)
	}

	if err := m.prepare(p); err != nil {
		m.logger.Warn("pipeline rejected", zap.String("pipeline_id", p.ID), zap.Error(err))
		return nil, err
	}

	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := m.pipelines.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	m.logger.Info("pipeline created",
		zap.String("pipeline_id", p.ID),
		zap.String("name", p.Name),
		zap.Int("tasks", len(p.Tasks)))

	return p.Clone(), nil
}

// UpdatePipeline replaces a pipeline definition and bumps its version.
// Activation state and creation time are kept; runs already submitted
// keep their snapshot.
func (m *Manager) UpdatePipeline(ctx context.Context, id string, p *domain.Pipeline) (*domain.Pipeline, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	p = p.Clone()
	p.ID = id

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.pipelines.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.prepare(p); err != nil {
		m.logger.Warn("pipeline update rejected", zap.String("pipeline_id", id), zap.Error(err))
		return nil, err
	}

	p.Version = existing.Version + 1
	p.IsActive = existing.IsActive
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()

	if err := m.pipelines.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	m.logger.Info("pipeline updated",
		zap.String("pipeline_id", id),
		zap.Int("version", p.Version))

	return p.Clone(), nil
}

// GetPipeline returns a pipeline by id
func (m *Manager) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	return m.pipelines.GetPipeline(ctx, id)
}

// ListPipelines returns every pipeline
func (m *Manager) ListPipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	return m.pipelines.ListPipelines(ctx)
}

// DeletePipeline removes a pipeline that has no live runs
func (m *Manager) DeletePipeline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.scheduler.LiveRuns(id); n > 0 {
		return fmt.Errorf("%w: %s has %d", domain.ErrPipelineInUse, id, n)
	}
	if err := m.pipelines.DeletePipeline(ctx, id); err != nil {
		return err
	}

	m.logger.Info("pipeline deleted", zap.String("pipeline_id", id))
	return nil
}

// ActivatePipeline allows runs of a valid pipeline
func (m *Manager) ActivatePipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	return m.setActive(ctx, id, true)
}

// DeactivatePipeline rejects new runs of a pipeline; live runs continue
func (m *Manager) DeactivatePipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	return m.setActive(ctx, id, false)
}

func (m *Manager) setActive(ctx context.Context, id string, active bool) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pipelines.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if active {
		if err := m.validator.Err(p); err != nil {
			return nil, err
		}
	}
	if p.IsActive == active {
		return p, nil
	}

	p.IsActive = active
	p.UpdatedAt = time.Now()
	if err := m.pipelines.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	m.logger.Info("pipeline activation changed",
		zap.String("pipeline_id", id),
		zap.Bool("active", active))
	return p, nil
}

// DryRun validates a pipeline without storing or running it and reports
// soft warnings plus graph facts
func (m *Manager) DryRun(p *domain.Pipeline) *DryRunResult {
	result := &DryRunResult{EstimatedDuration: -1}
	if p == nil {
		result.Errors = m.validator.Validate(nil)
		return result
	}

	p = p.Clone()
	p.Normalize()
	m.registry.ApplyDefaults(p)

	result.Errors = m.validator.Validate(p)
	result.Valid = len(result.Errors) == 0
	result.Warnings = m.validator.Warnings(p)

	for _, id := range sortedTaskIDs(p) {
		t := p.Tasks[id]
		if t == nil {
			continue
		}
		if _, ok := m.registry.Lookup(t.Operator); !ok {
			if t.Operator != "" {
				result.Warnings = append(result.Warnings, Warning{
					TaskID:  id,
					Message: fmt.Sprintf("unknown operator %q", t.Operator),
				})
			}
		} else if err := m.registry.ValidateParams(t.Operator, t.Params); err != nil {
			result.Warnings = append(result.Warnings, Warning{TaskID: id, Message: err.Error()})
		}
		if !m.resources.Fits(t.Resources) {
			result.Warnings = append(result.Warnings, Warning{
				TaskID: id,
				Message: fmt.Sprintf("requirement cpu=%v memory=%v gpu=%d exceeds engine capacity",
					t.Resources.CPU, t.Resources.Memory, t.Resources.GPU),
			})
		}
	}

	for _, t := range p.Tasks {
		if t == nil {
			return result
		}
	}

	result.Roots = p.Roots()
	result.Leaves = p.Leaves()
	result.Levels = p.Levels()
	result.EstimatedDuration = p.EstimatedDuration()
	result.TotalResources = p.TotalResources()
	return result
}

// StartRun creates a run from the current version of an active pipeline
// and submits it to the scheduler. It returns the run id.
func (m *Manager) StartRun(ctx context.Context, pipelineID string, params map[string]any, triggeredBy string) (string, error) {
	p, err := m.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	if !p.IsActive {
		return "", fmt.Errorf("%w: %s", domain.ErrPipelineInactive, pipelineID)
	}
	if err := m.validator.Err(p); err != nil {
		return "", err
	}
	if triggeredBy == "" {
		triggeredBy = string(domain.TriggerTypeManual)
	}

	run := coordinator.New(uuid.New().String(), p, params, triggeredBy)
	if err := m.scheduler.Submit(ctx, run); err != nil {
		return "", err
	}
	return run.ID(), nil
}

// CancelRun cancels a live run. A stored run left non-terminal by an
// engine restart is marked cancelled in place.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	err := m.scheduler.Cancel(ctx, runID)
	if !errors.Is(err, domain.ErrRunNotFound) {
		return err
	}

	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrRunTerminal, runID, run.Status)
	}

	now := time.Now()
	run.Status = domain.RunStatusCancelled
	run.EndedAt = &now
	for _, rec := range run.Tasks {
		if rec.Status.IsActive() {
			rec.Status = domain.TaskStatusCancelled
			rec.EndedAt = &now
		}
	}
	if err := m.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	m.journal.RunEvent(ctx, domain.EventTypeRunCancelled, run.ID, run.PipelineID, map[string]any{"status": string(run.Status)})
	m.logger.Info("orphaned run cancelled", zap.String("run_id", runID))
	return nil
}

// GetRun returns the live state of a run, or its stored snapshot
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	if run, ok := m.scheduler.Lookup(runID); ok {
		return run.Snapshot(), nil
	}
	return m.runs.GetRun(ctx, runID)
}

// ListRuns returns the runs of a pipeline, newest first; an empty id lists
// every run. Live runs are reported with their current state.
func (m *Manager) ListRuns(ctx context.Context, pipelineID string) ([]*domain.Run, error) {
	runs, err := m.runs.ListRuns(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	for i, r := range runs {
		if live, ok := m.scheduler.Lookup(r.ID); ok {
			runs[i] = live.Snapshot()
		}
	}
	return runs, nil
}

// GetLogs returns the last tail log entries of a run, optionally for one
// task
func (m *Manager) GetLogs(ctx context.Context, runID, taskID string, tail int) ([]domain.LogEntry, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if taskID != "" {
		if _, ok := run.Tasks[taskID]; !ok {
			return nil, fmt.Errorf("%w: task %s in run %s", domain.ErrRunNotFound, taskID, runID)
		}
	}
	return m.logs.Logs(ctx, runID, taskID, tail)
}

// Stats returns engine aggregates with live run counts and resource usage
func (m *Manager) Stats() stats.Snapshot {
	snap := m.stats.Snapshot()
	snap.ActiveRuns, snap.QueuedRuns = m.scheduler.Counts()
	snap.Resources = m.resources.Usage()
	snap.Utilization = snap.Resources.Utilization()

	h := m.pool.Health()
	snap.Workers = stats.WorkerCounts{Idle: h.IdleWorkers, Busy: h.BusyWorkers, Stopped: h.StoppedWorkers}
	return snap
}

// prepare normalizes p, fills operator resource defaults and validates it
func (m *Manager) prepare(p *domain.Pipeline) error {
	p.Normalize()
	m.registry.ApplyDefaults(p)
	return m.validator.Err(p)
}
