package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aescanero/dagrun/internal/application/condition"
	"github.com/aescanero/dagrun/pkg/domain"
)

// Warning is a soft finding returned by a dry run
type Warning struct {
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// ValidatorConfig holds the soft-warning thresholds
type ValidatorConfig struct {
	CPUWarnThreshold     float64
	LongRunningThreshold int // seconds
}

// Validator validates pipeline structures
type Validator struct {
	conditions *condition.Evaluator
	cfg        ValidatorConfig
}

// NewValidator creates a new pipeline validator
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		conditions: condition.NewEvaluator(),
		cfg:        cfg,
	}
}

// Validate returns every structural and field problem of the pipeline.
// It never mutates the pipeline.
func (v *Validator) Validate(p *domain.Pipeline) []domain.ValidationError {
	if p == nil {
		return []domain.ValidationError{{Kind: domain.ValidationInvalidField, Message: "pipeline is nil"}}
	}

	var errs []domain.ValidationError

	if len(p.Tasks) == 0 {
		return append(errs, domain.ValidationError{
			Kind:    domain.ValidationEmptyPipeline,
			Message: "pipeline must have at least one task",
		})
	}

	errs = append(errs, v.validatePipelineFields(p)...)

	ids := sortedTaskIDs(p)
	for _, id := range ids {
		t := p.Tasks[id]
		if t == nil {
			errs = append(errs, domain.ValidationError{
				Kind:    domain.ValidationInvalidField,
				TaskID:  id,
				Message: "task definition is empty",
			})
			continue
		}
		errs = append(errs, v.validateTask(id, t)...)
	}

	errs = append(errs, checkReferences(p, ids)...)
	errs = append(errs, checkOrphans(p, ids)...)
	errs = append(errs, checkCycles(p, ids)...)

	return errs
}

// Err returns a *domain.ValidationFailedError when the pipeline is invalid
func (v *Validator) Err(p *domain.Pipeline) error {
	errs := v.Validate(p)
	if len(errs) == 0 {
		return nil
	}
	id := ""
	if p != nil {
		id = p.ID
	}
	return &domain.ValidationFailedError{PipelineID: id, Errors: errs}
}

// Warnings returns soft findings that do not block a run
func (v *Validator) Warnings(p *domain.Pipeline) []Warning {
	var warnings []Warning

	total := 0.0
	for _, id := range sortedTaskIDs(p) {
		t := p.Tasks[id]
		if t == nil {
			continue
		}
		total += t.Resources.CPU
		if v.cfg.LongRunningThreshold > 0 && t.Resources.Timeout > v.cfg.LongRunningThreshold {
			warnings = append(warnings, Warning{
				TaskID:  id,
				Message: fmt.Sprintf("timeout %ds exceeds the long-running threshold of %ds", t.Resources.Timeout, v.cfg.LongRunningThreshold),
			})
		}
	}

	if v.cfg.CPUWarnThreshold > 0 && total > v.cfg.CPUWarnThreshold {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("total requested cpu %.2f exceeds threshold %.2f", total, v.cfg.CPUWarnThreshold),
		})
	}

	return warnings
}

func (v *Validator) validatePipelineFields(p *domain.Pipeline) []domain.ValidationError {
	var errs []domain.ValidationError
	field := func(msg string, args ...any) {
		errs = append(errs, domain.ValidationError{
			Kind:    domain.ValidationInvalidField,
			Message: fmt.Sprintf(msg, args...),
		})
	}

	if p.Name == "" {
		field("pipeline name is required")
	}
	if p.MaxConcurrentRuns < 1 {
		field("max_concurrent_runs must be at least 1, got %d", p.MaxConcurrentRuns)
	}
	if p.TriggerType != "" && !p.TriggerType.Valid() {
		field("unknown trigger_type %q", p.TriggerType)
	}
	if p.TriggerType == domain.TriggerTypeCron && (p.Schedule == nil || p.Schedule.Cron == "") {
		field("cron pipelines require a schedule")
	}
	return errs
}

// validateTask validates a single task's fields
func (v *Validator) validateTask(id string, t *domain.Task) []domain.ValidationError {
	var errs []domain.ValidationError
	field := func(msg string, args ...any) {
		errs = append(errs, domain.ValidationError{
			Kind:    domain.ValidationInvalidField,
			TaskID:  id,
			Message: fmt.Sprintf(msg, args...),
		})
	}

	if t.ID != id {
		field("task id %q does not match its key", t.ID)
	}
	if t.Operator == "" {
		field("operator is required")
	}

	r := t.Resources
	if r.CPU <= 0 {
		field("cpu must be > 0, got %v", r.CPU)
	}
	if r.Memory <= 0 {
		field("memory must be > 0, got %v", r.Memory)
	}
	if r.GPU < 0 {
		field("gpu must be >= 0, got %d", r.GPU)
	}
	if r.Timeout <= 0 || r.Timeout > domain.MaxTaskTimeoutSeconds {
		field("timeout must be in (0, %d] seconds, got %d", domain.MaxTaskTimeoutSeconds, r.Timeout)
	}

	if t.Retry.MaxRetries < 0 {
		field("max_retries must be >= 0, got %d", t.Retry.MaxRetries)
	}
	if t.Retry.RetryDelay < 1 {
		field("retry_delay must be >= 1 second, got %d", t.Retry.RetryDelay)
	}

	if !t.TriggerRule.Valid() {
		field("unknown trigger_rule %q", t.TriggerRule)
	}

	if t.Condition != "" {
		if err := v.conditions.Check(t.Condition); err != nil {
			errs = append(errs, domain.ValidationError{
				Kind:    domain.ValidationInvalidCondition,
				TaskID:  id,
				Message: err.Error(),
			})
		}
	}

	return errs
}

// checkReferences reports edges to unknown tasks and edge lists that are
// not mutual inverses
func checkReferences(p *domain.Pipeline, ids []string) []domain.ValidationError {
	var errs []domain.ValidationError

	for _, id := range ids {
		t := p.Tasks[id]
		if t == nil {
			continue
		}
		for _, u := range t.Upstream {
			up, ok := p.Tasks[u]
			if !ok || up == nil {
				errs = append(errs, domain.ValidationError{
					Kind:    domain.ValidationDanglingReference,
					TaskID:  id,
					Message: fmt.Sprintf("upstream task %q does not exist", u),
				})
				continue
			}
			if !contains(up.Downstream, id) {
				errs = append(errs, domain.ValidationError{
					Kind:    domain.ValidationEdgeMismatch,
					TaskID:  id,
					Message: fmt.Sprintf("upstream task %q does not list it as downstream", u),
				})
			}
		}
		for _, d := range t.Downstream {
			down, ok := p.Tasks[d]
			if !ok || down == nil {
				errs = append(errs, domain.ValidationError{
					Kind:    domain.ValidationDanglingReference,
					TaskID:  id,
					Message: fmt.Sprintf("downstream task %q does not exist", d),
				})
				continue
			}
			if !contains(down.Upstream, id) {
				errs = append(errs, domain.ValidationError{
					Kind:    domain.ValidationEdgeMismatch,
					TaskID:  id,
					Message: fmt.Sprintf("downstream task %q does not list it as upstream", d),
				})
			}
		}
	}

	return errs
}

// checkOrphans reports disconnected tasks in multi-task pipelines
func checkOrphans(p *domain.Pipeline, ids []string) []domain.ValidationError {
	if len(p.Tasks) <= 1 {
		return nil
	}
	var errs []domain.ValidationError
	for _, id := range ids {
		t := p.Tasks[id]
		if t == nil {
			continue
		}
		if len(t.Upstream) == 0 && len(t.Downstream) == 0 {
			errs = append(errs, domain.ValidationError{
				Kind:    domain.ValidationOrphan,
				TaskID:  id,
				Message: "task has no upstream or downstream tasks",
			})
		}
	}
	return errs
}

// checkCycles runs a depth-first search over downstream edges from every
// unvisited task, keeping the recursion stack. An edge into a task on the
// stack is a cycle.
func checkCycles(p *domain.Pipeline, ids []string) []domain.ValidationError {
	const (
		white = iota
		gray
		black
	)

	colors := make(map[string]int, len(ids))
	var stack []string
	var errs []domain.ValidationError
	seen := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)

		next := append([]string(nil), p.Tasks[id].Downstream...)
		sort.Strings(next)
		for _, d := range next {
			t, ok := p.Tasks[d]
			if !ok || t == nil {
				continue
			}
			switch colors[d] {
			case gray:
				path := cyclePath(stack, d)
				key := canonicalCycle(path)
				if !seen[key] {
					seen[key] = true
					errs = append(errs, domain.ValidationError{
						Kind:    domain.ValidationCycle,
						TaskID:  d,
						Message: "cycle detected: " + strings.Join(append(path, d), " -> "),
					})
				}
			case white:
				visit(d)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range ids {
		if p.Tasks[id] == nil {
			continue
		}
		if colors[id] == white {
			visit(id)
		}
	}

	return errs
}

// cyclePath returns the stack suffix starting at id
func cyclePath(stack []string, id string) []string {
	for i, s := range stack {
		if s == id {
			return append([]string(nil), stack[i:]...)
		}
	}
	return []string{id}
}

// canonicalCycle rotates a cycle to start at its smallest id so the same
// cycle reached from different entry points is reported once
func canonicalCycle(path []string) string {
	if len(path) == 0 {
		return ""
	}
	minIdx := 0
	for i, s := range path {
		if s < path[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string(nil), path[minIdx:]...), path[:minIdx]...)
	return strings.Join(rotated, ",")
}

func sortedTaskIDs(p *domain.Pipeline) []string {
	ids := make([]string, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
