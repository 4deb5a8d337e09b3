package orchestrator

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, upstream ...string) *domain.Task {
	return &domain.Task{
		ID:        id,
		Operator:  "noop",
		Upstream:  upstream,
		Resources: domain.ResourceRequirement{CPU: 1, Memory: 1, Timeout: 60},
	}
}

func newPipeline(tasks ...*domain.Task) *domain.Pipeline {
	p := &domain.Pipeline{
		ID:    "p1",
		Name:  "test",
		Tasks: make(map[string]*domain.Task, len(tasks)),
	}
	for _, t := range tasks {
		p.Tasks[t.ID] = t
	}
	p.Normalize()
	return p
}

func kinds(errs []domain.ValidationError) []domain.ValidationKind {
	out := make([]domain.ValidationKind, len(errs))
	for i, e := range errs {
		out[i] = e.Kind
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	tests := []struct {
		name     string
		pipeline *domain.Pipeline
	}{
		{"single task", newPipeline(newTask("a"))},
		{"chain", newPipeline(newTask("a"), newTask("b", "a"), newTask("c", "b"))},
		{"diamond", newPipeline(newTask("a"), newTask("b", "a"), newTask("c", "a"), newTask("d", "b", "c"))},
		{"disconnected chains", newPipeline(newTask("a"), newTask("b", "a"), newTask("x"), newTask("y", "x"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, v.Validate(tt.pipeline))
			assert.NoError(t, v.Err(tt.pipeline))
		})
	}
}

func TestValidate_Empty(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	errs := v.Validate(&domain.Pipeline{ID: "p", Name: "empty"})
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ValidationEmptyPipeline, errs[0].Kind)

	err := v.Err(&domain.Pipeline{ID: "p", Name: "empty"})
	require.ErrorIs(t, err, domain.ErrValidation)

	var vf *domain.ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "p", vf.PipelineID)
}

func TestValidate_Cycle(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(newTask("a", "c"), newTask("b", "a"), newTask("c", "b"))
	errs := v.Validate(p)

	require.Len(t, errs, 1)
	assert.Equal(t, domain.ValidationCycle, errs[0].Kind)
	assert.Contains(t, errs[0].Message, "a -> b -> c -> a")
}

func TestValidate_SelfLoop(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	errs := v.Validate(newPipeline(newTask("a", "a")))
	assert.Contains(t, kinds(errs), domain.ValidationCycle)
}

func TestValidate_CycleInSecondComponent(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(
		newTask("a"), newTask("b", "a"),
		newTask("x", "z"), newTask("y", "x"), newTask("z", "y"),
	)
	errs := v.Validate(p)

	assert.Equal(t, []domain.ValidationKind{domain.ValidationCycle}, kinds(errs))
}

func TestValidate_DanglingReference(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(newTask("a"), newTask("b", "a", "ghost"))
	errs := v.Validate(p)

	require.Len(t, errs, 1)
	assert.Equal(t, domain.ValidationDanglingReference, errs[0].Kind)
	assert.Equal(t, "b", errs[0].TaskID)
	assert.Contains(t, errs[0].Message, "ghost")
}

func TestValidate_EdgeMismatch(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(newTask("a"), newTask("b", "a"))
	p.Tasks["a"].Downstream = nil

	errs := v.Validate(p)
	assert.Contains(t, kinds(errs), domain.ValidationEdgeMismatch)
}

func TestValidate_Orphan(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(newTask("a"), newTask("b", "a"), newTask("lonely"))
	errs := v.Validate(p)

	require.Len(t, errs, 1)
	assert.Equal(t, domain.ValidationOrphan, errs[0].Kind)
	assert.Equal(t, "lonely", errs[0].TaskID)
}

func TestValidate_InvalidFields(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	bad := newTask("a")
	bad.Operator = ""
	bad.Resources = domain.ResourceRequirement{CPU: 0, Memory: -1, GPU: -1, Timeout: domain.MaxTaskTimeoutSeconds + 1}
	bad.Retry = domain.RetryPolicy{MaxRetries: -1, RetryDelay: 0}
	bad.TriggerRule = "whenever"

	p := newPipeline(bad)
	bad.Retry.RetryDelay = 0 // Normalize defaults it; force the invalid value back
	p.MaxConcurrentRuns = 0

	errs := v.Validate(p)
	for _, e := range errs {
		assert.Equal(t, domain.ValidationInvalidField, e.Kind, e.Message)
	}
	// operator, cpu, memory, gpu, timeout, max_retries, retry_delay, trigger_rule, max_concurrent_runs
	assert.Len(t, errs, 9)
}

func TestValidate_InvalidCondition(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	a := newTask("a")
	a.Condition = `params.x ==`
	errs := v.Validate(newPipeline(a))

	require.Len(t, errs, 1)
	assert.Equal(t, domain.ValidationInvalidCondition, errs[0].Kind)
}

func TestValidate_DoesNotMutate(t *testing.T) {
	v := NewValidator(ValidatorConfig{})

	p := newPipeline(newTask("a", "c"), newTask("b", "a"), newTask("c", "b"))
	before := p.Clone()

	v.Validate(p)
	assert.Equal(t, before, p)
}

// randomDAG builds a pipeline whose edges only point from lower to higher
// indices, so it is acyclic by construction
func randomDAG(rng *rand.Rand, n int) *domain.Pipeline {
	tasks := make([]*domain.Task, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%02d", i)
		var up []string
		if i > 0 {
			// always connect to something earlier to avoid orphans
			up = append(up, fmt.Sprintf("t%02d", rng.Intn(i)))
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					up = append(up, fmt.Sprintf("t%02d", j))
				}
			}
		}
		tasks[i] = newTask(id, up...)
	}
	return newPipeline(tasks...)
}

func TestValidate_RandomAcyclicIsValid(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		p := randomDAG(rng, rng.Intn(15)+2)
		require.Empty(t, v.Validate(p), "iteration %d", i)
	}
}

func TestValidate_RandomBackEdgeIsCycle(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		n := rng.Intn(15) + 2
		p := randomDAG(rng, n)

		// pick a task and one of its ancestors; an edge task -> ancestor
		// closes a cycle
		to := fmt.Sprintf("t%02d", rng.Intn(n-1)+1)
		ancestor := p.Tasks[to].Upstream[0]
		p.Tasks[ancestor].Upstream = append(p.Tasks[ancestor].Upstream, to)
		p.Normalize()

		assert.Contains(t, kinds(v.Validate(p)), domain.ValidationCycle, "iteration %d", i)
	}
}

func TestWarnings(t *testing.T) {
	v := NewValidator(ValidatorConfig{CPUWarnThreshold: 3, LongRunningThreshold: 3600})

	a := newTask("a")
	a.Resources.CPU = 2
	b := newTask("b", "a")
	b.Resources.CPU = 2
	b.Resources.Timeout = 7200

	warnings := v.Warnings(newPipeline(a, b))
	require.Len(t, warnings, 2)
	assert.Equal(t, "b", warnings[0].TaskID)
	assert.Contains(t, warnings[1].Message, "total requested cpu")
}
