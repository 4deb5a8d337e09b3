// Package operators holds the catalog of named operators tasks delegate
// their work to. An operator is looked up by name at dispatch time and
// invoked with the task's parameters and environment.
package operators

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Invocation carries what an operator needs for one attempt
type Invocation struct {
	RunID   string
	TaskID  string
	Attempt int
	Params  map[string]any
	Env     map[string]string
	// Logf appends a line to the run's log stream
	Logf func(format string, args ...any)
}

// Operator performs the work of a task. Failures should be returned as
// *domain.TaskError to control retries; other errors are treated as
// transient operator errors.
type Operator interface {
	Invoke(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// Func adapts a plain function to the Operator interface
type Func func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Invoke calls f
func (f Func) Invoke(ctx context.Context, inv *Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// ParamType is the JSON kind a parameter must have
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamList   ParamType = "list"
	ParamAny    ParamType = "any"
)

// ParamSpec declares one operator parameter
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Spec describes an operator in the catalog
type Spec struct {
	Description      string                     `json:"description"`
	Params           []ParamSpec                `json:"params,omitempty"`
	DefaultResources domain.ResourceRequirement `json:"default_resources"`
}

// Info is a catalog listing entry
type Info struct {
	Name string `json:"name"`
	Spec
}

type entry struct {
	op   Operator
	spec Spec
}

// Registry is a concurrency-safe operator catalog
type Registry struct {
	mu  sync.RWMutex
	ops map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]entry)}
}

// Register adds an operator. Names are unique.
func (r *Registry) Register(name string, op Operator, spec Spec) error {
	if name == "" {
		return fmt.Errorf("operator name is required")
	}
	if op == nil {
		return fmt.Errorf("operator %s: nil implementation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("operator %s already registered", name)
	}
	r.ops[name] = entry{op: op, spec: spec}
	return nil
}

// Lookup returns the operator registered under name
func (r *Registry) Lookup(name string) (Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[name]
	return e.op, ok
}

// Spec returns the catalog entry of an operator
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.ops[name]
	return e.spec, ok
}

// List returns every registered operator sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.ops))
	for name, e := range r.ops {
		infos = append(infos, Info{Name: name, Spec: e.spec})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ValidateParams checks params against the operator's declared schema.
// Unknown extra parameters are allowed.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	spec, ok := r.Spec(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOperator, name)
	}

	var problems []string
	for _, p := range spec.Params {
		v, present := params[p.Name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s", p.Name, p.Type))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: operator %s: %s", domain.ErrInvalidParameters, name, strings.Join(problems, "; "))
	}
	return nil
}

// ApplyDefaults fills zero resource requirements from the operators'
// default profiles. Tasks naming unknown operators are left untouched.
func (r *Registry) ApplyDefaults(p *domain.Pipeline) {
	for _, t := range p.Tasks {
		if t == nil || !t.Resources.IsZero() {
			continue
		}
		if spec, ok := r.Spec(t.Operator); ok {
			t.Resources = spec.DefaultResources
		}
	}
}

func matchesType(want ParamType, v any) bool {
	switch want {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, uint, uint32, uint64:
			return true
		}
		return false
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok
	case ParamList:
		_, ok := v.([]any)
		return ok
	}
	return true
}

// Number reads a numeric parameter decoded from JSON or YAML
func Number(params map[string]any, name string) (float64, bool) {
	switch v := params[name].(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// String reads a string parameter, returning def when absent
func String(params map[string]any, name, def string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return def
}
