package domain

import (
	"sort"
	"time"
)

// MaxTaskTimeoutSeconds is the hard ceiling for a single task attempt.
const MaxTaskTimeoutSeconds = 86400

// TriggerRule decides when a task becomes eligible based on upstream outcomes
type TriggerRule string

const (
	TriggerAllSuccess TriggerRule = "all_success"
	TriggerAllDone    TriggerRule = "all_done"
	TriggerAllFailed  TriggerRule = "all_failed"
	TriggerOneSuccess TriggerRule = "one_success"
	TriggerOneFailed  TriggerRule = "one_failed"
	TriggerNoneFailed TriggerRule = "none_failed"
	TriggerDummy      TriggerRule = "dummy"
)

// Valid reports whether the rule is one of the known trigger rules
func (r TriggerRule) Valid() bool {
	switch r {
	case TriggerAllSuccess, TriggerAllDone, TriggerAllFailed,
		TriggerOneSuccess, TriggerOneFailed, TriggerNoneFailed, TriggerDummy:
		return true
	}
	return false
}

// TriggerType describes what starts runs of a pipeline
type TriggerType string

const (
	TriggerTypeManual     TriggerType = "manual"
	TriggerTypeCron       TriggerType = "cron"
	TriggerTypeEvent      TriggerType = "event"
	TriggerTypeWebhook    TriggerType = "webhook"
	TriggerTypeDataChange TriggerType = "data_change"
	TriggerTypeModelDrift TriggerType = "model_drift"
)

// Valid reports whether the trigger type is known
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeManual, TriggerTypeCron, TriggerTypeEvent,
		TriggerTypeWebhook, TriggerTypeDataChange, TriggerTypeModelDrift:
		return true
	}
	return false
}

// ResourceRequirement is what a task needs while one of its attempts runs
type ResourceRequirement struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	GPU     int     `json:"gpu"`
	Timeout int     `json:"timeout"` // seconds
}

// IsZero reports whether no field was set
func (r ResourceRequirement) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0 && r.GPU == 0 && r.Timeout == 0
}

// TimeoutDuration returns the attempt timeout as a duration
func (r ResourceRequirement) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// RetryPolicy controls how failed attempts are retried
type RetryPolicy struct {
	MaxRetries         int      `json:"max_retries"`
	RetryDelay         int      `json:"retry_delay"` // seconds
	ExponentialBackoff bool     `json:"exponential_backoff"`
	RetryOn            []string `json:"retry_on,omitempty"`
}

// Retryable reports whether a failure code is eligible for retry.
// An empty RetryOn set accepts every code.
func (p RetryPolicy) Retryable(code string) bool {
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry attempt n (1-based)
func (p RetryPolicy) Backoff(n int) time.Duration {
	delay := p.RetryDelay
	if delay < 1 {
		delay = 1
	}
	if p.ExponentialBackoff {
		for i := 1; i < n && delay < MaxTaskTimeoutSeconds; i++ {
			delay *= 2
		}
	}
	if delay > MaxTaskTimeoutSeconds {
		delay = MaxTaskTimeoutSeconds
	}
	return time.Duration(delay) * time.Second
}

// Schedule is a cron schedule evaluated by an external triggerer
type Schedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Task is one node of a pipeline graph
type Task struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Operator    string              `json:"operator"`
	Params      map[string]any      `json:"params,omitempty"`
	Env         map[string]string   `json:"env,omitempty"`
	Upstream    []string            `json:"upstream,omitempty"`
	Downstream  []string            `json:"downstream,omitempty"`
	Resources   ResourceRequirement `json:"resources"`
	Retry       RetryPolicy         `json:"retry_policy"`
	Condition   string              `json:"condition,omitempty"`
	TriggerRule TriggerRule         `json:"trigger_rule"`
}

// Pipeline is a versioned graph of tasks
type Pipeline struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	Version           int              `json:"version"`
	Owner             string           `json:"owner,omitempty"`
	Team              string           `json:"team,omitempty"`
	Project           string           `json:"project,omitempty"`
	Tags              []string         `json:"tags,omitempty"`
	Tasks             map[string]*Task `json:"tasks"`
	Schedule          *Schedule        `json:"schedule,omitempty"`
	TriggerType       TriggerType      `json:"trigger_type"`
	MaxConcurrentRuns int              `json:"max_concurrent_runs"`
	IsActive          bool             `json:"is_active"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Normalize fills defaults and derives downstream edges from upstream
// edges (and the reverse) so both lists are mutual inverses.
// Ids that do not resolve are left in place for the validator to report.
func (p *Pipeline) Normalize() {
	if p.TriggerType == "" {
		p.TriggerType = TriggerTypeManual
	}
	if p.MaxConcurrentRuns == 0 {
		p.MaxConcurrentRuns = 1
	}

	up := make(map[string]map[string]bool, len(p.Tasks))
	down := make(map[string]map[string]bool, len(p.Tasks))
	for id := range p.Tasks {
		up[id] = make(map[string]bool)
		down[id] = make(map[string]bool)
	}

	for id, t := range p.Tasks {
		if t == nil {
			continue
		}
		if t.ID == "" {
			t.ID = id
		}
		if t.Name == "" {
			t.Name = id
		}
		if t.TriggerRule == "" {
			t.TriggerRule = TriggerAllSuccess
		}
		if t.Retry.RetryDelay == 0 {
			t.Retry.RetryDelay = 1
		}
		for _, u := range t.Upstream {
			up[id][u] = true
			if _, ok := p.Tasks[u]; ok {
				down[u][id] = true
			}
		}
		for _, d := range t.Downstream {
			down[id][d] = true
			if _, ok := p.Tasks[d]; ok {
				up[d][id] = true
			}
		}
	}

	for id, t := range p.Tasks {
		if t == nil {
			continue
		}
		t.Upstream = sortedKeys(up[id])
		t.Downstream = sortedKeys(down[id])
	}
}

// Clone returns a deep copy; runs execute against clones so definitions
// never change underneath them.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	if p.Schedule != nil {
		s := *p.Schedule
		c.Schedule = &s
	}
	c.Tasks = make(map[string]*Task, len(p.Tasks))
	for id, t := range p.Tasks {
		c.Tasks[id] = t.Clone()
	}
	return &c
}

// Clone returns a deep copy of the task definition
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = CloneMap(t.Params)
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	c.Upstream = append([]string(nil), t.Upstream...)
	c.Downstream = append([]string(nil), t.Downstream...)
	c.Retry.RetryOn = append([]string(nil), t.Retry.RetryOn...)
	return &c
}

// CloneMap deep copies nested maps and slices of a JSON-like value tree
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
