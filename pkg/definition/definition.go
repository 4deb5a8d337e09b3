package definition

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/aescanero/dagrun/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a pipeline. Tasks are a list so authors
// control their order; dependencies are declared with depends_on only.
type Document struct {
	ID                string    `yaml:"id,omitempty"`
	Name              string    `yaml:"name"`
	Description       string    `yaml:"description,omitempty"`
	Owner             string    `yaml:"owner,omitempty"`
	Team              string    `yaml:"team,omitempty"`
	Project           string    `yaml:"project,omitempty"`
	Tags              []string  `yaml:"tags,omitempty"`
	Schedule          *Schedule `yaml:"schedule,omitempty"`
	TriggerType       string    `yaml:"trigger_type,omitempty"`
	MaxConcurrentRuns int       `yaml:"max_concurrent_runs,omitempty"`
	Active            bool      `yaml:"active,omitempty"`
	Tasks             []Task    `yaml:"tasks"`
}

// Schedule is a cron schedule
type Schedule struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone,omitempty"`
}

// Task is one entry of the tasks list
type Task struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name,omitempty"`
	Operator    string            `yaml:"operator"`
	Params      map[string]any    `yaml:"params,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Resources   *Resources        `yaml:"resources,omitempty"`
	Retry       *Retry            `yaml:"retry,omitempty"`
	Condition   string            `yaml:"condition,omitempty"`
	TriggerRule string            `yaml:"trigger_rule,omitempty"`
}

// Resources is a task resource requirement. Omitted fields fall back to
// the operator's default profile when the pipeline is registered.
type Resources struct {
	CPU     float64 `yaml:"cpu,omitempty"`
	Memory  float64 `yaml:"memory,omitempty"`
	GPU     int     `yaml:"gpu,omitempty"`
	Timeout int     `yaml:"timeout,omitempty"`
}

// Retry is a task retry policy
type Retry struct {
	MaxRetries         int      `yaml:"max_retries"`
	Delay              int      `yaml:"delay,omitempty"`
	ExponentialBackoff bool     `yaml:"exponential_backoff,omitempty"`
	On                 []string `yaml:"on,omitempty"`
}

// Parse decodes a YAML pipeline definition into a normalized pipeline.
// Structural checks beyond the document shape are left to the validator.
func Parse(data []byte) (*domain.Pipeline, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return doc.Pipeline()
}

// ParseFile reads and parses a YAML definition from disk
func ParseFile(path string) (*domain.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Pipeline converts the document into a domain pipeline
func (d Document) Pipeline() (*domain.Pipeline, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, errors.New("definition name is required")
	}
	if len(d.Tasks) == 0 {
		return nil, errors.New("definition must declare at least one task")
	}

	p := &domain.Pipeline{
		ID:                d.ID,
		Name:              d.Name,
		Description:       d.Description,
		Owner:             d.Owner,
		Team:              d.Team,
		Project:           d.Project,
		Tags:              d.Tags,
		TriggerType:       domain.TriggerType(d.TriggerType),
		MaxConcurrentRuns: d.MaxConcurrentRuns,
		IsActive:          d.Active,
		Tasks:             make(map[string]*domain.Task, len(d.Tasks)),
	}
	if d.Schedule != nil {
		p.Schedule = &domain.Schedule{Cron: d.Schedule.Cron, Timezone: d.Schedule.Timezone}
	}

	for i, t := range d.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("tasks[%d].id is required", i)
		}
		if _, ok := p.Tasks[id]; ok {
			return nil, fmt.Errorf("tasks[%d].id must be unique (duplicate %q)", i, id)
		}

		task := &domain.Task{
			ID:          id,
			Name:        t.Name,
			Operator:    t.Operator,
			Params:      t.Params,
			Env:         t.Env,
			Upstream:    t.DependsOn,
			Condition:   t.Condition,
			TriggerRule: domain.TriggerRule(t.TriggerRule),
		}
		if t.Resources != nil {
			task.Resources = domain.ResourceRequirement{
				CPU:     t.Resources.CPU,
				Memory:  t.Resources.Memory,
				GPU:     t.Resources.GPU,
				Timeout: t.Resources.Timeout,
			}
		}
		if t.Retry != nil {
			task.Retry = domain.RetryPolicy{
				MaxRetries:         t.Retry.MaxRetries,
				RetryDelay:         t.Retry.Delay,
				ExponentialBackoff: t.Retry.ExponentialBackoff,
				RetryOn:            t.Retry.On,
			}
		}
		p.Tasks[id] = task
	}

	p.Normalize()
	return p, nil
}

// Encode renders a pipeline as a YAML definition. Tasks are emitted in
// topological order; tasks on a cycle follow, sorted by id.
func Encode(p *domain.Pipeline) ([]byte, error) {
	doc := Document{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		Owner:             p.Owner,
		Team:              p.Team,
		Project:           p.Project,
		Tags:              p.Tags,
		TriggerType:       string(p.TriggerType),
		MaxConcurrentRuns: p.MaxConcurrentRuns,
		Active:            p.IsActive,
	}
	if p.Schedule != nil {
		doc.Schedule = &Schedule{Cron: p.Schedule.Cron, Timezone: p.Schedule.Timezone}
	}

	for _, id := range encodeOrder(p) {
		t := p.Tasks[id]
		entry := Task{
			ID:          t.ID,
			Name:        t.Name,
			Operator:    t.Operator,
			Params:      t.Params,
			Env:         t.Env,
			DependsOn:   t.Upstream,
			Condition:   t.Condition,
			TriggerRule: string(t.TriggerRule),
		}
		if entry.Name == entry.ID {
			entry.Name = ""
		}
		if !t.Resources.IsZero() {
			entry.Resources = &Resources{
				CPU:     t.Resources.CPU,
				Memory:  t.Resources.Memory,
				GPU:     t.Resources.GPU,
				Timeout: t.Resources.Timeout,
			}
		}
		if t.Retry.MaxRetries > 0 {
			entry.Retry = &Retry{
				MaxRetries:         t.Retry.MaxRetries,
				Delay:              t.Retry.RetryDelay,
				ExponentialBackoff: t.Retry.ExponentialBackoff,
				On:                 t.Retry.RetryOn,
			}
		}
		doc.Tasks = append(doc.Tasks, entry)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return out, nil
}

func encodeOrder(p *domain.Pipeline) []string {
	ids := make([]string, 0, len(p.Tasks))
	for id, t := range p.Tasks {
		if t == nil {
			return nil
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	order, _ := p.TopologicalOrder()
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			order = append(order, id)
		}
	}
	return order
}
