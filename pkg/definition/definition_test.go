package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etlYAML = `
id: nightly
name: nightly-etl
description: load yesterday's orders
tags: [etl, orders]
schedule:
  cron: "0 2 * * *"
trigger_type: cron
max_concurrent_runs: 2
tasks:
  - id: extract
    operator: noop
    params:
      source: orders
      limit: 100
  - id: transform
    operator: sleep
    depends_on: [extract]
    params:
      duration: 1.5
    resources:
      cpu: 2
      memory: 4
      timeout: 60
    retry:
      max_retries: 3
      delay: 5
      exponential_backoff: true
      on: [operator_error]
  - id: load
    operator: noop
    depends_on: [transform]
    condition: outputs.transform.slept > 0
    trigger_rule: none_failed
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(etlYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly", p.ID)
	assert.Equal(t, "nightly-etl", p.Name)
	assert.Equal(t, []string{"etl", "orders"}, p.Tags)
	assert.Equal(t, domain.TriggerTypeCron, p.TriggerType)
	require.NotNil(t, p.Schedule)
	assert.Equal(t, "0 2 * * *", p.Schedule.Cron)
	assert.Equal(t, 2, p.MaxConcurrentRuns)
	require.Len(t, p.Tasks, 3)

	extract := p.Tasks["extract"]
	assert.Equal(t, "orders", extract.Params["source"])
	assert.Equal(t, 100, extract.Params["limit"])
	assert.Equal(t, []string{"transform"}, extract.Downstream, "downstream derived from depends_on")
	assert.Equal(t, domain.TriggerAllSuccess, extract.TriggerRule)

	transform := p.Tasks["transform"]
	assert.Equal(t, []string{"extract"}, transform.Upstream)
	assert.Equal(t, domain.ResourceRequirement{CPU: 2, Memory: 4, Timeout: 60}, transform.Resources)
	assert.Equal(t, domain.RetryPolicy{
		MaxRetries:         3,
		RetryDelay:         5,
		ExponentialBackoff: true,
		RetryOn:            []string{"operator_error"},
	}, transform.Retry)

	load := p.Tasks["load"]
	assert.Equal(t, domain.TriggerNoneFailed, load.TriggerRule)
	assert.NotEmpty(t, load.Condition)
	assert.Equal(t, "load", load.Name)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"malformed", "name: [", "decode definition"},
		{"no name", "tasks:\n  - id: a\n    operator: noop\n", "name is required"},
		{"no tasks", "name: empty\n", "at least one task"},
		{"missing id", "name: x\ntasks:\n  - operator: noop\n", "tasks[0].id is required"},
		{"duplicate id", "name: x\ntasks:\n  - id: a\n    operator: noop\n  - id: a\n    operator: noop\n", `duplicate "a"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_KeepsDanglingDependencies(t *testing.T) {
	p, err := Parse([]byte("name: x\ntasks:\n  - id: a\n    operator: noop\n    depends_on: [ghost]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, p.Tasks["a"].Upstream)
}

func TestEncode_RoundTripsThroughParse(t *testing.T) {
	p, err := Parse([]byte(etlYAML))
	require.NoError(t, err)

	out, err := Encode(p)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, p.Tasks["transform"].Retry, again.Tasks["transform"].Retry)
	assert.Equal(t, p.Tasks["load"].Upstream, again.Tasks["load"].Upstream)
	assert.Equal(t, p.Schedule, again.Schedule)

	doc := string(out)
	assert.Less(t, strings.Index(doc, "id: extract"), strings.Index(doc, "id: transform"))
	assert.Less(t, strings.Index(doc, "id: transform"), strings.Index(doc, "id: load"))
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(etlYAML), 0o600))

	p, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", p.ID)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
