package condition

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	scope := Scope{
		Params: map[string]any{
			"env":     "prod",
			"enabled": true,
			"limit":   10,
		},
		Outputs: map[string]map[string]any{
			"extract": {"rows": float64(42), "tables": []any{"a", "b"}},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `params.env == "prod"`, true},
		{"string inequality", `params.env != "prod"`, false},
		{"bool param", `params.enabled`, true},
		{"numeric comparison", `outputs.extract.rows > params.limit`, true},
		{"logical and", `params.enabled && outputs.extract.rows < 10`, false},
		{"logical or", `params.env == "dev" || params.enabled`, true},
		{"tuple index", `outputs.extract.tables[1] == "b"`, true},
		{"literal", `true`, true},
		{"string bool converts", `"false"`, false},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_UnrelatedOutputTypes(t *testing.T) {
	scope := Scope{
		Params: map[string]any{"env": "prod"},
		Outputs: map[string]map[string]any{
			"other":  {"ids": []int{1, 2}},
			"broken": {"nan": math.NaN()},
		},
	}

	got, err := NewEvaluator().Evaluate(`params.env == "prod"`, scope)
	require.NoError(t, err)
	assert.True(t, got)

	// an output that cannot be encoded is only missing for conditions that read it
	_, err = NewEvaluator().Evaluate(`outputs.broken.nan > 0`, scope)
	assert.Error(t, err)
}

func TestEvaluate_OutputValueTypes(t *testing.T) {
	scope := Scope{
		Params: map[string]any{"retries": uint(3), "optional": nil},
		Outputs: map[string]map[string]any{
			"extract": {
				"ids":     []int{4, 5, 6},
				"files":   []map[string]any{{"name": "a.csv", "size": 10}},
				"counts":  map[string]int{"ok": 7},
				"total":   json.Number("12.5"),
				"missing": nil,
			},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"int slice index", `outputs.extract.ids[2] == 6`, true},
		{"slice of maps", `outputs.extract.files[0].name == "a.csv"`, true},
		{"typed map", `outputs.extract.counts.ok == 7`, true},
		{"json number", `outputs.extract.total > 12`, true},
		{"unsigned param", `params.retries == 3`, true},
		{"null value", `outputs.extract.missing == null`, true},
		{"null param", `params.optional == null`, true},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`params.missing == 1`, Scope{Params: map[string]any{"env": "x"}})
	assert.Error(t, err)

	_, err = e.Evaluate(`params.env`, Scope{Params: map[string]any{"env": "not-a-bool"}})
	assert.Error(t, err)

	_, err = e.Evaluate(`params.env ==`, Scope{})
	assert.Error(t, err)
}

func TestEvaluate_NoFunctions(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`length(params.items) == 2`, Scope{Params: map[string]any{"items": []any{1, 2}}})
	assert.Error(t, err)
}

func TestEvaluate_EmptyScope(t *testing.T) {
	e := NewEvaluator()

	got, err := e.Evaluate(`1 + 1 == 2`, Scope{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCheck(t *testing.T) {
	e := NewEvaluator()

	assert.NoError(t, e.Check(`params.a == "b"`))
	assert.Error(t, e.Check(`params.a ==`))
	assert.Error(t, e.Check(`(`))
}
