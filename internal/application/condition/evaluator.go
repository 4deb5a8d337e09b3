// Package condition evaluates task conditions written in HCL expression
// syntax, e.g.
//
//	params.env == "prod" && outputs.extract.rows > 0
//
// Two variables are in scope: params (the run parameters) and outputs (the
// output map of every succeeded task, keyed by task id).
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Scope holds the values a condition can reference
type Scope struct {
	Params  map[string]any
	Outputs map[string]map[string]any
}

// Evaluator parses and evaluates conditions
type Evaluator struct{}

// NewEvaluator creates a condition evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Check parses the expression without evaluating it
func (e *Evaluator) Check(src string) error {
	_, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return fmt.Errorf("parse condition: %s", diags.Error())
	}
	return nil
}

// Evaluate returns the boolean value of the expression in scope
func (e *Evaluator) Evaluate(src string, scope Scope) (bool, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return false, fmt.Errorf("parse condition: %s", diags.Error())
	}

	params, err := objectOf(scope.Params)
	if err != nil {
		return false, fmt.Errorf("convert params: %w", err)
	}

	// an output that cannot be converted only breaks conditions that read it
	outputs := make(map[string]cty.Value, len(scope.Outputs))
	for id, out := range scope.Outputs {
		if v, err := objectOf(out); err == nil {
			outputs[id] = v
		}
	}
	outputVal := cty.EmptyObjectVal
	if len(outputs) > 0 {
		outputVal = cty.ObjectVal(outputs)
	}

	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"params":  params,
			"outputs": outputVal,
		},
	}

	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate condition: %s", diags.Error())
	}
	if !val.IsKnown() || val.IsNull() {
		return false, fmt.Errorf("condition evaluated to an unknown or null value")
	}

	b, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition must be boolean, got %s", val.Type().FriendlyName())
	}
	return b.True(), nil
}

// objectOf converts a JSON-like map into a cty object through its JSON
// encoding, so any value encoding/json can marshal is reachable with
// attribute and index syntax
func objectOf(m map[string]any) (cty.Value, error) {
	if len(m) == 0 {
		return cty.EmptyObjectVal, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return cty.NilVal, err
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(data, ty)
}
