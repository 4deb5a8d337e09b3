package operators

import (
	"context"
	"errors"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

var defaultResources = domain.ResourceRequirement{CPU: 0.1, Memory: 0.1, Timeout: 300}

// RegisterBuiltins adds the noop, sleep and fail operators
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name string
		op   Operator
		spec Spec
	}{
		{
			name: "noop",
			op:   Func(noop),
			spec: Spec{
				Description:      "Returns its parameters as output",
				DefaultResources: defaultResources,
			},
		},
		{
			name: "sleep",
			op:   Func(sleep),
			spec: Spec{
				Description: "Waits for the given number of seconds",
				Params: []ParamSpec{
					{Name: "duration", Type: ParamNumber, Required: true, Description: "seconds to wait"},
				},
				DefaultResources: defaultResources,
			},
		},
		{
			name: "fail",
			op:   Func(fail),
			spec: Spec{
				Description: "Always fails; used to exercise retry and trigger rules",
				Params: []ParamSpec{
					{Name: "mode", Type: ParamString, Description: "transient or fatal (default transient)"},
					{Name: "code", Type: ParamString, Description: "failure code (default operator_error)"},
					{Name: "message", Type: ParamString},
				},
				DefaultResources: defaultResources,
			},
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.name, b.op, b.spec); err != nil {
			return err
		}
	}
	return nil
}

func noop(_ context.Context, inv *Invocation) (map[string]any, error) {
	out := domain.CloneMap(inv.Params)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func sleep(ctx context.Context, inv *Invocation) (map[string]any, error) {
	secs, ok := Number(inv.Params, "duration")
	if !ok || secs < 0 {
		return nil, domain.Fatal(domain.CodeOperatorError, errors.New("duration must be a non-negative number"))
	}
	d := time.Duration(secs * float64(time.Second))

	if inv.Logf != nil {
		inv.Logf("sleeping for %s", d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"slept": secs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, inv *Invocation) (map[string]any, error) {
	code := String(inv.Params, "code", domain.CodeOperatorError)
	err := errors.New(String(inv.Params, "message", "task failed on purpose"))

	if String(inv.Params, "mode", "transient") == "fatal" {
		return nil, domain.Fatal(code, err)
	}
	return nil, domain.Transient(code, err)
}
