// Command dagctl checks pipeline definitions offline: it parses YAML
// files, validates them and prints a dry-run report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/pkg/adapters/llm/anthropic"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/definition"
	"github.com/aescanero/dagrun/pkg/domain"
	"go.uber.org/zap"
)

// ExitError carries the process exit code
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(out io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("dagctl", flag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.Usage = func() {
		fmt.Fprint(out, `
dagctl - validate and dry-run pipeline definitions.

Usage:
  dagctl [options] FILE...

Options:
`)
		flagSet.PrintDefaults()
	}

	asJSON := flagSet.Bool("json", false, "Print dry-run results as JSON.")
	format := flagSet.Bool("fmt", false, "Print each definition normalized instead of validating it.")
	cpu := flagSet.Float64("cpu", 8, "Engine cpu capacity to check requirements against.")
	mem := flagSet.Float64("memory", 16, "Engine memory capacity to check requirements against.")
	gpu := flagSet.Int("gpu", 0, "Engine gpu capacity to check requirements against.")
	cpuWarn := flagSet.Float64("cpu-warn", 16, "Warn when a pipeline requests more total cpu.")
	longRunning := flagSet.Int("long-running", 3600, "Warn when a task timeout exceeds this many seconds.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return &ExitError{Code: 2}
	}

	registry := operators.NewRegistry()
	if err := operators.RegisterBuiltins(registry); err != nil {
		return err
	}
	if err := registerCatalogOnly(registry); err != nil {
		return err
	}

	store := memory.NewStore()
	manager := orchestrator.NewManager(orchestrator.Config{
		Capacity:       domain.Capacity{CPU: *cpu, Memory: *mem, GPU: *gpu},
		WorkerPoolSize: 1,
		Validation: orchestrator.ValidatorConfig{
			CPUWarnThreshold:     *cpuWarn,
			LongRunningThreshold: *longRunning,
		},
	}, orchestrator.Stores{Pipelines: store, Runs: store, Logs: store}, nil, registry, nil, zap.NewNop())

	invalid := 0
	for _, path := range flagSet.Args() {
		p, err := definition.ParseFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			invalid++
			continue
		}

		if *format {
			data, err := definition.Encode(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "# %s\n%s", path, data)
			continue
		}

		result := manager.DryRun(p)
		if !result.Valid {
			invalid++
		}
		if *asJSON {
			if err := printJSON(out, path, result); err != nil {
				return err
			}
			continue
		}
		printReport(out, path, result)
	}

	if invalid > 0 {
		return &ExitError{Code: 1, Message: fmt.Sprintf("%d of %d definitions invalid", invalid, flagSet.NArg())}
	}
	return nil
}

// registerCatalogOnly adds operators that only exist in a configured
// service so definitions using them do not warn offline
func registerCatalogOnly(r *operators.Registry) error {
	offline := operators.Func(func(context.Context, *operators.Invocation) (map[string]any, error) {
		return nil, domain.Fatal(domain.CodeUnknownOperator, errors.New("operator not available offline"))
	})
	return r.Register(anthropic.OperatorName, offline, anthropic.SpecFor(anthropic.DefaultModel))
}

func printJSON(out io.Writer, path string, result *orchestrator.DryRunResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		File string `json:"file"`
		*orchestrator.DryRunResult
	}{path, result})
}

func printReport(out io.Writer, path string, result *orchestrator.DryRunResult) {
	status := "ok"
	if !result.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(out, "%s: %s\n", path, status)

	for _, e := range result.Errors {
		fmt.Fprintf(out, "  error: %s\n", e.Error())
	}
	for _, w := range result.Warnings {
		if w.TaskID != "" {
			fmt.Fprintf(out, "  warning: task %s: %s\n", w.TaskID, w.Message)
			continue
		}
		fmt.Fprintf(out, "  warning: %s\n", w.Message)
	}
	if !result.Valid {
		return
	}

	fmt.Fprintf(out, "  roots: %v\n", result.Roots)
	fmt.Fprintf(out, "  leaves: %v\n", result.Leaves)
	fmt.Fprintf(out, "  estimated duration: %ds\n", result.EstimatedDuration)
	fmt.Fprintf(out, "  total resources: cpu=%g memory=%g gpu=%d\n",
		result.TotalResources.CPU, result.TotalResources.Memory, result.TotalResources.GPU)
}
