// Package orchestrator is the service root of the engine.
//
// The manager:
//   - Keeps the pipeline catalog (create, update with version bump,
//     activate, delete when no run is live)
//   - Starts runs from active pipelines and hands them to the scheduler
//   - Answers run, log and stats queries from live state or the stores
//
// The validator checks pipeline structure (cycles, dangling references,
// mismatched edges, orphans, field bounds and conditions) and produces
// dry-run warnings.
package orchestrator
