// Package workers executes task attempts.
//
// The pool runs a fixed number of goroutines consuming a buffered job
// channel; at most one job per worker is in flight, so the pool size is
// the engine-wide worker ceiling. Each job is driven by the Executor:
//   - Moves the task QUEUED -> RUNNING on its run coordinator
//   - Invokes the operator under the task's wall-clock timeout
//   - Applies the retry policy and records the outcome
//   - Releases the task's resource reservation on every exit path
//
// The health monitor tracks worker status and records the worker gauges.
package workers
