// Package domain defines the pipeline graph model and the run records the
// engine works with.
//
// A Pipeline is an arena of Tasks indexed by id; edges are id lists kept as
// mutual inverses (Upstream/Downstream). Graph queries (roots, leaves,
// levels, topological order, critical path estimate) are read-only.
//
// A Run owns its own TaskRecord per task, so concurrent runs of the same
// pipeline never share mutable state.
package domain
