// Package scheduler decides which nodes of a compiled workflow graph run
// next. It has two cooperating halves:
//
// The EdgeManager owns per-run edge state. When a node completes, its
// output activates some outgoing edges and abandons the rest; abandoned
// branches are pruned by cascading deactivation so that join points
// downstream of a skipped branch still become ready.
//
// The Orchestrator owns loop lifecycle. Each loop's sentinel-start admits
// the body (or exits a zero-iteration loop), the body's outputs accumulate
// on a per-run LoopScope, and the sentinel-end evaluates a continuation
// after every iteration: wait for stragglers, re-arm the body for another
// turn, or exit with the aggregated results.
//
// All mutable state lives on the run (Context, ExecutionState, EdgeManager),
// never on the Graph, so concurrent runs of one workflow are independent.
// The driver that actually executes node handlers lives in pkg/runner.
package scheduler
