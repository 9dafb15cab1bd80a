package scheduler

import (
	"sort"

	"github.com/tombee/cascade/pkg/dag"
)

// LoopScope is the per-run mutable state of one loop. Scopes live on the
// run's Context, never on the graph, so concurrent runs of the same
// workflow cannot interfere.
type LoopScope struct {
	// LoopID is the owning loop block.
	LoopID string

	// Type mirrors the loop configuration.
	Type dag.LoopType

	// Iteration is the zero-based index of the iteration currently
	// executing (or about to execute).
	Iteration int

	// MaxIterations bounds counted loops. Zero means the loop is skipped.
	MaxIterations int

	// Items is the resolved collection for forEach loops.
	Items []any

	// Item is the element for the current forEach iteration.
	Item any

	// Condition is the raw condition source for while and doWhile loops.
	Condition string

	// Current collects body outputs for the in-flight iteration, keyed by
	// base node id (virtual iteration suffixes stripped).
	Current map[string]*Output

	// All holds one snapshot per completed iteration.
	All [][]*Output

	// ValidationError records a fatal scope initialization failure, such
	// as a collection over the configured cap.
	ValidationError string

	// entered is set once the initial condition passes; a scope that was
	// never entered exits with zero iterations.
	entered bool
}

// Entered reports whether the loop body has been admitted at least once.
func (s *LoopScope) Entered() bool { return s.entered }

// Record stores a body node output for the current iteration.
func (s *LoopScope) Record(nodeID string, out *Output) {
	if s.Current == nil {
		s.Current = make(map[string]*Output)
	}
	s.Current[dag.BaseID(nodeID)] = out
}

// fold snapshots the current iteration's outputs into All and resets the
// working set. Outputs are ordered by node id so results are deterministic.
func (s *LoopScope) fold() {
	if len(s.Current) == 0 {
		return
	}
	ids := make([]string, 0, len(s.Current))
	for id := range s.Current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]*Output, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, s.Current[id])
	}
	s.All = append(s.All, snapshot)
	s.Current = make(map[string]*Output)
}

// ExpectedIterations returns the total iterations a bounded loop will run,
// or -1 when the bound is a condition rather than a count.
func (s *LoopScope) ExpectedIterations() int {
	switch s.Type {
	case dag.LoopForEach:
		return len(s.Items)
	case dag.LoopFor:
		return s.MaxIterations
	case dag.LoopDoWhile:
		if s.Condition != "" {
			return -1
		}
		return s.MaxIterations
	default:
		return -1
	}
}

// Continuation is the loop orchestrator's verdict after an iteration.
// Both fields false means the sentinel must keep waiting (an incomplete
// iteration, or a run halted by a response block).
type Continuation struct {
	// ShouldContinue re-arms the loop for another iteration.
	ShouldContinue bool

	// ShouldExit fires the loop-exit edges.
	ShouldExit bool

	// SelectedRoute is the control route the sentinel-end must emit.
	SelectedRoute string

	// Results holds the per-iteration output snapshots on exit.
	Results [][]*Output
}
