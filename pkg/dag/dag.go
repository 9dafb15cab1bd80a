// Package dag defines the static, compiled workflow graph executed by the
// scheduler: nodes keyed by id, typed edges, loop and parallel configuration,
// and the sentinel nodes that bracket loop and parallel bodies.
//
// A Graph is immutable after Compile. All per-run mutable state (satisfied
// incoming edges, deactivation records) lives in the scheduler, never here.
package dag

import (
	"fmt"
	"strconv"
	"strings"
)

// LoopType identifies the iteration strategy of a loop.
type LoopType string

const (
	// LoopFor runs a fixed number of iterations.
	LoopFor LoopType = "for"
	// LoopForEach iterates over a resolved collection.
	LoopForEach LoopType = "forEach"
	// LoopWhile evaluates its condition before every iteration, including the first.
	LoopWhile LoopType = "while"
	// LoopDoWhile runs at least once, evaluating its condition after each
	// iteration. Without an explicit condition it degrades to a fixed count.
	LoopDoWhile LoopType = "doWhile"
)

// Block types the scheduler must recognize. Any other type is an ordinary
// block executed by whatever handler the driver registers for it.
const (
	// BlockLoop is the type carried by loop sentinel nodes.
	BlockLoop = "loop"
	// BlockParallel is the type carried by parallel sentinel nodes.
	BlockParallel = "parallel"
	// BlockResponse terminates the whole run when executed, even inside a loop.
	BlockResponse = "response"
)

// SentinelKind marks the synthetic start/end nodes bracketing a loop or
// parallel body.
type SentinelKind int

const (
	// SentinelNone marks an ordinary node.
	SentinelNone SentinelKind = iota
	// SentinelStart marks the entry bracket of a loop or parallel.
	SentinelStart
	// SentinelEnd marks the exit bracket of a loop or parallel.
	SentinelEnd
)

// Node is a single vertex of the compiled graph.
type Node struct {
	// ID uniquely identifies the node within the graph.
	ID string

	// Type is the block type ("loop" and "parallel" for sentinels).
	Type string

	// Sentinel is SentinelStart/SentinelEnd for synthetic bracket nodes.
	Sentinel SentinelKind

	// OwnerID is the loop or parallel a sentinel brackets. Empty for
	// ordinary nodes.
	OwnerID string

	// LoopID is the id of the innermost loop whose member set contains
	// this node. Empty for top-level nodes and for sentinels (a sentinel's
	// membership is resolved through its owner, see MemberID).
	LoopID string

	// ParallelID is the parallel whose member set contains this node.
	ParallelID string

	// Config carries block-specific parameters for the driver's handlers.
	Config map[string]any

	// Outgoing is the ordered list of edges leaving this node.
	Outgoing []*Edge

	// Sources is the static set of incoming-edge source ids. Loop-continue
	// edges are excluded: they signal loop turnover, not a dependency.
	Sources []string
}

// IsSentinel reports whether the node is a synthetic bracket node.
func (n *Node) IsSentinel() bool {
	return n.Sentinel != SentinelNone
}

// MemberID returns the id under which this node appears in loop member
// sets: the owner id for sentinels, the node's own id otherwise.
func (n *Node) MemberID() string {
	if n.OwnerID != "" {
		return n.OwnerID
	}
	return n.ID
}

// IsTerminalControl reports whether every outgoing edge of the node is a
// control edge (loop-exit, loop-continue, parallel-exit). Terminal control
// nodes are loop/parallel join points that must still fire on a fully
// skipped branch, so cascade pruning treats them as boundaries.
func (n *Node) IsTerminalControl() bool {
	if len(n.Outgoing) == 0 {
		return false
	}
	for _, e := range n.Outgoing {
		if !e.Kind.IsControl() {
			return false
		}
	}
	return true
}

// Loop is the compile-time configuration of one loop construct.
type Loop struct {
	// ID is the loop identifier; its sentinels derive from it.
	ID string

	// Type selects the iteration strategy.
	Type LoopType

	// Nodes are the member ids, including nested loop/parallel ids.
	Nodes []string

	// Iterations is the configured count for "for" loops and for
	// "doWhile" loops without a condition.
	Iterations int

	// Collection is the source expression resolved to an array for
	// "forEach" loops (e.g. "<fetch.items>").
	Collection string

	// Condition is the boolean expression for "while"/"doWhile" loops.
	Condition string
}

// Parallel is the compile-time configuration of one parallel construct.
type Parallel struct {
	// ID is the parallel identifier; its sentinels derive from it.
	ID string

	// Nodes are the member ids fanned out between the sentinels.
	Nodes []string
}

// Graph is the immutable compiled DAG.
type Graph struct {
	name      string
	nodes     map[string]*Node
	loops     map[string]*Loop
	parallels map[string]*Parallel
	inbound   map[string][]*Edge
}

// Name returns the workflow name the graph was compiled from.
func (g *Graph) Name() string { return g.name }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node map. Callers must not mutate it.
func (g *Graph) Nodes() map[string]*Node { return g.nodes }

// Loop returns the loop configuration with the given id.
func (g *Graph) Loop(id string) (*Loop, bool) {
	l, ok := g.loops[id]
	return l, ok
}

// Loops returns the loop configuration map. Callers must not mutate it.
func (g *Graph) Loops() map[string]*Loop { return g.loops }

// Parallel returns the parallel configuration with the given id.
func (g *Graph) Parallel(id string) (*Parallel, bool) {
	p, ok := g.parallels[id]
	return p, ok
}

// EdgesTo returns the static inbound edges of a node, loop-continue
// edges included.
func (g *Graph) EdgesTo(id string) []*Edge { return g.inbound[id] }

// LoopContains reports whether memberID appears in the member set of the
// loop with the given id.
func (g *Graph) LoopContains(loopID, memberID string) bool {
	l, ok := g.loops[loopID]
	if !ok {
		return false
	}
	for _, m := range l.Nodes {
		if m == memberID {
			return true
		}
	}
	return false
}

// ParentLoop returns the id of the loop whose member set contains the
// given loop id, if any.
func (g *Graph) ParentLoop(loopID string) (string, bool) {
	for id, l := range g.loops {
		for _, m := range l.Nodes {
			if m == loopID {
				return id, true
			}
		}
	}
	return "", false
}

// StartNodeID derives the sentinel-start id for a loop or parallel id.
func StartNodeID(id string) string { return id + "-start" }

// EndNodeID derives the sentinel-end id for a loop or parallel id.
func EndNodeID(id string) string { return id + "-end" }

const iterationSep = "_iter_"

// IterationID derives the per-iteration virtual id for a node.
func IterationID(base string, n int) string {
	return fmt.Sprintf("%s%s%d", base, iterationSep, n)
}

// BaseID strips a per-iteration suffix from a virtual node id. Ids without
// a suffix are returned unchanged.
func BaseID(id string) string {
	i := strings.LastIndex(id, iterationSep)
	if i < 0 {
		return id
	}
	if _, err := strconv.Atoi(id[i+len(iterationSep):]); err != nil {
		return id
	}
	return id[:i]
}
