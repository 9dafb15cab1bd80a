package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/dag"
)

// edgeKey identifies one static edge. The handle keeps parallel edges
// between the same pair of nodes distinct.
type edgeKey struct {
	source string
	target string
	handle string
}

// EdgeManager owns the per-run edge state: which incoming dependencies
// remain unsatisfied per node, and which edges have been deactivated.
// All methods serialize on one mutex so concurrent branch completions
// cannot interleave their activation/cascade updates.
type EdgeManager struct {
	mu     sync.Mutex
	graph  *dag.Graph
	logger *slog.Logger

	// incoming maps target id to the set of source ids still unsatisfied.
	// Built from Node.Sources, so loop-continue edges never appear.
	incoming map[string]map[string]bool

	// deactivated records edges pruned by cascading deactivation.
	deactivated map[edgeKey]bool

	// deactivatedTargets marks nodes that lost at least one incoming edge;
	// they stay readiness candidates in case a later wave activates them.
	deactivatedTargets map[string]bool

	// activated marks nodes that received at least one activated edge in
	// this run. An activated node is never pruned by a cascade.
	activated map[string]bool
}

// EdgeManagerOption configures an EdgeManager.
type EdgeManagerOption func(*EdgeManager)

// WithEdgeLogger sets the logger for edge tracing.
func WithEdgeLogger(l *slog.Logger) EdgeManagerOption {
	return func(m *EdgeManager) { m.logger = l }
}

// NewEdgeManager builds the per-run edge state for a compiled graph.
func NewEdgeManager(g *dag.Graph, opts ...EdgeManagerOption) *EdgeManager {
	m := &EdgeManager{
		graph:              g,
		logger:             slog.Default(),
		incoming:           make(map[string]map[string]bool),
		deactivated:        make(map[edgeKey]bool),
		deactivatedTargets: make(map[string]bool),
		activated:          make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	for id, node := range g.Nodes() {
		set := make(map[string]bool, len(node.Sources))
		for _, src := range node.Sources {
			set[src] = true
		}
		m.incoming[id] = set
	}
	return m
}

// ProcessOutgoingEdges applies a completed node's output to its outgoing
// edges: firing edges satisfy their targets' dependencies, non-firing
// edges cascade deactivation through the abandoned branch. It returns the
// ids of nodes that became ready, sorted for deterministic scheduling.
//
// skipBackwards suppresses loop-continue edges, for drivers that handle
// loop turnover out of band. Loop-continue edges are never cascaded either
// way: an unfired backwards edge means the loop is exiting, not that its
// body is dead.
func (m *EdgeManager) ProcessOutgoingEdges(node *dag.Node, out *Output, skipBackwards bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out == nil {
		out = &Output{}
	}

	candidates := make(map[string]bool)
	var prune []*dag.Edge

	for _, e := range node.Outgoing {
		if skipBackwards && e.Kind.IsLoopContinue() {
			continue
		}
		if m.shouldActivate(e, node, out) {
			m.logger.Log(context.Background(), log.LevelTrace, "edge activated",
				"source", e.Source, "target", e.Target, "kind", e.Kind.String())
			delete(m.incoming[e.Target], node.ID)
			m.activated[e.Target] = true
			candidates[e.Target] = true
		} else if !e.Kind.IsLoopContinue() {
			prune = append(prune, e)
		}
	}

	m.cascade(prune, candidates)

	// Nodes pruned in an earlier wave may have been activated since; they
	// must be re-examined or a converging branch could stall forever.
	for id := range m.deactivatedTargets {
		if m.activated[id] {
			candidates[id] = true
		}
	}

	// Readiness alone is not permission to run: a node whose every input
	// was deactivated is skipped, not executed. Only activated nodes,
	// entry points, and terminal control joins are scheduled.
	ready := make([]string, 0, len(candidates))
	for id := range candidates {
		if !m.isReadyLocked(id) {
			continue
		}
		if m.activated[id] {
			ready = append(ready, id)
			continue
		}
		if n, ok := m.graph.Node(id); ok && (len(n.Sources) == 0 || n.IsTerminalControl()) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// shouldActivate implements the activation rules, most specific first.
func (m *EdgeManager) shouldActivate(e *dag.Edge, node *dag.Node, out *Output) bool {
	switch e.Kind {
	case dag.KindLoopExit:
		return out.ShouldExit && out.SelectedRoute == RouteLoopExit
	case dag.KindLoopContinue, dag.KindLoopContinueAlt:
		return out.SelectedRoute == RouteLoopContinue
	}

	// A parallel fan-in that selected its exit route fires nothing else.
	if out.SelectedRoute == RouteParallelExit {
		return e.Kind == dag.KindParallelExit
	}

	switch e.Kind {
	case dag.KindDefault:
		// An exiting loop sentinel-start must not re-admit its own body.
		if node.Sentinel == dag.SentinelStart && node.Type == dag.BlockLoop &&
			out.ShouldExit && out.SelectedRoute == RouteLoopExit {
			if tgt, ok := m.graph.Node(e.Target); ok &&
				m.graph.LoopContains(node.OwnerID, tgt.MemberID()) {
				return false
			}
		}
		return true
	case dag.KindCondition:
		return e.Value == out.SelectedOption
	case dag.KindRoute:
		return e.Value == out.SelectedRoute
	case dag.KindError:
		return out.Error != ""
	case dag.KindSuccess:
		return out.Error == ""
	default:
		return true
	}
}

// cascade deactivates the given edges and walks forward through nodes
// left with no live incoming path, pruning their non-control outgoing
// edges in turn. Every touched target joins the readiness candidates:
// terminal control nodes in particular become ready through deactivation,
// which is how a skipped branch still reaches its loop or parallel join.
func (m *EdgeManager) cascade(queue []*dag.Edge, candidates map[string]bool) {
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		key := edgeKey{e.Source, e.Target, e.Handle()}
		if m.deactivated[key] {
			continue
		}
		m.deactivated[key] = true
		m.deactivatedTargets[e.Target] = true
		metrics.RecordEdgeDeactivated()
		m.logger.Log(context.Background(), log.LevelTrace, "edge deactivated",
			"source", e.Source, "target", e.Target, "kind", e.Kind.String())

		tgt, ok := m.graph.Node(e.Target)
		if !ok {
			continue
		}
		candidates[tgt.ID] = true

		// Join points stop the walk: they must fire even when every
		// branch feeding them was skipped.
		if tgt.IsTerminalControl() {
			continue
		}
		// An activated or still-reachable node keeps its subtree alive.
		if m.activated[tgt.ID] || m.hasLiveIncomingLocked(tgt) {
			continue
		}
		for _, next := range tgt.Outgoing {
			if !next.Kind.IsControl() {
				queue = append(queue, next)
			}
		}
	}
}

// hasLiveIncomingLocked reports whether any unsatisfied incoming edge of
// the node is still active (not deactivated).
func (m *EdgeManager) hasLiveIncomingLocked(n *dag.Node) bool {
	remaining := m.incoming[n.ID]
	for _, e := range m.graph.EdgesTo(n.ID) {
		if e.Kind.IsLoopContinue() {
			continue
		}
		if !remaining[e.Source] {
			continue
		}
		if !m.deactivated[edgeKey{e.Source, e.Target, e.Handle()}] {
			return true
		}
	}
	return false
}

// IsNodeReady reports whether every incoming dependency of the node is
// either satisfied or deactivated.
func (m *EdgeManager) IsNodeReady(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isReadyLocked(nodeID)
}

func (m *EdgeManager) isReadyLocked(nodeID string) bool {
	remaining := m.incoming[nodeID]
	if len(remaining) == 0 {
		return true
	}
	n, ok := m.graph.Node(nodeID)
	if !ok {
		return false
	}
	for _, e := range m.graph.EdgesTo(n.ID) {
		if e.Kind.IsLoopContinue() {
			continue
		}
		if !remaining[e.Source] {
			continue
		}
		if !m.deactivated[edgeKey{e.Source, e.Target, e.Handle()}] {
			return false
		}
	}
	return true
}

// RestoreIncomingEdge re-adds one satisfied dependency, used when a loop
// body is re-armed for its next iteration. Restoring an edge that was
// never satisfied is a no-op (set semantics).
func (m *EdgeManager) RestoreIncomingEdge(source, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.incoming[target]
	if set == nil {
		set = make(map[string]bool)
		m.incoming[target] = set
	}
	set[source] = true
}

// ClearDeactivatedEdges drops every deactivation record whose source or
// target is in ids, and clears those nodes' activation markers, so a
// re-armed loop body starts its next iteration from a clean slate. A
// target outside ids keeps its deactivated marker: other pruned edges
// into it may remain.
func (m *EdgeManager) ClearDeactivatedEdges(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for key := range m.deactivated {
		if set[key.source] || set[key.target] {
			delete(m.deactivated, key)
			if set[key.target] {
				delete(m.deactivatedTargets, key.target)
			}
		}
	}
	for id := range set {
		delete(m.activated, id)
	}
}
