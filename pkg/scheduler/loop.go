package scheduler

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/scheduler/expression"
)

// Default caps protecting runs from runaway loop configurations. A loop
// that exceeds a cap is forced to zero effective iterations and a limit
// error is logged against it.
const (
	DefaultMaxLoopIterations = 500
	DefaultMaxForEachItems   = 1000
)

// Orchestrator drives loop lifecycle: scope initialization, initial
// condition, per-iteration bookkeeping, and the continuation decision a
// loop's sentinel-end evaluates after every iteration.
type Orchestrator struct {
	graph    *dag.Graph
	edges    *EdgeManager
	state    ExecutionState
	resolver Resolver
	eval     *expression.Evaluator
	logger   *slog.Logger

	maxLoopIterations int
	maxForEachItems   int
	conditionTimeout  time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxLoopIterations overrides the counted-loop cap.
func WithMaxLoopIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxLoopIterations = n }
}

// WithMaxForEachItems overrides the forEach collection cap.
func WithMaxForEachItems(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxForEachItems = n }
}

// WithConditionTimeout overrides the condition evaluation budget.
func WithConditionTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.conditionTimeout = d }
}

// NewOrchestrator creates a loop orchestrator over one run's edge and
// execution state.
func NewOrchestrator(g *dag.Graph, edges *EdgeManager, state ExecutionState, resolver Resolver, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		graph:             g,
		edges:             edges,
		state:             state,
		resolver:          resolver,
		eval:              expression.New(),
		logger:            slog.Default(),
		maxLoopIterations: DefaultMaxLoopIterations,
		maxForEachItems:   DefaultMaxForEachItems,
		conditionTimeout:  expression.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InitializeLoopScope builds and installs a fresh scope for a loop. For
// forEach loops the collection is resolved here; resolution failures and
// cap overruns install a zero-iteration scope and return the error, so the
// loop body is skipped and the failure is visible on the scope.
func (o *Orchestrator) InitializeLoopScope(rctx *Context, loopID string) (*LoopScope, error) {
	cfg, ok := o.graph.Loop(loopID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "loop", ID: loopID}
	}

	scope := &LoopScope{
		LoopID:    loopID,
		Type:      cfg.Type,
		Condition: cfg.Condition,
		Current:   make(map[string]*Output),
	}

	switch cfg.Type {
	case dag.LoopFor:
		if cfg.Iterations > o.maxLoopIterations {
			return o.failScope(rctx, scope, &errors.LimitError{
				Resource:  "loop iterations",
				Limit:     o.maxLoopIterations,
				Requested: cfg.Iterations,
				SubflowID: loopID,
			})
		}
		scope.MaxIterations = cfg.Iterations

	case dag.LoopDoWhile:
		if cfg.Condition == "" {
			if cfg.Iterations > o.maxLoopIterations {
				return o.failScope(rctx, scope, &errors.LimitError{
					Resource:  "loop iterations",
					Limit:     o.maxLoopIterations,
					Requested: cfg.Iterations,
					SubflowID: loopID,
				})
			}
			scope.MaxIterations = cfg.Iterations
		}

	case dag.LoopForEach:
		val, err := o.resolveCollection(rctx, loopID, cfg.Collection, scope)
		if err != nil {
			return o.failScope(rctx, scope, err)
		}
		items, ok := toSlice(val)
		if !ok {
			return o.failScope(rctx, scope, &errors.ValidationError{
				Field:      "collection",
				Message:    "forEach collection did not resolve to an array",
				Suggestion: "reference a block output field holding an array",
			})
		}
		if len(items) > o.maxForEachItems {
			return o.failScope(rctx, scope, &errors.LimitError{
				Resource:  "forEach items",
				Limit:     o.maxForEachItems,
				Requested: len(items),
				SubflowID: loopID,
			})
		}
		scope.Items = items
		if len(items) > 0 {
			scope.Item = items[0]
		}

	case dag.LoopWhile:
		// Condition evaluated lazily at entry and turnover.
	}

	rctx.SetLoopScope(loopID, scope)
	return scope, nil
}

// failScope installs a zero-iteration scope carrying the error, logs it
// against the loop, and returns the error.
func (o *Orchestrator) failScope(rctx *Context, scope *LoopScope, err error) (*LoopScope, error) {
	scope.MaxIterations = 0
	scope.Items = nil
	scope.ValidationError = err.Error()
	rctx.SetLoopScope(scope.LoopID, scope)
	o.logger.Error("loop scope initialization failed",
		"run_id", rctx.RunID, "loop_id", scope.LoopID, "error", err)
	return scope, err
}

// EvaluateInitialCondition decides whether the loop body is admitted. For
// a loop already mid-flight the answer is always yes; otherwise the loop
// type decides: forEach needs a non-empty collection, for needs a positive
// count, doWhile always enters, while evaluates its condition up front.
func (o *Orchestrator) EvaluateInitialCondition(rctx *Context, loopID string) bool {
	scope, ok := rctx.LoopScope(loopID)
	if !ok {
		o.logger.Warn("initial condition on uninitialized loop",
			"run_id", rctx.RunID, "loop_id", loopID)
		return false
	}
	if scope.entered {
		return true
	}
	if scope.ValidationError != "" {
		return false
	}

	var enter bool
	switch scope.Type {
	case dag.LoopForEach:
		enter = len(scope.Items) > 0
	case dag.LoopFor:
		enter = scope.MaxIterations > 0
	case dag.LoopDoWhile:
		enter = true
	case dag.LoopWhile:
		enter = o.evaluateCondition(rctx, scope)
	}
	if enter {
		scope.entered = true
	}
	return enter
}

// StoreLoopNodeOutput records a body node's output on the loop's current
// iteration, keyed by base id so virtual iteration ids collapse.
func (o *Orchestrator) StoreLoopNodeOutput(rctx *Context, loopID, nodeID string, out *Output) {
	scope, ok := rctx.LoopScope(loopID)
	if !ok {
		return
	}
	scope.Record(nodeID, out)
}

// EvaluateLoopContinuation is the decision a loop's sentinel-end runs
// after each iteration: keep waiting, run another iteration, or exit.
// Continuation never fails the run; condition errors read as false and
// the loop exits with the results gathered so far.
func (o *Orchestrator) EvaluateLoopContinuation(rctx *Context, loopID string) Continuation {
	scope, ok := rctx.LoopScope(loopID)
	if !ok {
		o.logger.Warn("continuation on uninitialized loop",
			"run_id", rctx.RunID, "loop_id", loopID)
		return Continuation{}
	}
	cfg, ok := o.graph.Loop(loopID)
	if !ok {
		return Continuation{}
	}

	if rctx.Cancelled() {
		o.logger.Info("loop cancelled",
			"run_id", rctx.RunID, "loop_id", loopID, "iteration", scope.Iteration)
		return o.exitLoop(rctx, cfg, scope)
	}

	scope.fold()

	// A response block inside the loop ends the whole run; the sentinel
	// must neither continue nor exit.
	if o.responseExecuted(cfg.Nodes) {
		return Continuation{}
	}

	// A loop that never admitted its body exits with zero iterations.
	if !scope.entered {
		return o.exitLoop(rctx, cfg, scope)
	}

	if !o.iterationComplete(rctx, cfg) {
		return Continuation{}
	}

	if !o.nextIterationAllowed(rctx, scope) {
		return o.exitLoop(rctx, cfg, scope)
	}

	scope.Iteration++
	metrics.RecordLoopIteration(string(scope.Type))
	if scope.Type == dag.LoopForEach && scope.Iteration < len(scope.Items) {
		scope.Item = scope.Items[scope.Iteration]
	}
	o.logger.Debug("loop continuing",
		"run_id", rctx.RunID, "loop_id", loopID, "iteration", scope.Iteration)

	o.ClearLoopExecutionState(rctx, loopID)
	o.RestoreLoopEdges(rctx, loopID)
	o.resetNestedScopes(rctx, cfg)

	return Continuation{ShouldContinue: true, SelectedRoute: RouteLoopContinue}
}

// exitLoop persists the aggregated results under the loop's id, folds the
// loop output into the parent iteration if one exists, and re-arms a
// parent sentinel that already ran and is waiting on this loop.
func (o *Orchestrator) exitLoop(rctx *Context, cfg *dag.Loop, scope *LoopScope) Continuation {
	results := scope.All
	if results == nil {
		results = [][]*Output{}
	}
	out := &Output{
		ShouldExit:    true,
		SelectedRoute: RouteLoopExit,
		Data:          map[string]any{"results": results},
	}
	if scope.ValidationError != "" {
		out.Error = scope.ValidationError
	}
	o.state.SetBlockOutput(cfg.ID, out, 0)

	if parentID, ok := o.graph.ParentLoop(cfg.ID); ok {
		if pscope, ok := rctx.LoopScope(parentID); ok {
			pscope.Record(cfg.ID, out)
		}
		o.rearmParent(rctx, parentID)
	}

	o.logger.Debug("loop exited",
		"run_id", rctx.RunID, "loop_id", cfg.ID, "iterations", len(results))
	return Continuation{
		ShouldExit:    true,
		SelectedRoute: RouteLoopExit,
		Results:       results,
	}
}

// rearmParent unmarks a parent loop's sentinel-end and queues it for
// re-evaluation when it already executed while waiting for this nested
// loop. Re-evaluation is idempotent: the parent either waits again,
// advances, or exits.
func (o *Orchestrator) rearmParent(rctx *Context, parentID string) {
	end := dag.EndNodeID(parentID)
	if !o.state.HasExecuted(end) {
		return
	}
	o.state.UnmarkExecuted(end)
	rctx.EnqueuePending(end)
	o.logger.Debug("re-armed parent sentinel", "run_id", rctx.RunID, "loop_id", parentID)
}

// iterationComplete reports whether the current iteration's body is done.
// On the straight path every member must have executed; when the body
// branches (condition or router members), one executed node feeding the
// sentinel-end suffices, since abandoned branches never execute.
func (o *Orchestrator) iterationComplete(rctx *Context, cfg *dag.Loop) bool {
	if o.hasBranching(cfg) {
		end := dag.EndNodeID(cfg.ID)
		for _, e := range o.graph.EdgesTo(end) {
			if e.Kind.IsLoopContinue() {
				continue
			}
			src, ok := o.graph.Node(e.Source)
			if !ok {
				continue
			}
			if nested, isLoop := o.graph.Loop(src.MemberID()); isLoop && src.MemberID() != cfg.ID {
				if o.nestedLoopComplete(rctx, nested.ID) {
					return true
				}
				continue
			}
			if o.state.HasExecuted(e.Source) {
				return true
			}
		}
		return false
	}

	for _, m := range cfg.Nodes {
		if _, isLoop := o.graph.Loop(m); isLoop {
			if !o.nestedLoopComplete(rctx, m) {
				return false
			}
			continue
		}
		if _, isPar := o.graph.Parallel(m); isPar {
			if !o.state.HasExecuted(dag.EndNodeID(m)) {
				return false
			}
			continue
		}
		if !o.state.HasExecuted(m) {
			return false
		}
	}
	return true
}

// hasBranching reports whether any loop member carries condition or
// router edges.
func (o *Orchestrator) hasBranching(cfg *dag.Loop) bool {
	for _, m := range cfg.Nodes {
		n, ok := o.graph.Node(m)
		if !ok {
			continue
		}
		for _, e := range n.Outgoing {
			if e.Kind == dag.KindCondition || e.Kind == dag.KindRoute {
				return true
			}
		}
	}
	return false
}

// nestedLoopComplete reports whether a nested loop has finished all its
// iterations for the current parent iteration: either its exit output is
// recorded, or every expected iteration has folded its snapshot.
func (o *Orchestrator) nestedLoopComplete(rctx *Context, nestedID string) bool {
	// Executed flags gate both checks: stale exit outputs survive an
	// UnmarkExecuted when the parent resets the body.
	if out, ok := o.state.BlockOutput(nestedID); ok && out.ShouldExit && o.state.HasExecuted(nestedID) {
		return true
	}
	end := dag.EndNodeID(nestedID)
	if out, ok := o.state.BlockOutput(end); ok && out.ShouldExit && o.state.HasExecuted(end) {
		return true
	}
	scope, ok := rctx.LoopScope(nestedID)
	if !ok {
		return false
	}
	// Iteration advances at turnover, before the next body pass runs, so it
	// overcounts while an iteration is in flight. Folded snapshots count
	// only completed iterations.
	exp := scope.ExpectedIterations()
	return exp >= 0 && scope.entered && len(scope.All) >= exp
}

// responseExecuted reports whether any response block in the member set
// (including nested constructs) has executed.
func (o *Orchestrator) responseExecuted(members []string) bool {
	for _, m := range members {
		if nested, ok := o.graph.Loop(m); ok {
			if o.responseExecuted(nested.Nodes) {
				return true
			}
			continue
		}
		if par, ok := o.graph.Parallel(m); ok {
			if o.responseExecuted(par.Nodes) {
				return true
			}
			continue
		}
		n, ok := o.graph.Node(m)
		if ok && n.Type == dag.BlockResponse && o.state.HasExecuted(m) {
			return true
		}
	}
	return false
}

// nextIterationAllowed evaluates the loop's bound for the iteration after
// the current one.
func (o *Orchestrator) nextIterationAllowed(rctx *Context, scope *LoopScope) bool {
	next := scope.Iteration + 1
	switch scope.Type {
	case dag.LoopFor:
		return next < scope.MaxIterations
	case dag.LoopForEach:
		return next < len(scope.Items)
	case dag.LoopWhile:
		return o.evaluateCondition(rctx, scope)
	case dag.LoopDoWhile:
		if scope.Condition != "" {
			return o.evaluateCondition(rctx, scope)
		}
		return next < scope.MaxIterations
	}
	return false
}

// evaluateCondition substitutes references and evaluates the loop
// condition inside the sandbox. Any failure (unresolvable reference,
// compile error, runtime error, timeout) reads as false so a broken
// condition terminates the loop instead of the run.
func (o *Orchestrator) evaluateCondition(rctx *Context, scope *LoopScope) bool {
	code, err := SubstituteReferences(rctx, o.resolver, dag.EndNodeID(scope.LoopID), scope.Condition, scope)
	if err != nil {
		metrics.RecordConditionFailure()
		o.logger.Error("condition reference resolution failed",
			"run_id", rctx.RunID, "loop_id", scope.LoopID, "error", err)
		return false
	}
	ok, err := o.eval.EvaluateBool(code, nil, o.conditionTimeout)
	if err != nil {
		metrics.RecordConditionFailure()
		o.logger.Error("condition evaluation failed",
			"run_id", rctx.RunID, "loop_id", scope.LoopID, "error", err)
		return false
	}
	return ok
}

// ClearLoopExecutionState unmarks the loop's sentinels and every node
// inside its bracket, nested constructs included, so the body can run
// again.
func (o *Orchestrator) ClearLoopExecutionState(rctx *Context, loopID string) {
	for _, id := range o.bracketIDs(loopID) {
		o.state.UnmarkExecuted(id)
	}
}

// RestoreLoopEdges re-adds every dependency between nodes inside the
// loop's bracket and clears their deactivation records, resetting the
// body topology for the next iteration. Edges crossing the bracket
// boundary are left alone.
func (o *Orchestrator) RestoreLoopEdges(rctx *Context, loopID string) {
	ids := o.bracketIDs(loopID)
	inside := make(map[string]bool, len(ids))
	for _, id := range ids {
		inside[id] = true
	}
	for _, id := range ids {
		if _, ok := o.graph.Node(id); !ok {
			continue
		}
		for _, e := range o.graph.EdgesTo(id) {
			if e.Kind.IsLoopContinue() {
				continue
			}
			if inside[e.Source] {
				o.edges.RestoreIncomingEdge(e.Source, e.Target)
			}
		}
	}
	o.edges.ClearDeactivatedEdges(ids)
}

// resetNestedScopes re-initializes nested loop scopes for the parent's
// next iteration. forEach scopes are deleted instead so the collection is
// re-resolved when the nested sentinel-start runs again.
func (o *Orchestrator) resetNestedScopes(rctx *Context, cfg *dag.Loop) {
	for _, m := range cfg.Nodes {
		nested, ok := o.graph.Loop(m)
		if !ok {
			continue
		}
		if nested.Type == dag.LoopForEach {
			rctx.DeleteLoopScope(m)
		} else if _, err := o.InitializeLoopScope(rctx, m); err != nil {
			o.logger.Error("nested loop re-initialization failed",
				"run_id", rctx.RunID, "loop_id", m, "error", err)
		}
		o.resetNestedScopes(rctx, nested)
	}
}

// bracketIDs returns every id inside a construct's bracket: the construct
// id itself, its sentinels, its members, and nested construct contents.
func (o *Orchestrator) bracketIDs(id string) []string {
	ids := []string{id, dag.StartNodeID(id), dag.EndNodeID(id)}
	var members []string
	if l, ok := o.graph.Loop(id); ok {
		members = l.Nodes
	} else if p, ok := o.graph.Parallel(id); ok {
		members = p.Nodes
	}
	for _, m := range members {
		_, isLoop := o.graph.Loop(m)
		_, isPar := o.graph.Parallel(m)
		if isLoop || isPar {
			ids = append(ids, o.bracketIDs(m)...)
		} else {
			ids = append(ids, m)
		}
	}
	return ids
}

// resolveCollection resolves a forEach source: a <...> reference through
// the resolver, anything else as an inline JSON array.
func (o *Orchestrator) resolveCollection(rctx *Context, loopID, collection string, scope *LoopScope) (any, error) {
	if collection == "" {
		return nil, &errors.ValidationError{
			Field:      "collection",
			Message:    "forEach loop has no collection",
			Suggestion: "set collection to a <block.field> reference or an inline JSON array",
		}
	}
	if strings.HasPrefix(collection, "<") {
		parentScope := o.parentScope(rctx, loopID)
		return o.resolver.ResolveReference(rctx, dag.StartNodeID(loopID), collection, parentScope)
	}
	var items []any
	if err := json.Unmarshal([]byte(collection), &items); err != nil {
		return nil, &errors.ValidationError{
			Field:      "collection",
			Message:    "inline collection is not a JSON array: " + err.Error(),
			Suggestion: "use a JSON array literal like [1, 2, 3]",
		}
	}
	return items, nil
}

// parentScope returns the enclosing loop's scope, used so a nested
// forEach can reference <loop.item> of its parent.
func (o *Orchestrator) parentScope(rctx *Context, loopID string) *LoopScope {
	parentID, ok := o.graph.ParentLoop(loopID)
	if !ok {
		return nil
	}
	scope, _ := rctx.LoopScope(parentID)
	return scope
}

// toSlice normalizes a resolved collection to []any.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
