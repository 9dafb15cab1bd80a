package runner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/scheduler"
)

// Handler executes one block type. A returned error is routed through the
// node's error edges, not escalated to the run.
type Handler func(ctx context.Context, inv *Invocation) (*scheduler.Output, error)

// Invocation is everything a handler can see while executing one node.
type Invocation struct {
	Node     *dag.Node
	Graph    *dag.Graph
	Run      *scheduler.Context
	State    scheduler.ExecutionState
	Resolver scheduler.Resolver

	// Scope is the innermost loop scope, nil outside loops.
	Scope *scheduler.LoopScope

	// Inputs are the run-level inputs supplied to Run.
	Inputs map[string]any

	Logger *slog.Logger
}

// Result is the outcome of one run.
type Result struct {
	// RunID identifies the run.
	RunID string

	// Response carries the payload of the response block that ended the
	// run, nil when the run drained without one.
	Response map[string]any

	// Outputs maps base node ids to their final outputs.
	Outputs map[string]*scheduler.Output

	// Halted reports whether a response block short-circuited the run.
	Halted bool
}

// Runner executes compiled workflow graphs. It owns the handler registry;
// all per-run state (edges, scopes, outputs) is created inside Run.
type Runner struct {
	logger   *slog.Logger
	handlers map[string]Handler
	state    scheduler.ExecutionState
	tracer   trace.Tracer
	orchOpts []scheduler.OrchestratorOption
	ctxOpts  []scheduler.ContextOption
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithHandler registers a handler for a block type, replacing any builtin.
func WithHandler(blockType string, h Handler) Option {
	return func(r *Runner) { r.handlers[blockType] = h }
}

// WithState supplies the execution state backend. Defaults to in-memory.
func WithState(s scheduler.ExecutionState) Option {
	return func(r *Runner) { r.state = s }
}

// WithOrchestratorOptions forwards options to the per-run loop orchestrator.
func WithOrchestratorOptions(opts ...scheduler.OrchestratorOption) Option {
	return func(r *Runner) { r.orchOpts = append(r.orchOpts, opts...) }
}

// WithContextOptions forwards options to the per-run execution context.
func WithContextOptions(opts ...scheduler.ContextOption) Option {
	return func(r *Runner) { r.ctxOpts = append(r.ctxOpts, opts...) }
}

// New creates a Runner with the builtin handlers registered.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:   slog.Default(),
		handlers: builtinHandlers(),
		tracer:   otel.Tracer("github.com/tombee/cascade/pkg/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the graph to completion: every reachable node has run or
// been skipped, or a response block halted the run. Node failures route
// through error edges; only missing handlers and context cancellation
// abort the run.
func (r *Runner) Run(ctx context.Context, g *dag.Graph, inputs map[string]any) (*Result, error) {
	state := r.state
	if state == nil {
		state = scheduler.NewMemoryState()
	}
	em := scheduler.NewEdgeManager(g, scheduler.WithEdgeLogger(r.logger))
	resolver := scheduler.NewStateResolver(state)
	orchOpts := append([]scheduler.OrchestratorOption{scheduler.WithLogger(r.logger)}, r.orchOpts...)
	orch := scheduler.NewOrchestrator(g, em, state, resolver, orchOpts...)
	rctx := scheduler.NewContext(ctx, r.ctxOpts...)

	logger := r.logger.With("run_id", rctx.RunID, "workflow", g.Name())
	result := &Result{
		RunID:   rctx.RunID,
		Outputs: make(map[string]*scheduler.Output),
	}

	queue := initialNodes(g)
	logger.Info("run started", "nodes", len(g.Nodes()), "entry_points", len(queue))

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "error", err)
			return result, err
		}
		id := queue[0]
		queue = queue[1:]

		node, ok := g.Node(id)
		if !ok || state.HasExecuted(id) {
			continue
		}

		ready, halted, err := r.executeNode(ctx, rctx, logger, g, em, orch, state, resolver, node, inputs, result)
		if err != nil {
			return result, err
		}
		queue = append(queue, ready...)
		queue = append(queue, rctx.DrainPending()...)
		if halted {
			result.Halted = true
			break
		}
	}

	logger.Info("run finished", "halted", result.Halted, "executed", len(result.Outputs))
	return result, nil
}

// executeNode runs one node and processes its outgoing edges, returning
// the nodes that became ready.
func (r *Runner) executeNode(
	ctx context.Context,
	rctx *scheduler.Context,
	logger *slog.Logger,
	g *dag.Graph,
	em *scheduler.EdgeManager,
	orch *scheduler.Orchestrator,
	state scheduler.ExecutionState,
	resolver scheduler.Resolver,
	node *dag.Node,
	inputs map[string]any,
	result *Result,
) (ready []string, halted bool, err error) {
	ctx, span := r.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", node.Type),
		))
	defer span.End()
	start := time.Now()

	switch {
	case node.Type == dag.BlockLoop && node.Sentinel == dag.SentinelStart:
		return r.runLoopStart(rctx, logger, g, em, orch, state, node, start, result)

	case node.Type == dag.BlockLoop && node.Sentinel == dag.SentinelEnd:
		return r.runLoopEnd(rctx, logger, em, orch, state, node, start, result)

	case node.Type == dag.BlockParallel && node.Sentinel == dag.SentinelStart:
		out := &scheduler.Output{}
		ready = r.record(rctx, em, orch, state, g, node, out, time.Since(start), result)
		return ready, false, nil

	case node.Type == dag.BlockParallel && node.Sentinel == dag.SentinelEnd:
		out := parallelFanIn(g, state, node.OwnerID)
		ready = r.record(rctx, em, orch, state, g, node, out, time.Since(start), result)
		return ready, false, nil
	}

	h, ok := r.handlers[node.Type]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "handler", ID: node.Type}
	}

	var scope *scheduler.LoopScope
	if loopID := owningLoop(g, node); loopID != "" {
		scope, _ = rctx.LoopScope(loopID)
	}

	out, herr := h(ctx, &Invocation{
		Node:     node,
		Graph:    g,
		Run:      rctx,
		State:    state,
		Resolver: resolver,
		Scope:    scope,
		Inputs:   inputs,
		Logger:   logger,
	})
	if herr != nil {
		logger.Error("node execution failed", "node_id", node.ID, "type", node.Type, "error", herr)
		out = scheduler.ErrorOutput(herr)
	}
	if out == nil {
		out = &scheduler.Output{}
	}

	ready = r.record(rctx, em, orch, state, g, node, out, time.Since(start), result)

	if node.Type == dag.BlockResponse && herr == nil {
		result.Response = out.Data
		logger.Info("response block ended run", "node_id", node.ID)
		return nil, true, nil
	}
	return ready, false, nil
}

// record persists a node output, folds it into the owning loop iteration,
// and fires the node's outgoing edges.
func (r *Runner) record(
	rctx *scheduler.Context,
	em *scheduler.EdgeManager,
	orch *scheduler.Orchestrator,
	state scheduler.ExecutionState,
	g *dag.Graph,
	node *dag.Node,
	out *scheduler.Output,
	dur time.Duration,
	result *Result,
) []string {
	state.SetBlockOutput(node.ID, out, dur)
	result.Outputs[dag.BaseID(node.ID)] = out
	metrics.RecordNodeExecuted(node.Type)

	if loopID := owningLoop(g, node); loopID != "" {
		switch {
		case !node.IsSentinel():
			orch.StoreLoopNodeOutput(rctx, loopID, node.ID, out)
		case node.Type == dag.BlockParallel && node.Sentinel == dag.SentinelEnd:
			// A parallel inside a loop contributes its fan-in output under
			// the construct id. Nested loops record themselves on exit.
			orch.StoreLoopNodeOutput(rctx, loopID, node.OwnerID, out)
		}
	}

	return em.ProcessOutgoingEdges(node, out, false)
}

// runLoopStart admits the loop body or exits a zero-iteration loop. Scope
// initialization failures (cap overruns, unresolvable collections) are
// already logged against the loop; the body is simply skipped.
func (r *Runner) runLoopStart(
	rctx *scheduler.Context,
	logger *slog.Logger,
	g *dag.Graph,
	em *scheduler.EdgeManager,
	orch *scheduler.Orchestrator,
	state scheduler.ExecutionState,
	node *dag.Node,
	start time.Time,
	result *Result,
) ([]string, bool, error) {
	loopID := node.OwnerID
	scope, ok := rctx.LoopScope(loopID)
	if !ok {
		scope, _ = orch.InitializeLoopScope(rctx, loopID)
	}

	var out *scheduler.Output
	if orch.EvaluateInitialCondition(rctx, loopID) {
		data := map[string]any{"iteration": scope.Iteration}
		if scope.Type == dag.LoopForEach {
			data["item"] = scope.Item
		}
		out = &scheduler.Output{Data: data}
		logger.Debug("loop iteration started", "loop_id", loopID, "iteration", scope.Iteration)
	} else {
		out = &scheduler.Output{ShouldExit: true, SelectedRoute: scheduler.RouteLoopExit}
		logger.Debug("loop skipped", "loop_id", loopID)
	}

	ready := r.record(rctx, em, orch, state, g, node, out, time.Since(start), result)
	return ready, false, nil
}

// runLoopEnd evaluates the loop continuation. On continue the sentinel is
// deliberately left unmarked so it runs again next iteration; on wait it
// is marked so a nested loop's exit can re-arm it.
func (r *Runner) runLoopEnd(
	rctx *scheduler.Context,
	logger *slog.Logger,
	em *scheduler.EdgeManager,
	orch *scheduler.Orchestrator,
	state scheduler.ExecutionState,
	node *dag.Node,
	start time.Time,
	result *Result,
) ([]string, bool, error) {
	loopID := node.OwnerID
	cont := orch.EvaluateLoopContinuation(rctx, loopID)
	dur := time.Since(start)
	metrics.RecordNodeExecuted(node.Type)

	switch {
	case cont.ShouldContinue:
		out := &scheduler.Output{SelectedRoute: scheduler.RouteLoopContinue}
		return em.ProcessOutgoingEdges(node, out, false), false, nil

	case cont.ShouldExit:
		out := &scheduler.Output{
			ShouldExit:    true,
			SelectedRoute: scheduler.RouteLoopExit,
			Data:          map[string]any{"results": cont.Results},
		}
		state.SetBlockOutput(node.ID, out, dur)
		result.Outputs[dag.BaseID(node.ID)] = out
		return em.ProcessOutgoingEdges(node, out, false), false, nil

	default:
		// Waiting on stragglers or a nested loop, or the run was halted by
		// a response block. Mark executed so re-arming can unmark.
		state.SetBlockOutput(node.ID, &scheduler.Output{}, dur)
		return nil, false, nil
	}
}

// parallelFanIn aggregates member outputs for a parallel sentinel-end.
func parallelFanIn(g *dag.Graph, state scheduler.ExecutionState, parallelID string) *scheduler.Output {
	results := make(map[string]any)
	if par, ok := g.Parallel(parallelID); ok {
		for _, m := range par.Nodes {
			if out, ok := state.BlockOutput(m); ok {
				results[m] = out.Data
			}
		}
	}
	return &scheduler.Output{
		SelectedRoute: scheduler.RouteParallelExit,
		Data:          map[string]any{"results": results},
	}
}

// owningLoop returns the id of the loop whose member set contains the
// node, resolving sentinels through their owner.
func owningLoop(g *dag.Graph, node *dag.Node) string {
	if !node.IsSentinel() {
		return node.LoopID
	}
	if id, ok := g.ParentLoop(node.OwnerID); ok {
		return id
	}
	return ""
}

// initialNodes returns the graph's entry points: nodes with no incoming
// dependencies, sorted for deterministic scheduling.
func initialNodes(g *dag.Graph) []string {
	var ids []string
	for id, node := range g.Nodes() {
		if len(node.Sources) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
