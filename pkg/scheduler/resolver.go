package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/errors"
)

// Resolver resolves <block.field> references against run state. The loop
// orchestrator uses it for forEach collections and condition substitution;
// block handlers use it for their configured inputs.
type Resolver interface {
	// ResolveReference resolves a reference like "<fetch.items>" or
	// "<loop.item.name>" to its value. scope is the innermost loop scope
	// at the point of reference, or nil outside loops.
	ResolveReference(rctx *Context, currentNodeID, reference string, scope *LoopScope) (any, error)
}

// StateResolver resolves references against an ExecutionState, with loop
// fields served from the active scope.
type StateResolver struct {
	state ExecutionState
}

// NewStateResolver creates a resolver over the given run state.
func NewStateResolver(state ExecutionState) *StateResolver {
	return &StateResolver{state: state}
}

func (r *StateResolver) ResolveReference(rctx *Context, currentNodeID, reference string, scope *LoopScope) (any, error) {
	ref := strings.TrimSuffix(strings.TrimPrefix(reference, "<"), ">")
	if ref == "" {
		return nil, &errors.ValidationError{
			Field:      "reference",
			Message:    "empty reference",
			Suggestion: "references take the form <blockId.field>",
		}
	}

	parts := strings.Split(ref, ".")
	head := parts[0]

	if scope != nil && (head == "loop" || head == scope.LoopID) {
		return resolveLoopField(scope, parts[1:])
	}

	out, ok := r.state.BlockOutput(head)
	if !ok {
		// The referenced block may have run under a virtual iteration id.
		out, ok = r.state.BlockOutput(dag.BaseID(head))
	}
	if !ok {
		return nil, &errors.NotFoundError{Resource: "block output", ID: head}
	}
	if len(parts) == 1 {
		return out.Data, nil
	}
	return traverse(out.Data, parts[1:], ref)
}

// resolveLoopField serves loop.item, loop.index, loop.iteration,
// loop.items and loop.results from the scope.
func resolveLoopField(scope *LoopScope, path []string) (any, error) {
	if len(path) == 0 {
		return nil, &errors.ValidationError{
			Field:      "reference",
			Message:    "loop reference needs a field",
			Suggestion: "use loop.item, loop.index, loop.items or loop.results",
		}
	}
	var v any
	switch path[0] {
	case "item":
		v = scope.Item
	case "index", "iteration":
		v = scope.Iteration
	case "items":
		v = scope.Items
	case "results":
		v = scope.All
	default:
		return nil, &errors.NotFoundError{Resource: "loop field", ID: path[0]}
	}
	return traverse(v, path[1:], "loop."+strings.Join(path, "."))
}

// traverse walks the remaining path segments through maps and slices.
func traverse(v any, path []string, ref string) (any, error) {
	for _, part := range path {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[part]
			if !ok {
				return nil, &errors.NotFoundError{Resource: "field", ID: ref}
			}
			v = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, &errors.NotFoundError{Resource: "index", ID: ref}
			}
			v = cur[i]
		default:
			return nil, &errors.ValidationError{
				Field:      "reference",
				Message:    fmt.Sprintf("cannot traverse %q through %T", ref, v),
				Suggestion: "check that the referenced field is an object or array",
			}
		}
	}
	return v, nil
}
