package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/scheduler"
	"github.com/tombee/cascade/pkg/scheduler/expression"
)

// expressions is shared by the condition and router handlers so compiled
// programs are cached across nodes and iterations.
var expressions = expression.New()

// builtinHandlers returns the default handler registry. Callers replace
// or extend it with WithHandler.
func builtinHandlers() map[string]Handler {
	return map[string]Handler{
		"start":         startHandler,
		"noop":          noopHandler,
		"log":           logHandler,
		"condition":     conditionHandler,
		"router":        routerHandler,
		"transform":     transformHandler,
		dag.BlockResponse: responseHandler,
	}
}

// startHandler exposes the run inputs as its output so downstream blocks
// can reference them.
func startHandler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	data := make(map[string]any, len(inv.Inputs))
	for k, v := range inv.Inputs {
		data[k] = v
	}
	return &scheduler.Output{Data: data}, nil
}

func noopHandler(_ context.Context, _ *Invocation) (*scheduler.Output, error) {
	return &scheduler.Output{Data: map[string]any{}}, nil
}

// logHandler writes a configured message, with references interpolated,
// to the run's logger.
func logHandler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	msg, _ := inv.Node.Config["message"].(string)
	rendered, err := interpolate(inv, msg)
	if err != nil {
		return nil, err
	}
	inv.Logger.Info("log block", "node_id", inv.Node.ID, "message", rendered)
	return &scheduler.Output{Data: map[string]any{"message": rendered}}, nil
}

// conditionHandler evaluates a boolean expression and selects the "true"
// or "false" branch.
func conditionHandler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	src, _ := inv.Node.Config["expression"].(string)
	if src == "" {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    "condition block has no expression",
			Suggestion: "set the expression field to a boolean expression",
		}
	}
	code, err := scheduler.SubstituteReferences(inv.Run, inv.Resolver, inv.Node.ID, src, inv.Scope)
	if err != nil {
		return nil, err
	}
	result, err := expressions.EvaluateBool(code, nil, 0)
	if err != nil {
		return nil, err
	}
	option := "false"
	if result {
		option = "true"
	}
	return &scheduler.Output{
		SelectedOption: option,
		Data:           map[string]any{"result": result},
	}, nil
}

// routerHandler evaluates an expression to a route name. A static "route"
// config value short-circuits evaluation.
func routerHandler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	if route, ok := inv.Node.Config["route"].(string); ok && route != "" {
		return &scheduler.Output{
			SelectedRoute: route,
			Data:          map[string]any{"route": route},
		}, nil
	}
	src, _ := inv.Node.Config["expression"].(string)
	if src == "" {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    "router block has no expression or route",
			Suggestion: "set expression to a string-valued expression or route to a static name",
		}
	}
	code, err := scheduler.SubstituteReferences(inv.Run, inv.Resolver, inv.Node.ID, src, inv.Scope)
	if err != nil {
		return nil, err
	}
	v, err := expressions.Evaluate(code, nil, 0)
	if err != nil {
		return nil, err
	}
	route := fmt.Sprintf("%v", v)
	return &scheduler.Output{
		SelectedRoute: route,
		Data:          map[string]any{"route": route},
	}, nil
}

// transformHandler runs a jq query against a resolved input value.
func transformHandler(ctx context.Context, inv *Invocation) (*scheduler.Output, error) {
	src, _ := inv.Node.Config["query"].(string)
	if src == "" {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    "transform block has no query",
			Suggestion: "set query to a jq expression like .items | length",
		}
	}
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    "invalid jq query: " + err.Error(),
			Suggestion: "check the jq syntax",
		}
	}

	var input any
	if ref, ok := inv.Node.Config["input"].(string); ok && ref != "" {
		input, err = resolveValue(inv, ref)
		if err != nil {
			return nil, err
		}
	}

	var results []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, ok := v.(error); ok {
			return nil, errors.Wrap(qerr, "transform query failed")
		}
		results = append(results, v)
	}

	var result any
	switch len(results) {
	case 0:
		result = nil
	case 1:
		result = results[0]
	default:
		result = results
	}
	return &scheduler.Output{Data: map[string]any{"result": result}}, nil
}

// responseHandler resolves the configured payload and ends the run.
func responseHandler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	payload, _ := inv.Node.Config["payload"].(map[string]any)
	resolved, err := resolveTree(inv, payload)
	if err != nil {
		return nil, err
	}
	data, _ := resolved.(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return &scheduler.Output{Data: data}, nil
}

var handlerRefPattern = regexp.MustCompile(`<([^<>]+)>`)

// resolveValue resolves a string config value: an exact <...> reference
// keeps its resolved type, anything else is interpolated.
func resolveValue(inv *Invocation, s string) (any, error) {
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") &&
		strings.Count(s, "<") == 1 {
		return inv.Resolver.ResolveReference(inv.Run, inv.Node.ID, s, inv.Scope)
	}
	return interpolate(inv, s)
}

// interpolate replaces every <...> reference in a string with its
// rendered value.
func interpolate(inv *Invocation, s string) (string, error) {
	var firstErr error
	out := handlerRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		v, err := inv.Resolver.ResolveReference(inv.Run, inv.Node.ID, match, inv.Scope)
		if err != nil {
			firstErr = err
			return match
		}
		return fmt.Sprintf("%v", v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveTree resolves references in every string leaf of a config tree.
func resolveTree(inv *Invocation, v any) (any, error) {
	switch x := v.(type) {
	case string:
		return resolveValue(inv, x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			resolved, err := resolveTree(inv, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := resolveTree(inv, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
