package expression

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/cascade/pkg/errors"
)

// DefaultTimeout is the evaluation budget applied when callers pass a
// non-positive timeout.
const DefaultTimeout = 5 * time.Second

// Evaluator evaluates condition expressions inside a time-boxed sandbox.
// It caches compiled programs for repeated evaluations of the same
// condition across loop iterations.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles and runs an expression against the given environment,
// returning the raw result. Evaluation that exceeds the timeout returns a
// *errors.TimeoutError.
func (e *Evaluator) Evaluate(code string, env map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	program, err := e.compile(code)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalEnv := make(map[string]any, len(env)+3)
	for k, v := range env {
		evalEnv[k] = v
	}
	evalEnv["has"] = containsFunc
	evalEnv["includes"] = containsFunc
	evalEnv["length"] = lenFunc

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, runErr := expr.Run(program, evalEnv)
		done <- result{v, runErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &errors.ValidationError{
				Field:      "expression",
				Message:    fmt.Sprintf("expression evaluation failed: %s", r.err.Error()),
				Suggestion: "verify that all referenced variables exist",
			}
		}
		return r.val, nil
	case <-timer.C:
		return nil, &errors.TimeoutError{Operation: "condition evaluation", Duration: timeout}
	}
}

// EvaluateBool runs an expression and coerces the result to a boolean
// with Truthy.
func (e *Evaluator) EvaluateBool(code string, env map[string]any, timeout time.Duration) (bool, error) {
	v, err := e.Evaluate(code, env, timeout)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy coerces a value to a boolean the way loop conditions expect:
// nil, false, numeric zero, and the empty string are false; everything
// else, including empty collections, is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(code string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[code]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr, so membership
	// checks go through has() and includes().
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(code,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[code] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the compiled-program cache. Mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
