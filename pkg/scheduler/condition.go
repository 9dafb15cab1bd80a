package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// refPattern matches <block.field> style references inside an expression.
var refPattern = regexp.MustCompile(`<([^<>]+)>`)

// SubstituteReferences replaces every <...> reference in an expression
// with a literal resolved from run state, producing a self-contained
// expression. The first resolution failure aborts the substitution.
func SubstituteReferences(rctx *Context, resolver Resolver, currentNodeID, code string, scope *LoopScope) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(code, func(match string) string {
		if firstErr != nil {
			return match
		}
		v, err := resolver.ResolveReference(rctx, currentNodeID, match, scope)
		if err != nil {
			firstErr = err
			return match
		}
		return literal(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// literal renders a resolved value as an expression literal. Strings are
// quoted, scalars are rendered raw, and structured values fall back to
// JSON (which expr parses as map and array literals).
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32, float64:
		return fmt.Sprintf("%v", x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return strconv.Quote(fmt.Sprintf("%v", x))
		}
		return string(b)
	}
}
