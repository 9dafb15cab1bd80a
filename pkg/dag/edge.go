package dag

import "strings"

// EdgeKind discriminates how an edge decides to fire. The discriminant
// payload for condition and router branches lives in Edge.Value, so no
// string parsing happens after compile time.
type EdgeKind int

const (
	// KindDefault is an edge without a source handle; it fires
	// unconditionally, except out of an exiting loop sentinel-start into
	// the loop's own body.
	KindDefault EdgeKind = iota
	// KindSuccess is the default success path; it fires when the source
	// output carries no error.
	KindSuccess
	// KindError fires when the source output carries an error.
	KindError
	// KindCondition is a condition branch; it fires when Edge.Value equals
	// the output's selected option.
	KindCondition
	// KindRoute is a router branch; it fires when Edge.Value equals the
	// output's selected route.
	KindRoute
	// KindLoopContinue is the backwards edge from a loop's sentinel-end to
	// its sentinel-start, fired on loop turnover.
	KindLoopContinue
	// KindLoopContinueAlt is an alternate loop-continue edge, treated
	// identically to KindLoopContinue.
	KindLoopContinueAlt
	// KindLoopExit leaves a loop; it fires when the sentinel output exits.
	KindLoopExit
	// KindParallelExit leaves a parallel fan-in; it fires when the
	// sentinel-end output selects the parallel-exit route.
	KindParallelExit
	// KindCustom is an unrecognized handle; it fires unconditionally.
	KindCustom
)

// Source-handle strings understood by ParseHandle. These exist only at the
// compiler boundary; the scheduler dispatches on EdgeKind.
const (
	HandleSource          = "source"
	HandleError           = "error"
	HandleLoopContinue    = "loop-continue"
	HandleLoopContinueAlt = "loop-continue-alt"
	HandleLoopExit        = "loop-exit"
	HandleParallelExit    = "parallel-exit"

	conditionPrefix = "condition:"
	routePrefix     = "router:"
)

// ParseHandle maps a sourceHandle string to its edge kind and payload.
// An empty handle is the unconditional default edge; an unrecognized
// handle is KindCustom.
func ParseHandle(handle string) (EdgeKind, string) {
	switch handle {
	case "":
		return KindDefault, ""
	case HandleSource:
		return KindSuccess, ""
	case HandleError:
		return KindError, ""
	case HandleLoopContinue:
		return KindLoopContinue, ""
	case HandleLoopContinueAlt:
		return KindLoopContinueAlt, ""
	case HandleLoopExit:
		return KindLoopExit, ""
	case HandleParallelExit:
		return KindParallelExit, ""
	}
	if v, ok := strings.CutPrefix(handle, conditionPrefix); ok {
		return KindCondition, v
	}
	if v, ok := strings.CutPrefix(handle, routePrefix); ok {
		return KindRoute, v
	}
	return KindCustom, handle
}

// IsControl reports whether the kind is a loop/parallel control edge.
// Control edges are never pruned by cascading deactivation.
func (k EdgeKind) IsControl() bool {
	switch k {
	case KindLoopContinue, KindLoopContinueAlt, KindLoopExit, KindParallelExit:
		return true
	}
	return false
}

// IsLoopContinue reports whether the kind is a loop turnover edge.
func (k EdgeKind) IsLoopContinue() bool {
	return k == KindLoopContinue || k == KindLoopContinueAlt
}

// String returns the sourceHandle form of the kind, for logging and
// deactivation keys.
func (k EdgeKind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindSuccess:
		return HandleSource
	case KindError:
		return HandleError
	case KindCondition:
		return "condition"
	case KindRoute:
		return "router"
	case KindLoopContinue:
		return HandleLoopContinue
	case KindLoopContinueAlt:
		return HandleLoopContinueAlt
	case KindLoopExit:
		return HandleLoopExit
	case KindParallelExit:
		return HandleParallelExit
	case KindCustom:
		return "custom"
	}
	return "unknown"
}

// Edge is a directed, immutable connection between two nodes.
type Edge struct {
	// Source and Target are node ids.
	Source string
	Target string

	// Kind decides the activation rule.
	Kind EdgeKind

	// Value is the discriminant payload for condition and router branches,
	// or the raw handle for KindCustom.
	Value string
}

// Handle reconstructs the sourceHandle string, used in deactivation keys
// so parallel edges between the same pair of nodes stay distinct.
func (e *Edge) Handle() string {
	switch e.Kind {
	case KindCondition:
		return conditionPrefix + e.Value
	case KindRoute:
		return routePrefix + e.Value
	case KindCustom:
		return e.Value
	default:
		return e.Kind.String()
	}
}
