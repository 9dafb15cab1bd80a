package scheduler

// Routes a block output can select. Loop and parallel sentinels emit these
// to steer control edges; ordinary router blocks emit arbitrary route names.
const (
	// RouteLoopContinue arms the backwards edge for another iteration.
	RouteLoopContinue = "loop-continue"
	// RouteLoopExit leaves a loop and fires its loop-exit edges.
	RouteLoopExit = "loop-exit"
	// RouteParallelExit leaves a parallel fan-in; while selected, only
	// parallel-exit edges fire.
	RouteParallelExit = "parallel-exit"
)

// Output is the normalized contract every node produces. The control
// fields steer edge activation; everything block-specific lives in Data.
type Output struct {
	// Error is the failure message; non-empty values route error edges.
	Error string `json:"error,omitempty"`

	// SelectedRoute names the router or control branch taken.
	SelectedRoute string `json:"selectedRoute,omitempty"`

	// SelectedOption names the condition branch taken.
	SelectedOption string `json:"selectedOption,omitempty"`

	// ShouldExit is set by loop sentinels when the loop is done.
	ShouldExit bool `json:"shouldExit,omitempty"`

	// Data carries the block-specific output fields.
	Data map[string]any `json:"data,omitempty"`
}

// Failed reports whether the output carries an error.
func (o *Output) Failed() bool {
	return o != nil && o.Error != ""
}

// ErrorOutput wraps an execution error in the normalized output contract,
// so error edges can route it.
func ErrorOutput(err error) *Output {
	if err == nil {
		return &Output{}
	}
	return &Output{Error: err.Error()}
}
