package runner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/scheduler"
)

func compile(t *testing.T, def *dag.Definition) *dag.Graph {
	t.Helper()
	g, err := dag.Compile(def)
	require.NoError(t, err)
	return g
}

// counter is a test handler that counts executions and remembers the
// forEach item of each invocation.
type counter struct {
	mu    sync.Mutex
	count int
	items []any
}

func (c *counter) handler(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if inv.Scope != nil {
		c.items = append(c.items, inv.Scope.Item)
	}
	return &scheduler.Output{Data: map[string]any{"n": c.count}}, nil
}

func TestRunLinearWithResponse(t *testing.T) {
	g := compile(t, &dag.Definition{
		Name: "linear",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "reply", Type: "response", Config: map[string]any{
				"payload": map[string]any{"greeting": "hi <in.name>"},
			}},
		},
		Edges: []dag.EdgeDefinition{{Source: "in", Target: "reply"}},
	})

	result, err := New().Run(context.Background(), g, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.True(t, result.Halted)
	assert.Equal(t, map[string]any{"greeting": "hi ada"}, result.Response)
	assert.NotEmpty(t, result.RunID)
}

func TestRunConditionBranching(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "branch",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "check", Type: "condition", Config: map[string]any{"expression": "<in.x> > 1"}},
			{ID: "big", Type: "count"},
			{ID: "small", Type: "count"},
		},
		Edges: []dag.EdgeDefinition{
			{Source: "in", Target: "check"},
			{Source: "check", Target: "big", Handle: "condition:true"},
			{Source: "check", Target: "small", Handle: "condition:false"},
		},
	})

	r := New(WithHandler("count", c.handler))
	result, err := r.Run(context.Background(), g, map[string]any{"x": 5})
	require.NoError(t, err)

	assert.Equal(t, 1, c.count)
	assert.Contains(t, result.Outputs, "big")
	assert.NotContains(t, result.Outputs, "small")
	assert.Equal(t, "true", result.Outputs["check"].SelectedOption)
}

func TestRunDiamondConvergence(t *testing.T) {
	join := &counter{}
	g := compile(t, &dag.Definition{
		Name: "diamond",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "check", Type: "condition", Config: map[string]any{"expression": "1 > 2"}},
			{ID: "left", Type: "noop"},
			{ID: "right", Type: "noop"},
			{ID: "join", Type: "count"},
		},
		Edges: []dag.EdgeDefinition{
			{Source: "in", Target: "check"},
			{Source: "check", Target: "left", Handle: "condition:true"},
			{Source: "check", Target: "right", Handle: "condition:false"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	})

	r := New(WithHandler("count", join.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	// The join runs exactly once despite one input being skipped.
	assert.Equal(t, 1, join.count)
	assert.Contains(t, result.Outputs, "right")
	assert.NotContains(t, result.Outputs, "left")
}

func TestRunForLoop(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "forloop",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "tick", Type: "count"},
		},
		Loops: []dag.LoopDefinition{
			{ID: "repeat", Type: dag.LoopFor, Iterations: 3, Nodes: []string{"tick"}},
		},
		Edges: []dag.EdgeDefinition{{Source: "in", Target: "repeat"}},
	})

	r := New(WithHandler("count", c.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, c.count)
	end := result.Outputs[dag.EndNodeID("repeat")]
	require.NotNil(t, end)
	assert.True(t, end.ShouldExit)
	results, ok := end.Data["results"].([][]*scheduler.Output)
	require.True(t, ok)
	assert.Len(t, results, 3)
}

func TestRunForEachVisitsEveryItem(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "foreach",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "visit", Type: "count"},
		},
		Loops: []dag.LoopDefinition{
			{ID: "each", Type: dag.LoopForEach, Collection: `["a", "b", "c"]`, Nodes: []string{"visit"}},
		},
		Edges: []dag.EdgeDefinition{{Source: "in", Target: "each"}},
	})

	r := New(WithHandler("count", c.handler))
	_, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, c.items)
}

func TestRunSkippedLoopStillReachesDownstream(t *testing.T) {
	after := &counter{}
	g := compile(t, &dag.Definition{
		Name: "skipped",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "tick", Type: "noop"},
			{ID: "after", Type: "count"},
		},
		Loops: []dag.LoopDefinition{
			{ID: "each", Type: dag.LoopForEach, Collection: `[]`, Nodes: []string{"tick"}},
		},
		Edges: []dag.EdgeDefinition{
			{Source: "in", Target: "each"},
			{Source: "each", Target: "after"},
		},
	})

	r := New(WithHandler("count", after.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, after.count)
	assert.NotContains(t, result.Outputs, "tick")
	end := result.Outputs[dag.EndNodeID("each")]
	require.NotNil(t, end)
	assert.Empty(t, end.Data["results"])
}

func TestRunNestedLoops(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "nested",
		Blocks: []dag.BlockDefinition{
			{ID: "work", Type: "count"},
		},
		Loops: []dag.LoopDefinition{
			{ID: "outer", Type: dag.LoopFor, Iterations: 3, Nodes: []string{"inner"}},
			{ID: "inner", Type: dag.LoopFor, Iterations: 2, Nodes: []string{"work"}},
		},
	})

	r := New(WithHandler("count", c.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, c.count)
	end := result.Outputs[dag.EndNodeID("outer")]
	require.NotNil(t, end)
	assert.True(t, end.ShouldExit)
	results, ok := end.Data["results"].([][]*scheduler.Output)
	require.True(t, ok)
	assert.Len(t, results, 3)
}

// Every outer iteration must drain the inner loop completely before the
// outer sentinel advances.
func TestRunNestedLoopIterationOrder(t *testing.T) {
	var mu sync.Mutex
	var pairs [][2]int
	record := func(_ context.Context, inv *Invocation) (*scheduler.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		outer, ok := inv.Run.LoopScope("outer")
		if !ok {
			t.Error("outer scope missing during body execution")
			return &scheduler.Output{}, nil
		}
		pairs = append(pairs, [2]int{outer.Iteration, inv.Scope.Iteration})
		return &scheduler.Output{}, nil
	}

	g := compile(t, &dag.Definition{
		Name: "ordering",
		Blocks: []dag.BlockDefinition{
			{ID: "work", Type: "record"},
		},
		Loops: []dag.LoopDefinition{
			{ID: "outer", Type: dag.LoopFor, Iterations: 3, Nodes: []string{"inner"}},
			{ID: "inner", Type: dag.LoopFor, Iterations: 2, Nodes: []string{"work"}},
		},
	})

	_, err := New(WithHandler("record", record)).Run(context.Background(), g, nil)
	require.NoError(t, err)

	want := [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}
	assert.Equal(t, want, pairs)
}

func TestRunResponseInsideLoopHaltsRun(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "early",
		Blocks: []dag.BlockDefinition{
			{ID: "tick", Type: "count"},
			{ID: "reply", Type: "response", Config: map[string]any{
				"payload": map[string]any{"after": "<tick.n>"},
			}},
		},
		Loops: []dag.LoopDefinition{
			{ID: "repeat", Type: dag.LoopFor, Iterations: 5, Nodes: []string{"tick", "reply"}},
		},
		Edges: []dag.EdgeDefinition{{Source: "tick", Target: "reply"}},
	})

	r := New(WithHandler("count", c.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.True(t, result.Halted)
	assert.Equal(t, 1, c.count)
	assert.Equal(t, map[string]any{"after": 1}, result.Response)
}

func TestRunParallelFanInAggregates(t *testing.T) {
	c := &counter{}
	g := compile(t, &dag.Definition{
		Name: "fanout",
		Blocks: []dag.BlockDefinition{
			{ID: "in", Type: "start"},
			{ID: "b", Type: "count"},
			{ID: "c", Type: "count"},
			{ID: "d", Type: "noop"},
		},
		Parallels: []dag.ParallelDefinition{{ID: "par", Nodes: []string{"b", "c"}}},
		Edges: []dag.EdgeDefinition{
			{Source: "in", Target: "par"},
			{Source: "par", Target: "d"},
		},
	})

	r := New(WithHandler("count", c.handler))
	result, err := r.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, c.count)
	assert.Contains(t, result.Outputs, "d")

	end := result.Outputs[dag.EndNodeID("par")]
	require.NotNil(t, end)
	assert.Equal(t, scheduler.RouteParallelExit, end.SelectedRoute)
	results, ok := end.Data["results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "b")
	assert.Contains(t, results, "c")
}

func TestRunErrorRouting(t *testing.T) {
	boom := func(_ context.Context, _ *Invocation) (*scheduler.Output, error) {
		return nil, assert.AnError
	}
	g := compile(t, &dag.Definition{
		Name: "failing",
		Blocks: []dag.BlockDefinition{
			{ID: "risky", Type: "boom"},
			{ID: "ok", Type: "noop"},
			{ID: "recover", Type: "noop"},
		},
		Edges: []dag.EdgeDefinition{
			{Source: "risky", Target: "ok", Handle: "source"},
			{Source: "risky", Target: "recover", Handle: "error"},
		},
	})

	result, err := New(WithHandler("boom", boom)).Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, result.Outputs["risky"].Error)
	assert.Contains(t, result.Outputs, "recover")
	assert.NotContains(t, result.Outputs, "ok")
}

func TestRunTransformBlock(t *testing.T) {
	emit := func(_ context.Context, _ *Invocation) (*scheduler.Output, error) {
		return &scheduler.Output{Data: map[string]any{
			"items": []any{1.0, 2.0, 3.0},
		}}, nil
	}
	g := compile(t, &dag.Definition{
		Name: "transforming",
		Blocks: []dag.BlockDefinition{
			{ID: "src", Type: "emit"},
			{ID: "xform", Type: "transform", Config: map[string]any{
				"query": "length",
				"input": "<src.items>",
			}},
		},
		Edges: []dag.EdgeDefinition{{Source: "src", Target: "xform"}},
	})

	result, err := New(WithHandler("emit", emit)).Run(context.Background(), g, nil)
	require.NoError(t, err)

	out := result.Outputs["xform"]
	require.NotNil(t, out)
	assert.Empty(t, out.Error)
	assert.EqualValues(t, 3, out.Data["result"])
}

func TestRunMissingHandlerFailsRun(t *testing.T) {
	g := compile(t, &dag.Definition{
		Name:   "unknown",
		Blocks: []dag.BlockDefinition{{ID: "a", Type: "martian"}},
	})

	_, err := New().Run(context.Background(), g, nil)
	assert.Error(t, err)
}
