package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/tombee/cascade/pkg/errors"
)

func edgeTo(t *testing.T, g *Graph, source, target string) *Edge {
	t.Helper()
	for _, e := range g.EdgesTo(target) {
		if e.Source == source {
			return e
		}
	}
	return nil
}

func TestCompileLinear(t *testing.T) {
	def := &Definition{
		Name: "linear",
		Blocks: []BlockDefinition{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop"},
		},
		Edges: []EdgeDefinition{{Source: "a", Target: "b"}},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	a, ok := g.Node("a")
	require.True(t, ok)
	require.Len(t, a.Outgoing, 1)
	assert.Equal(t, KindDefault, a.Outgoing[0].Kind)

	b, ok := g.Node("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, b.Sources)
	assert.Empty(t, a.Sources)
}

func TestCompileLoopWiring(t *testing.T) {
	def := &Definition{
		Name: "looped",
		Blocks: []BlockDefinition{
			{ID: "start", Type: "noop"},
			{ID: "work", Type: "noop"},
			{ID: "after", Type: "noop"},
		},
		Loops: []LoopDefinition{
			{ID: "repeat", Type: LoopFor, Iterations: 3, Nodes: []string{"work"}},
		},
		Edges: []EdgeDefinition{
			{Source: "start", Target: "repeat"},
			{Source: "repeat", Target: "after"},
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	// Sentinels bracket the loop body.
	loopStart, ok := g.Node(StartNodeID("repeat"))
	require.True(t, ok)
	assert.Equal(t, SentinelStart, loopStart.Sentinel)
	assert.Equal(t, BlockLoop, loopStart.Type)
	assert.Equal(t, "repeat", loopStart.OwnerID)

	loopEnd, ok := g.Node(EndNodeID("repeat"))
	require.True(t, ok)
	assert.Equal(t, SentinelEnd, loopEnd.Sentinel)

	// Edges into the loop land on sentinel-start.
	require.NotNil(t, edgeTo(t, g, "start", StartNodeID("repeat")))

	// Edges out of the loop leave from both sentinels as loop-exit: the end
	// for normal exit, the start for a fully skipped loop.
	fromEnd := edgeTo(t, g, EndNodeID("repeat"), "after")
	require.NotNil(t, fromEnd)
	assert.Equal(t, KindLoopExit, fromEnd.Kind)
	fromStart := edgeTo(t, g, StartNodeID("repeat"), "after")
	require.NotNil(t, fromStart)
	assert.Equal(t, KindLoopExit, fromStart.Kind)

	// The body is wired between the sentinels with a backwards turnover edge.
	require.NotNil(t, edgeTo(t, g, StartNodeID("repeat"), "work"))
	require.NotNil(t, edgeTo(t, g, "work", EndNodeID("repeat")))
	turnover := edgeTo(t, g, EndNodeID("repeat"), StartNodeID("repeat"))
	require.NotNil(t, turnover)
	assert.Equal(t, KindLoopContinue, turnover.Kind)

	// Loop-continue edges never count as dependencies.
	assert.Equal(t, []string{"start"}, loopStart.Sources)

	work, ok := g.Node("work")
	require.True(t, ok)
	assert.Equal(t, "repeat", work.LoopID)
}

func TestCompileNestedLoops(t *testing.T) {
	def := &Definition{
		Name: "nested",
		Blocks: []BlockDefinition{
			{ID: "work", Type: "noop"},
		},
		Loops: []LoopDefinition{
			{ID: "outer", Type: LoopFor, Iterations: 3, Nodes: []string{"inner"}},
			{ID: "inner", Type: LoopFor, Iterations: 2, Nodes: []string{"work"}},
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	// The outer sentinel-start feeds the inner sentinel-start.
	require.NotNil(t, edgeTo(t, g, StartNodeID("outer"), StartNodeID("inner")))

	// The inner loop feeds the outer sentinel-end from both its sentinels.
	inEnd := edgeTo(t, g, EndNodeID("inner"), EndNodeID("outer"))
	require.NotNil(t, inEnd)
	assert.Equal(t, KindLoopExit, inEnd.Kind)
	require.NotNil(t, edgeTo(t, g, StartNodeID("inner"), EndNodeID("outer")))

	parent, ok := g.ParentLoop("inner")
	require.True(t, ok)
	assert.Equal(t, "outer", parent)
	assert.True(t, g.LoopContains("outer", "inner"))
	assert.True(t, g.LoopContains("inner", "work"))
	assert.False(t, g.LoopContains("outer", "work"))

	// A sentinel resolves loop membership through its owner.
	innerStart, _ := g.Node(StartNodeID("inner"))
	assert.Equal(t, "inner", innerStart.MemberID())
}

func TestCompileParallelWiring(t *testing.T) {
	def := &Definition{
		Name: "fanout",
		Blocks: []BlockDefinition{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop"},
			{ID: "c", Type: "noop"},
			{ID: "d", Type: "noop"},
		},
		Parallels: []ParallelDefinition{
			{ID: "par", Nodes: []string{"b", "c"}},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "par"},
			{Source: "par", Target: "d"},
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	require.NotNil(t, edgeTo(t, g, StartNodeID("par"), "b"))
	require.NotNil(t, edgeTo(t, g, StartNodeID("par"), "c"))
	require.NotNil(t, edgeTo(t, g, "b", EndNodeID("par")))
	require.NotNil(t, edgeTo(t, g, "c", EndNodeID("par")))

	exit := edgeTo(t, g, EndNodeID("par"), "d")
	require.NotNil(t, exit)
	assert.Equal(t, KindParallelExit, exit.Kind)

	// The fan-in only has control edges out, so it is a join boundary.
	parEnd, _ := g.Node(EndNodeID("par"))
	assert.True(t, parEnd.IsTerminalControl())
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{
			"duplicate block id",
			&Definition{Blocks: []BlockDefinition{{ID: "a", Type: "noop"}, {ID: "a", Type: "noop"}}},
		},
		{
			"reserved block type",
			&Definition{Blocks: []BlockDefinition{{ID: "a", Type: "loop"}}},
		},
		{
			"forEach without collection",
			&Definition{
				Blocks: []BlockDefinition{{ID: "a", Type: "noop"}},
				Loops:  []LoopDefinition{{ID: "l", Type: LoopForEach, Nodes: []string{"a"}}},
			},
		},
		{
			"while without condition",
			&Definition{
				Blocks: []BlockDefinition{{ID: "a", Type: "noop"}},
				Loops:  []LoopDefinition{{ID: "l", Type: LoopWhile, Nodes: []string{"a"}}},
			},
		},
		{
			"loop with unknown member",
			&Definition{
				Blocks: []BlockDefinition{{ID: "a", Type: "noop"}},
				Loops:  []LoopDefinition{{ID: "l", Type: LoopFor, Iterations: 1, Nodes: []string{"ghost"}}},
			},
		},
		{
			"edge to unknown target",
			&Definition{
				Blocks: []BlockDefinition{{ID: "a", Type: "noop"}},
				Edges:  []EdgeDefinition{{Source: "a", Target: "ghost"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.def)
			require.Error(t, err)
			var verr *cerr.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	data := []byte(`
name: sample
blocks:
  - id: start
    type: noop
  - id: work
    type: noop
loops:
  - id: repeat
    type: for
    iterations: 2
    nodes: [work]
edges:
  - source: start
    target: repeat
`)
	def, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "sample", def.Name)
	require.Len(t, def.Loops, 1)
	assert.Equal(t, LoopFor, def.Loops[0].Type)

	g, err := def.Compile()
	require.NoError(t, err)
	_, ok := g.Node(StartNodeID("repeat"))
	assert.True(t, ok)

	_, err = Load([]byte("{not yaml"))
	assert.Error(t, err)
}
