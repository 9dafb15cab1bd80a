package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/dag"
)

func TestResolveBlockOutputPaths(t *testing.T) {
	state := NewMemoryState()
	state.SetBlockOutput("fetch", &Output{
		Data: map[string]any{
			"count": 3,
			"user":  map[string]any{"name": "ada"},
			"items": []any{"x", "y"},
		},
	}, 0)
	r := NewStateResolver(state)
	run := NewContext(context.Background())

	v, err := r.ResolveReference(run, "node", "<fetch.count>", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = r.ResolveReference(run, "node", "<fetch.user.name>", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	v, err = r.ResolveReference(run, "node", "<fetch.items.1>", nil)
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	// The bare block reference yields the whole data map.
	v, err = r.ResolveReference(run, "node", "<fetch>", nil)
	require.NoError(t, err)
	assert.Equal(t, state.outputs["fetch"].Data, v)

	_, err = r.ResolveReference(run, "node", "<fetch.missing>", nil)
	assert.Error(t, err)
	_, err = r.ResolveReference(run, "node", "<ghost.field>", nil)
	assert.Error(t, err)
}

func TestResolveVirtualIterationID(t *testing.T) {
	state := NewMemoryState()
	state.SetBlockOutput("work", &Output{Data: map[string]any{"n": 7}}, 0)
	r := NewStateResolver(state)
	run := NewContext(context.Background())

	// References written against a per-iteration virtual id fall back to
	// the base block.
	v, err := r.ResolveReference(run, "node", "<"+dag.IterationID("work", 4)+".n>", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestResolveLoopFields(t *testing.T) {
	state := NewMemoryState()
	r := NewStateResolver(state)
	run := NewContext(context.Background())
	scope := &LoopScope{
		LoopID:    "repeat",
		Type:      dag.LoopForEach,
		Iteration: 2,
		Items:     []any{"a", "b", "c"},
		Item:      map[string]any{"name": "c"},
	}

	v, err := r.ResolveReference(run, "node", "<loop.index>", scope)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = r.ResolveReference(run, "node", "<loop.item.name>", scope)
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	v, err = r.ResolveReference(run, "node", "<loop.items>", scope)
	require.NoError(t, err)
	assert.Len(t, v, 3)

	// The loop can also be referenced by its id.
	v, err = r.ResolveReference(run, "node", "<repeat.iteration>", scope)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = r.ResolveReference(run, "node", "<loop.nope>", scope)
	assert.Error(t, err)
}

func TestSubstituteReferences(t *testing.T) {
	state := NewMemoryState()
	state.SetBlockOutput("counter", &Output{
		Data: map[string]any{"value": 5, "label": "five", "flag": true},
	}, 0)
	r := NewStateResolver(state)
	run := NewContext(context.Background())

	code, err := SubstituteReferences(run, r, "node", "<counter.value> < 10", nil)
	require.NoError(t, err)
	assert.Equal(t, "5 < 10", code)

	// Strings are quoted, booleans rendered raw.
	code, err = SubstituteReferences(run, r, "node", `<counter.label> == "five" && <counter.flag>`, nil)
	require.NoError(t, err)
	assert.Equal(t, `"five" == "five" && true`, code)

	_, err = SubstituteReferences(run, r, "node", "<ghost.value> > 1", nil)
	assert.Error(t, err)

	// No references: the expression passes through untouched.
	code, err = SubstituteReferences(run, r, "node", "1 + 1 == 2", nil)
	require.NoError(t, err)
	assert.Equal(t, "1 + 1 == 2", code)
}
