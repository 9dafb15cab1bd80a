package dag

import (
	"fmt"
	"sort"

	"github.com/tombee/cascade/pkg/errors"
)

// BlockDefinition declares one ordinary block of a workflow.
type BlockDefinition struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// EdgeDefinition declares one connection. Source and Target may name a
// block, a loop, or a parallel; the compiler rewires construct endpoints
// onto the matching sentinels.
type EdgeDefinition struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
	Handle string `yaml:"handle,omitempty" json:"handle,omitempty"`
}

// LoopDefinition declares one loop construct and its member blocks.
type LoopDefinition struct {
	ID         string   `yaml:"id" json:"id"`
	Type       LoopType `yaml:"type" json:"type"`
	Nodes      []string `yaml:"nodes" json:"nodes"`
	Iterations int      `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Collection string   `yaml:"collection,omitempty" json:"collection,omitempty"`
	Condition  string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// ParallelDefinition declares one parallel fan-out/fan-in construct.
type ParallelDefinition struct {
	ID    string   `yaml:"id" json:"id"`
	Nodes []string `yaml:"nodes" json:"nodes"`
}

// Definition is the workflow shape the compiler consumes. It is the
// minimal surface needed to express blocks, branches, loops, and
// parallels; authoring tools produce it, Compile turns it into a Graph.
type Definition struct {
	Name      string                `yaml:"name" json:"name"`
	Blocks    []BlockDefinition     `yaml:"blocks" json:"blocks"`
	Edges     []EdgeDefinition      `yaml:"edges" json:"edges"`
	Loops     []LoopDefinition      `yaml:"loops,omitempty" json:"loops,omitempty"`
	Parallels []ParallelDefinition  `yaml:"parallels,omitempty" json:"parallels,omitempty"`
}

type sourceSpec struct {
	id    string
	kind  EdgeKind
	value string
}

// Compile validates the definition and produces the immutable graph:
// ordinary nodes, sentinel pairs bracketing every loop and parallel,
// rewired construct edges, loop-continue turnover edges, and precomputed
// incoming-source sets.
func Compile(def *Definition) (*Graph, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	g := &Graph{
		name:      def.Name,
		nodes:     make(map[string]*Node),
		loops:     make(map[string]*Loop),
		parallels: make(map[string]*Parallel),
		inbound:   make(map[string][]*Edge),
	}

	constructs := make(map[string]string) // id -> "loop" | "parallel"
	for _, l := range def.Loops {
		constructs[l.ID] = BlockLoop
		g.loops[l.ID] = &Loop{
			ID:         l.ID,
			Type:       l.Type,
			Nodes:      append([]string(nil), l.Nodes...),
			Iterations: l.Iterations,
			Collection: l.Collection,
			Condition:  l.Condition,
		}
	}
	for _, p := range def.Parallels {
		constructs[p.ID] = BlockParallel
		g.parallels[p.ID] = &Parallel{ID: p.ID, Nodes: append([]string(nil), p.Nodes...)}
	}

	// Innermost membership per member id.
	memberLoop := make(map[string]string)
	for _, l := range def.Loops {
		for _, m := range l.Nodes {
			memberLoop[m] = l.ID
		}
	}
	memberParallel := make(map[string]string)
	for _, p := range def.Parallels {
		for _, m := range p.Nodes {
			memberParallel[m] = p.ID
		}
	}

	for _, b := range def.Blocks {
		g.nodes[b.ID] = &Node{
			ID:         b.ID,
			Type:       b.Type,
			Config:     b.Config,
			LoopID:     memberLoop[b.ID],
			ParallelID: memberParallel[b.ID],
		}
	}
	for id, typ := range constructs {
		g.nodes[StartNodeID(id)] = &Node{
			ID:       StartNodeID(id),
			Type:     typ,
			Sentinel: SentinelStart,
			OwnerID:  id,
		}
		g.nodes[EndNodeID(id)] = &Node{
			ID:       EndNodeID(id),
			Type:     typ,
			Sentinel: SentinelEnd,
			OwnerID:  id,
		}
	}

	// expandSource maps a definition-level source id onto concrete edge
	// sources. Construct sources fan out from both sentinels: the end fires
	// the normal exit, the start fires when the construct was skipped
	// entirely.
	expandSource := func(id string, kind EdgeKind, value string) []sourceSpec {
		switch constructs[id] {
		case BlockLoop:
			return []sourceSpec{
				{EndNodeID(id), KindLoopExit, ""},
				{StartNodeID(id), KindLoopExit, ""},
			}
		case BlockParallel:
			return []sourceSpec{{EndNodeID(id), KindParallelExit, ""}}
		default:
			return []sourceSpec{{id, kind, value}}
		}
	}
	resolveTarget := func(id string) string {
		if _, ok := constructs[id]; ok {
			return StartNodeID(id)
		}
		return id
	}
	addEdge := func(src, tgt string, kind EdgeKind, value string) {
		e := &Edge{Source: src, Target: tgt, Kind: kind, Value: value}
		g.nodes[src].Outgoing = append(g.nodes[src].Outgoing, e)
		g.inbound[tgt] = append(g.inbound[tgt], e)
	}

	for _, e := range def.Edges {
		kind, value := ParseHandle(e.Handle)
		tgt := resolveTarget(e.Target)
		for _, s := range expandSource(e.Source, kind, value) {
			addEdge(s.id, tgt, s.kind, s.value)
		}
	}

	// Intra-construct wiring: sentinel-start feeds members with no
	// in-construct predecessor, members with no in-construct successor feed
	// sentinel-end, and loops get the backwards turnover edge.
	intraDegree := func(members []string) (hasIn, hasOut map[string]bool) {
		set := make(map[string]bool, len(members))
		for _, m := range members {
			set[m] = true
		}
		hasIn = make(map[string]bool)
		hasOut = make(map[string]bool)
		for _, e := range def.Edges {
			if set[e.Source] && set[e.Target] {
				hasOut[e.Source] = true
				hasIn[e.Target] = true
			}
		}
		return hasIn, hasOut
	}

	for _, l := range def.Loops {
		hasIn, hasOut := intraDegree(l.Nodes)
		start, end := StartNodeID(l.ID), EndNodeID(l.ID)
		for _, m := range l.Nodes {
			if !hasIn[m] {
				addEdge(start, resolveTarget(m), KindDefault, "")
			}
			if !hasOut[m] {
				for _, s := range expandSource(m, KindDefault, "") {
					addEdge(s.id, end, s.kind, s.value)
				}
			}
		}
		addEdge(end, start, KindLoopContinue, "")
	}
	for _, p := range def.Parallels {
		hasIn, hasOut := intraDegree(p.Nodes)
		start, end := StartNodeID(p.ID), EndNodeID(p.ID)
		for _, m := range p.Nodes {
			if !hasIn[m] {
				addEdge(start, resolveTarget(m), KindDefault, "")
			}
			if !hasOut[m] {
				for _, s := range expandSource(m, KindDefault, "") {
					addEdge(s.id, end, s.kind, s.value)
				}
			}
		}
	}

	// Static incoming sources. Loop-continue edges are turnover signals,
	// not dependencies, so they never gate first entry.
	for id, n := range g.nodes {
		seen := make(map[string]bool)
		for _, e := range g.inbound[id] {
			if e.Kind.IsLoopContinue() || seen[e.Source] {
				continue
			}
			seen[e.Source] = true
			n.Sources = append(n.Sources, e.Source)
		}
		sort.Strings(n.Sources)
	}

	return g, nil
}

func validate(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition is nil"}
	}
	known := make(map[string]bool)
	for _, b := range def.Blocks {
		if b.ID == "" {
			return &errors.ValidationError{Field: "blocks", Message: "block id is empty"}
		}
		if known[b.ID] {
			return &errors.ValidationError{Field: "blocks", Message: fmt.Sprintf("duplicate id %q", b.ID)}
		}
		if b.Type == BlockLoop || b.Type == BlockParallel {
			return &errors.ValidationError{
				Field:      "blocks",
				Message:    fmt.Sprintf("block %q uses reserved type %q", b.ID, b.Type),
				Suggestion: "declare loops and parallels in the loops/parallels sections",
			}
		}
		known[b.ID] = true
	}
	for _, l := range def.Loops {
		if l.ID == "" {
			return &errors.ValidationError{Field: "loops", Message: "loop id is empty"}
		}
		if known[l.ID] {
			return &errors.ValidationError{Field: "loops", Message: fmt.Sprintf("duplicate id %q", l.ID)}
		}
		known[l.ID] = true
		if len(l.Nodes) == 0 {
			return &errors.ValidationError{
				Field:      "loops",
				Message:    fmt.Sprintf("loop %q has no member nodes", l.ID),
				Suggestion: "add at least one block to the loop's nodes list",
			}
		}
		switch l.Type {
		case LoopFor, LoopDoWhile:
			if l.Iterations < 0 {
				return &errors.ValidationError{Field: "loops", Message: fmt.Sprintf("loop %q has negative iterations", l.ID)}
			}
		case LoopForEach:
			if l.Collection == "" {
				return &errors.ValidationError{
					Field:      "loops",
					Message:    fmt.Sprintf("forEach loop %q has no collection", l.ID),
					Suggestion: "set collection to a reference that resolves to an array",
				}
			}
		case LoopWhile:
			if l.Condition == "" {
				return &errors.ValidationError{
					Field:      "loops",
					Message:    fmt.Sprintf("while loop %q has no condition", l.ID),
					Suggestion: "set condition to a boolean expression",
				}
			}
		default:
			return &errors.ValidationError{Field: "loops", Message: fmt.Sprintf("loop %q has unknown type %q", l.ID, l.Type)}
		}
	}
	for _, p := range def.Parallels {
		if p.ID == "" {
			return &errors.ValidationError{Field: "parallels", Message: "parallel id is empty"}
		}
		if known[p.ID] {
			return &errors.ValidationError{Field: "parallels", Message: fmt.Sprintf("duplicate id %q", p.ID)}
		}
		known[p.ID] = true
		if len(p.Nodes) == 0 {
			return &errors.ValidationError{Field: "parallels", Message: fmt.Sprintf("parallel %q has no member nodes", p.ID)}
		}
	}
	for _, l := range def.Loops {
		for _, m := range l.Nodes {
			if !known[m] {
				return &errors.ValidationError{Field: "loops", Message: fmt.Sprintf("loop %q references unknown member %q", l.ID, m)}
			}
		}
	}
	for _, p := range def.Parallels {
		for _, m := range p.Nodes {
			if !known[m] {
				return &errors.ValidationError{Field: "parallels", Message: fmt.Sprintf("parallel %q references unknown member %q", p.ID, m)}
			}
		}
	}
	for _, e := range def.Edges {
		if !known[e.Source] {
			return &errors.ValidationError{Field: "edges", Message: fmt.Sprintf("edge references unknown source %q", e.Source)}
		}
		if !known[e.Target] {
			return &errors.ValidationError{Field: "edges", Message: fmt.Sprintf("edge references unknown target %q", e.Target)}
		}
	}
	return nil
}
