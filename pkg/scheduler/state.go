package scheduler

import (
	"sort"
	"sync"
	"time"
)

// ExecutionState tracks which nodes have executed in a run and what they
// produced. Implementations must never fail the hot path: persistence
// backends log and count write errors instead of returning them, so the
// scheduler can treat state access as infallible.
type ExecutionState interface {
	// HasExecuted reports whether a node has completed in this run.
	HasExecuted(nodeID string) bool

	// BlockOutput returns the recorded output for a node, if any.
	BlockOutput(nodeID string) (*Output, bool)

	// SetBlockOutput records a node's output and marks it executed.
	SetBlockOutput(nodeID string, out *Output, duration time.Duration)

	// UnmarkExecuted clears a node's executed flag so it can run again.
	// The previous output stays readable until overwritten.
	UnmarkExecuted(nodeID string)
}

// MemoryState is the in-memory ExecutionState used for ordinary runs.
type MemoryState struct {
	mu        sync.RWMutex
	outputs   map[string]*Output
	executed  map[string]bool
	durations map[string]time.Duration
}

// NewMemoryState creates an empty in-memory state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		outputs:   make(map[string]*Output),
		executed:  make(map[string]bool),
		durations: make(map[string]time.Duration),
	}
}

func (s *MemoryState) HasExecuted(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executed[nodeID]
}

func (s *MemoryState) BlockOutput(nodeID string) (*Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[nodeID]
	return out, ok
}

func (s *MemoryState) SetBlockOutput(nodeID string, out *Output, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = out
	s.executed[nodeID] = true
	s.durations[nodeID] = duration
}

func (s *MemoryState) UnmarkExecuted(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executed, nodeID)
}

// Duration returns the recorded execution time for a node.
func (s *MemoryState) Duration(nodeID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durations[nodeID]
}

// ExecutedNodes returns the ids of all executed nodes, sorted.
func (s *MemoryState) ExecutedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.executed))
	for id := range s.executed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
