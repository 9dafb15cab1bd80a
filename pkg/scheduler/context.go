package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Context is the per-run execution context. It owns every active loop
// scope and the queue of nodes waiting to be re-scheduled (re-armed parent
// sentinels). It is created at run start and discarded at run end; it is
// never shared across runs.
type Context struct {
	// RunID identifies the run in logs and persisted state.
	RunID string

	mu      sync.Mutex
	base    context.Context
	flagged func() bool
	loops   map[string]*LoopScope
	pending []string
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithRunID overrides the generated run identifier.
func WithRunID(id string) ContextOption {
	return func(c *Context) { c.RunID = id }
}

// WithCancelFlag installs a distributed cancellation check, polled
// alongside the local context at loop continuation points.
func WithCancelFlag(f func() bool) ContextOption {
	return func(c *Context) { c.flagged = f }
}

// NewContext creates the execution context for one run.
func NewContext(ctx context.Context, opts ...ContextOption) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Context{
		RunID: uuid.NewString(),
		base:  ctx,
		loops: make(map[string]*LoopScope),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Base returns the run's context.Context.
func (c *Context) Base() context.Context { return c.base }

// Cancelled reports whether the run was cancelled, either locally or via
// the distributed flag. Cancellation is cooperative: it is only observed
// at loop continuation points.
func (c *Context) Cancelled() bool {
	select {
	case <-c.base.Done():
		return true
	default:
	}
	if c.flagged != nil {
		return c.flagged()
	}
	return false
}

// LoopScope returns the active scope for a loop, if any.
func (c *Context) LoopScope(loopID string) (*LoopScope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.loops[loopID]
	return s, ok
}

// SetLoopScope installs the scope for a loop, replacing any previous one.
func (c *Context) SetLoopScope(loopID string, s *LoopScope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops[loopID] = s
}

// DeleteLoopScope removes a loop's scope so it re-initializes the next
// time its sentinel-start runs.
func (c *Context) DeleteLoopScope(loopID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loops, loopID)
}

// EnqueuePending appends a node id to the re-schedule queue.
func (c *Context) EnqueuePending(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, nodeID)
}

// DrainPending returns and clears the re-schedule queue. The driver calls
// this after every wave.
func (c *Context) DrainPending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}
