// Package graph is a minimal pull-based audio graph: a render context owns
// nodes and directed edges, and renders them block by block into a
// destination.
//
// Graph mutation (Connect, Disconnect, AddSink, Remove) happens on the
// control side under a mutex and publishes an immutable render plan through
// an atomic pointer. [Context.Render] only loads that plan and walks it, so
// the real-time side never locks or allocates.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the number of frames rendered per block.
const DefaultBlockSize = 128

var (
	// ErrCrossContext is returned when connecting nodes of different contexts.
	ErrCrossContext = errors.New("graph: nodes belong to different contexts")

	// ErrCycle is returned when an edge would create a cycle.
	ErrCycle = errors.New("graph: connection would create a cycle")

	// ErrInvalidEdge is returned for edges into a source or out of the
	// destination.
	ErrInvalidEdge = errors.New("graph: invalid edge")

	// ErrNotConnected is returned by Disconnect for an edge that does not exist.
	ErrNotConnected = errors.New("graph: nodes are not connected")

	// ErrRemoved is returned when operating on a node removed from its context.
	ErrRemoved = errors.New("graph: node removed")
)

// Edge is a directed connection between two nodes.
type Edge struct {
	From Node
	To   Node
}

type edgeKey struct{ from, to int }

// Context owns a set of nodes rendered at a fixed sample rate.
type Context struct {
	sampleRate int
	blockSize  int

	mu     sync.Mutex
	nextID int
	nodes  map[int]Node
	edges  map[edgeKey]struct{}
	sinks  map[int]struct{}
	dest   *Destination

	plan   atomic.Pointer[plan]
	frames atomic.Uint64
}

// ContextOption configures a [Context].
type ContextOption func(*Context)

// WithBlockSize sets the render block size in frames.
func WithBlockSize(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// NewContext returns a context with a destination node and an empty plan.
func NewContext(sampleRate int, opts ...ContextOption) *Context {
	c := &Context{
		sampleRate: sampleRate,
		blockSize:  DefaultBlockSize,
		nodes:      make(map[int]Node),
		edges:      make(map[edgeKey]struct{}),
		sinks:      make(map[int]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.dest = &Destination{base: c.newBase("destination")}
	c.nodes[c.dest.id] = c.dest
	c.rebuild()
	return c
}

// SampleRate returns the context sample rate in Hz.
func (c *Context) SampleRate() int { return c.sampleRate }

// BlockSize returns the render block size in frames.
func (c *Context) BlockSize() int { return c.blockSize }

// Destination returns the context's output node.
func (c *Context) Destination() *Destination { return c.dest }

// Frames returns the number of frames rendered so far.
func (c *Context) Frames() uint64 { return c.frames.Load() }

func (c *Context) newBase(name string) base {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return base{ctx: c, id: id, name: name}
}

func (c *Context) add(n Node) {
	c.mu.Lock()
	c.nodes[n.ID()] = n
	c.mu.Unlock()
}

// Connect adds an edge from -> to.
func (c *Context) Connect(from, to Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkPair(from, to); err != nil {
		return err
	}
	if _, ok := to.(*Source); ok {
		return fmt.Errorf("%w: %s has no inputs", ErrInvalidEdge, to.Name())
	}
	if _, ok := from.(*Destination); ok {
		return fmt.Errorf("%w: destination has no outputs", ErrInvalidEdge)
	}
	if from.ID() == to.ID() || c.pathLocked(to.ID(), from.ID()) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from.Name(), to.Name())
	}
	c.edges[edgeKey{from.ID(), to.ID()}] = struct{}{}
	c.rebuild()
	return nil
}

// Disconnect removes the edge from -> to.
func (c *Context) Disconnect(from, to Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkPair(from, to); err != nil {
		return err
	}
	k := edgeKey{from.ID(), to.ID()}
	if _, ok := c.edges[k]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNotConnected, from.Name(), to.Name())
	}
	delete(c.edges, k)
	c.rebuild()
	return nil
}

// AddSink marks n as a terminal that is rendered every block even though it
// does not reach the destination. Analysers used as meters are sinks.
func (c *Context) AddSink(n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNode(n); err != nil {
		return err
	}
	c.sinks[n.ID()] = struct{}{}
	c.rebuild()
	return nil
}

// RemoveSink clears the sink mark on n.
func (c *Context) RemoveSink(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sinks[n.ID()]; ok {
		delete(c.sinks, n.ID())
		c.rebuild()
	}
}

// Remove detaches n from every edge and drops it from the context. The
// destination cannot be removed.
func (c *Context) Remove(n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNode(n); err != nil {
		return err
	}
	if n.ID() == c.dest.id {
		return fmt.Errorf("%w: destination cannot be removed", ErrInvalidEdge)
	}
	for k := range c.edges {
		if k.from == n.ID() || k.to == n.ID() {
			delete(c.edges, k)
		}
	}
	delete(c.sinks, n.ID())
	delete(c.nodes, n.ID())
	c.rebuild()
	return nil
}

// Edges returns every edge in the context.
func (c *Context) Edges() []Edge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Edge, 0, len(c.edges))
	for k := range c.edges {
		out = append(out, Edge{From: c.nodes[k.from], To: c.nodes[k.to]})
	}
	return out
}

// Connected reports whether the edge from -> to exists.
func (c *Context) Connected(from, to Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.edges[edgeKey{from.ID(), to.ID()}]
	return ok
}

// HasPath reports whether audio from from can reach to.
func (c *Context) HasPath(from, to Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathLocked(from.ID(), to.ID())
}

func (c *Context) pathLocked(from, to int) bool {
	seen := map[int]bool{from: true}
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for k := range c.edges {
			if k.from == cur && !seen[k.to] {
				seen[k.to] = true
				stack = append(stack, k.to)
			}
		}
	}
	return false
}

func (c *Context) checkNode(n Node) error {
	if n == nil || n.context() != c {
		return ErrCrossContext
	}
	if _, ok := c.nodes[n.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrRemoved, n.Name())
	}
	return nil
}

func (c *Context) checkPair(from, to Node) error {
	if err := c.checkNode(from); err != nil {
		return err
	}
	return c.checkNode(to)
}

// Render fills out with the next len(out) frames, one block at a time.
// It must only be called from the render callback.
func (c *Context) Render(out []float32) {
	p := c.plan.Load()
	for off := 0; off < len(out); off += c.blockSize {
		p.render(out[off:min(off+c.blockSize, len(out))])
	}
	c.frames.Add(uint64(len(out)))
}
