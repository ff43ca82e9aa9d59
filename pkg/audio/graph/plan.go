package graph

type step struct {
	node   Node
	inputs []int
	in     []float32
	out    []float32
}

// plan is an immutable, topologically sorted render order with preallocated
// buffers. A new plan replaces the old one on every mutation.
type plan struct {
	steps []step
	dest  int
}

// rebuild computes the render plan for the current edges and publishes it.
// The caller holds c.mu.
func (c *Context) rebuild() {
	// Only nodes feeding the destination or a sink are rendered.
	pulled := map[int]bool{}
	var visit func(id int)
	visit = func(id int) {
		if pulled[id] {
			return
		}
		pulled[id] = true
		for k := range c.edges {
			if k.to == id {
				visit(k.from)
			}
		}
	}
	visit(c.dest.id)
	for id := range c.sinks {
		visit(id)
	}

	// Kahn's algorithm over the pulled subgraph, ordered by node ID for a
	// stable plan.
	indeg := map[int]int{}
	for id := range pulled {
		indeg[id] = 0
	}
	for k := range c.edges {
		if pulled[k.from] && pulled[k.to] {
			indeg[k.to]++
		}
	}
	var order []int
	for len(order) < len(pulled) {
		next := -1
		for id, d := range indeg {
			if d == 0 && (next == -1 || id < next) {
				next = id
			}
		}
		if next == -1 {
			break
		}
		delete(indeg, next)
		order = append(order, next)
		for k := range c.edges {
			if k.from == next && pulled[k.to] {
				indeg[k.to]--
			}
		}
	}

	index := make(map[int]int, len(order))
	p := &plan{steps: make([]step, len(order)), dest: -1}
	for i, id := range order {
		index[id] = i
		p.steps[i] = step{
			node: c.nodes[id],
			in:   make([]float32, c.blockSize),
			out:  make([]float32, c.blockSize),
		}
		if id == c.dest.id {
			p.dest = i
		}
	}
	for k := range c.edges {
		to, ok := index[k.to]
		if !ok {
			continue
		}
		if from, ok := index[k.from]; ok {
			p.steps[to].inputs = append(p.steps[to].inputs, from)
		}
	}
	c.plan.Store(p)
}

func (p *plan) render(out []float32) {
	if p == nil {
		clear(out)
		return
	}
	n := len(out)
	for i := range p.steps {
		s := &p.steps[i]
		in := s.in[:n]
		clear(in)
		for _, j := range s.inputs {
			src := p.steps[j].out[:n]
			for k := range in {
				in[k] += src[k]
			}
		}
		s.node.render(in, s.out[:n])
	}
	if p.dest < 0 {
		clear(out)
		return
	}
	copy(out, p.steps[p.dest].out[:n])
}
