package tensor

// Graph is an executable plan over tensor nodes. Nodes holds operation
// tensors in dependency order (every operand of Nodes[i] appears at a
// strictly smaller index, or in Leafs); Leafs holds weights and inputs that
// need no computation.
type Graph struct {
	Threads int

	Nodes []*Tensor
	Leafs []*Tensor

	visited map[*Tensor]struct{}
}

// NewGraph creates an empty graph whose Compute call will use the given
// worker count (minimum one).
func NewGraph(threads int) *Graph {
	if threads < 1 {
		threads = 1
	}
	return &Graph{
		Threads: threads,
		visited: make(map[*Tensor]struct{}),
	}
}

// BuildForwardExpand inserts t and all of its transitive operands into the
// graph, operands first. Visiting operands before the node itself makes the
// stored order a topological order by construction; expanding from several
// roots shares already-inserted nodes.
func (g *Graph) BuildForwardExpand(t *Tensor) {
	g.visit(t)
}

func (g *Graph) visit(t *Tensor) {
	if _, ok := g.visited[t]; ok {
		return
	}
	g.visited[t] = struct{}{}

	if t.src0 != nil {
		g.visit(t.src0)
	}
	if t.src1 != nil {
		g.visit(t.src1)
	}

	if t.op == OpNone {
		g.Leafs = append(g.Leafs, t)
	} else {
		g.Nodes = append(g.Nodes, t)
	}
}
