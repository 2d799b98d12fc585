package lockmanager

// detector maintains the wait-for graph: an edge txnA -> txnB means txnA is blocked
// waiting on a lock held (or queued ahead) by txnB. Edges are reference counted
// because two transactions can wait on each other through several targets at once.
//
// The detector is not safe for concurrent use; the Manager calls it under its mutex.
type detector struct {
	edges map[uint64]map[uint64]int
}

func newDetector() *detector {
	return &detector{edges: make(map[uint64]map[uint64]int)}
}

func (d *detector) addEdge(from, to uint64) {
	if from == to {
		return
	}
	m := d.edges[from]
	if m == nil {
		m = make(map[uint64]int)
		d.edges[from] = m
	}
	m[to]++
}

func (d *detector) removeEdge(from, to uint64) {
	m := d.edges[from]
	if m == nil {
		return
	}
	if m[to] > 1 {
		m[to]--
		return
	}
	delete(m, to)
	if len(m) == 0 {
		delete(d.edges, from)
	}
}

// dropTxn removes every edge from and to txnID. Called when a transaction stops
// waiting or terminates.
func (d *detector) dropTxn(txnID uint64) {
	delete(d.edges, txnID)
	for from, m := range d.edges {
		delete(m, txnID)
		if len(m) == 0 {
			delete(d.edges, from)
		}
	}
}

// findCycle runs an iterative depth-first search from start and returns the ids on
// the first cycle through start, or nil. Iterative with an explicit stack: wait
// chains can be long and must not be bounded by goroutine stack depth.
func (d *detector) findCycle(start uint64) []uint64 {
	type frame struct {
		node  uint64
		succs []uint64
		next  int
	}
	succsOf := func(node uint64) []uint64 {
		m := d.edges[node]
		if len(m) == 0 {
			return nil
		}
		out := make([]uint64, 0, len(m))
		for to := range m {
			out = append(out, to)
		}
		return out
	}

	visited := make(map[uint64]bool)
	stack := []frame{{node: start, succs: succsOf(start)}}
	onPath := map[uint64]bool{start: true}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.succs) {
			onPath[top.node] = false
			stack = stack[:len(stack)-1]
			continue
		}
		succ := top.succs[top.next]
		top.next++
		if succ == start {
			cycle := make([]uint64, 0, len(stack))
			for _, f := range stack {
				cycle = append(cycle, f.node)
			}
			return cycle
		}
		if visited[succ] || onPath[succ] {
			continue
		}
		visited[succ] = true
		onPath[succ] = true
		stack = append(stack, frame{node: succ, succs: succsOf(succ)})
	}
	return nil
}
