package formula

import "sort"

// DependencyGraph links the dependency nodes of one generation pass by
// index. an edge from -> to means from reads a value to produces.
type DependencyGraph struct {
	precedents [][]int // node -> nodes it reads from
	dependents [][]int // node -> nodes reading from it
}

// NewDependencyGraph creates a graph of n unconnected nodes
func NewDependencyGraph(n int) *DependencyGraph {
	return &DependencyGraph{
		precedents: make([][]int, n),
		dependents: make([][]int, n),
	}
}

// Len returns the number of nodes
func (dg *DependencyGraph) Len() int {
	return len(dg.precedents)
}

// AddDependency records that from depends on to. duplicate edges are
// ignored.
func (dg *DependencyGraph) AddDependency(from, to int) {
	for _, p := range dg.precedents[from] {
		if p == to {
			return
		}
	}
	dg.precedents[from] = append(dg.precedents[from], to)
	dg.dependents[to] = append(dg.dependents[to], from)
}

// Precedents returns the nodes a node reads from, in insertion order
func (dg *DependencyGraph) Precedents(n int) []int {
	return dg.precedents[n]
}

// Dependents returns the nodes reading from a node, in insertion order
func (dg *DependencyGraph) Dependents(n int) []int {
	return dg.dependents[n]
}

// AllDependents returns the seeds plus every node that transitively depends
// on them, sorted
func (dg *DependencyGraph) AllDependents(seeds []int) []int {
	visited := make(map[int]struct{}, len(seeds))
	queue := make([]int, 0, len(seeds))
	for _, s := range seeds {
		if _, seen := visited[s]; !seen {
			visited[s] = struct{}{}
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range dg.dependents[n] {
			if _, seen := visited[d]; !seen {
				visited[d] = struct{}{}
				queue = append(queue, d)
			}
		}
	}

	result := make([]int, 0, len(visited))
	for n := range visited {
		result = append(result, n)
	}
	sort.Ints(result)
	return result
}

// CalculationOrder orders the candidate nodes so that every node comes after
// the candidates it reads from. precedents outside the candidate set are
// ignored. when a cycle exists the order is best effort and hasCycle is true.
// candidates are visited in the order given, which makes the result
// deterministic.
func (dg *DependencyGraph) CalculationOrder(candidates []int) (order []int, hasCycle bool) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[int]int, len(candidates))
	for _, n := range candidates {
		state[n] = unvisited
	}

	type frame struct {
		node int
		next int // index of the next precedent to visit
	}
	order = make([]int, 0, len(candidates))
	for _, start := range candidates {
		if state[start] != unvisited {
			continue
		}
		// iterative post-order walk, deep chains would overflow a recursive one
		stack := []frame{{node: start}}
		state[start] = visiting
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			precedents := dg.precedents[top.node]
			if top.next < len(precedents) {
				p := precedents[top.next]
				top.next++
				s, candidate := state[p]
				switch {
				case !candidate:
				case s == visiting:
					hasCycle = true
				case s == unvisited:
					state[p] = visiting
					stack = append(stack, frame{node: p})
				}
				continue
			}
			state[top.node] = visited
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order, hasCycle
}
