package blockers

import "sort"

// cycles returns the strongly connected components of graph with more than
// one member, each sorted ascending, ordered by their smallest id.
// Edges to nodes outside nodes are ignored.
func cycles(nodes []int64, graph map[int64][]int64) [][]int64 {
	in := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}

	var (
		index   = 0
		indices = make(map[int64]int)
		lowlink = make(map[int64]int)
		onStack = make(map[int64]bool)
		stack   []int64
		out     [][]int64
	)

	var connect func(v int64)
	connect = func(v int64) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if !in[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int64
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 {
				sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
				out = append(out, scc)
			}
		}
	}

	sorted := append([]int64(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, n := range sorted {
		if _, seen := indices[n]; !seen {
			connect(n)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
