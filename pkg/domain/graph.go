package domain

import "sort"

// Roots returns the ids of tasks without upstream tasks, sorted
func (p *Pipeline) Roots() []string {
	var roots []string
	for id, t := range p.Tasks {
		if len(t.Upstream) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leaves returns the ids of tasks without downstream tasks, sorted
func (p *Pipeline) Leaves() []string {
	var leaves []string
	for id, t := range p.Tasks {
		if len(t.Downstream) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Level returns the topological level of a task: 0 for roots, otherwise
// 1 + the maximum level of its upstream tasks. Returns -1 when the id is
// absent or lies on a cycle.
func (p *Pipeline) Level(id string) int {
	if _, ok := p.Tasks[id]; !ok {
		return -1
	}
	memo := make(map[string]int)
	visiting := make(map[string]bool)

	var level func(string) int
	level = func(cur string) int {
		if l, ok := memo[cur]; ok {
			return l
		}
		t, ok := p.Tasks[cur]
		if !ok || visiting[cur] {
			return -1
		}
		visiting[cur] = true
		defer delete(visiting, cur)

		best := 0
		for _, u := range t.Upstream {
			l := level(u)
			if l < 0 {
				return -1
			}
			if l+1 > best {
				best = l + 1
			}
		}
		memo[cur] = best
		return best
	}
	return level(id)
}

// Levels returns the level of every task
func (p *Pipeline) Levels() map[string]int {
	levels := make(map[string]int, len(p.Tasks))
	for id := range p.Tasks {
		levels[id] = p.Level(id)
	}
	return levels
}

// TopologicalOrder returns task ids so that every task appears after its
// upstream tasks, breaking ties by id. The second return value is false
// when the graph has a cycle; the order then only covers the acyclic part.
func (p *Pipeline) TopologicalOrder() ([]string, bool) {
	inDegree := make(map[string]int, len(p.Tasks))
	for id, t := range p.Tasks {
		n := 0
		for _, u := range t.Upstream {
			if _, ok := p.Tasks[u]; ok {
				n++
			}
		}
		inDegree[id] = n
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(p.Tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []string
		for _, d := range p.Tasks[id].Downstream {
			if _, ok := inDegree[d]; !ok {
				continue
			}
			inDegree[d]--
			if inDegree[d] == 0 {
				next = append(next, d)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	return order, len(order) == len(p.Tasks)
}

// EstimatedDuration is a worst-case critical path estimate in seconds: the
// maximum, over all leaf tasks, of the summed timeouts along the longest
// upstream chain reaching that leaf. Returns -1 for cyclic graphs.
func (p *Pipeline) EstimatedDuration() int {
	order, ok := p.TopologicalOrder()
	if !ok {
		return -1
	}
	finish := make(map[string]int, len(order))
	for _, id := range order {
		t := p.Tasks[id]
		start := 0
		for _, u := range t.Upstream {
			if finish[u] > start {
				start = finish[u]
			}
		}
		finish[id] = start + t.Resources.Timeout
	}

	longest := 0
	for _, id := range p.Leaves() {
		if finish[id] > longest {
			longest = finish[id]
		}
	}
	return longest
}

// TotalResources sums the requirements of every task
func (p *Pipeline) TotalResources() ResourceRequirement {
	var total ResourceRequirement
	for _, t := range p.Tasks {
		total.CPU += t.Resources.CPU
		total.Memory += t.Resources.Memory
		total.GPU += t.Resources.GPU
		total.Timeout += t.Resources.Timeout
	}
	return total
}
