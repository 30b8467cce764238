package executor

import (
	"sort"

	"github.com/planexec/planexec/pkg/models"
)

// graph is the index-level dependency view of one plan snapshot. It is
// rebuilt from scratch after every plan patch; nothing else mutates it.
type graph struct {
	// deps[i] lists the indices step i waits for.
	deps [][]int

	// revDeps[i] lists the indices waiting for step i.
	revDeps [][]int

	// groupOf[i] is the connected-component id of step i. Components are
	// numbered in order of their smallest member index, so group ids are
	// stable for a given plan snapshot.
	groupOf []int

	// members[g] lists group g's step indices in ascending order.
	members map[int][]int
}

// buildGraph derives the dependency graph from the plan's
// dependsOnStepIds, filtering self references and references to unknown
// steps. Groups are the connected components of the undirected union of
// deps and revDeps; steps with no edges form singleton groups.
func buildGraph(plan *models.Plan) *graph {
	n := len(plan.Steps)
	index := make(map[string]int, n)
	for i, s := range plan.Steps {
		index[s.StepID] = i
	}

	g := &graph{
		deps:    make([][]int, n),
		revDeps: make([][]int, n),
		groupOf: make([]int, n),
		members: make(map[int][]int),
	}
	for i, s := range plan.Steps {
		for _, dep := range s.DependsOnStepIDs {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.revDeps[j] = append(g.revDeps[j], i)
		}
	}

	for i := range g.groupOf {
		g.groupOf[i] = -1
	}
	next := 0
	for i := 0; i < n; i++ {
		if g.groupOf[i] >= 0 {
			continue
		}
		queue := []int{i}
		g.groupOf[i] = next
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			g.members[next] = append(g.members[next], cur)
			for _, adj := range append(append([]int(nil), g.deps[cur]...), g.revDeps[cur]...) {
				if g.groupOf[adj] < 0 {
					g.groupOf[adj] = next
					queue = append(queue, adj)
				}
			}
		}
		sort.Ints(g.members[next])
		next++
	}
	return g
}

// groupSize returns the member count of step i's group.
func (g *graph) groupSize(i int) int {
	return len(g.members[g.groupOf[i]])
}

// groupCount returns the number of groups.
func (g *graph) groupCount() int {
	return len(g.members)
}

// topoOrder returns the group's members in Kahn topological order, stable
// by index for ties.
func (g *graph) topoOrder(groupID int) []int {
	members := g.members[groupID]
	inGroup := make(map[int]bool, len(members))
	for _, i := range members {
		inGroup[i] = true
	}

	indegree := make(map[int]int, len(members))
	for _, i := range members {
		for _, d := range g.deps[i] {
			if inGroup[d] {
				indegree[i]++
			}
		}
	}

	ready := make([]int, 0, len(members))
	for _, i := range members {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	out := make([]int, 0, len(members))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		out = append(out, cur)
		released := []int{}
		for _, succ := range g.revDeps[cur] {
			if !inGroup[succ] {
				continue
			}
			indegree[succ]--
			if indegree[succ] == 0 {
				released = append(released, succ)
			}
		}
		sort.Ints(released)
		ready = mergeSorted(ready, released)
	}

	// A cycle inside the group leaves some members unvisited; append them
	// by index so the flush still carries every event.
	if len(out) < len(members) {
		emitted := make(map[int]bool, len(out))
		for _, i := range out {
			emitted[i] = true
		}
		for _, i := range members {
			if !emitted[i] {
				out = append(out, i)
			}
		}
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// ancestorsOf returns the transitive dependency closure of step i, in
// ascending index order, excluding i itself.
func (g *graph) ancestorsOf(i int) []int {
	seen := map[int]bool{}
	var visit func(int)
	visit = func(cur int) {
		for _, d := range g.deps[cur] {
			if !seen[d] {
				seen[d] = true
				visit(d)
			}
		}
	}
	visit(i)
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// DependencyClosure expands a set of step ids to include every step that
// transitively depends on any of them. Used as the retry mask: when a step
// failed, all of its downstream work must re-run.
func DependencyClosure(plan *models.Plan, stepIDs []string) map[string]bool {
	g := buildGraph(plan)
	index := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		index[s.StepID] = i
	}

	marked := make(map[string]bool, len(stepIDs))
	var queue []int
	for _, id := range stepIDs {
		if i, ok := index[id]; ok && !marked[id] {
			marked[id] = true
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range g.revDeps[cur] {
			id := plan.Steps[succ].StepID
			if !marked[id] {
				marked[id] = true
				queue = append(queue, succ)
			}
		}
	}
	return marked
}
