// Package schedule computes a deterministic execution order for a workflow graph.
package schedule

import (
	"fmt"
	"strings"

	"github.com/jonathan/workflow-engine/internal/graph"
)

// CyclePolicy controls what happens to nodes that can never be scheduled
type CyclePolicy string

const (
	// OnCycleExclude silently leaves cycle members and their dependents out of the order
	OnCycleExclude CyclePolicy = "exclude"
	// OnCycleReject fails the order when any node could not be scheduled
	OnCycleReject CyclePolicy = "reject"
)

// ParseCyclePolicy maps a config value to a CyclePolicy. An empty value selects OnCycleExclude.
func ParseCyclePolicy(s string) (CyclePolicy, error) {
	switch CyclePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OnCycleExclude:
		return OnCycleExclude, nil
	case OnCycleReject:
		return OnCycleReject, nil
	}
	return "", fmt.Errorf("unknown cycle policy %q (want exclude or reject)", s)
}

// CycleError is returned under OnCycleReject when nodes are unreachable at in-degree zero
type CycleError struct {
	Excluded []int
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Excluded))
	for i, id := range e.Excluded {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("workflow contains a cycle: nodes [%s] cannot be scheduled", strings.Join(ids, ", "))
}

// Order returns node ids in Kahn topological order.
//
// In-degree only counts connections whose endpoints both exist. The ready queue
// is FIFO, seeded in node declaration order, and successors are released in
// connection declaration order, so the result is fully deterministic.
// Duplicate connections count once per declaration on both sides.
func Order(g *graph.Graph, policy CyclePolicy) ([]int, error) {
	index := g.Index()

	inDegree := make(map[int]int, len(index))
	for id := range index {
		inDegree[id] = 0
	}
	for _, c := range g.Connections {
		if _, ok := index[c.From]; !ok {
			continue
		}
		if _, ok := index[c.To]; !ok {
			continue
		}
		inDegree[c.To]++
	}

	queue := make([]int, 0, len(index))
	queued := make(map[int]bool, len(index))
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 && !queued[n.ID] {
			queue = append(queue, n.ID)
			queued[n.ID] = true
		}
	}

	order := make([]int, 0, len(index))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range graph.Successors(current, g.Connections) {
			if _, ok := index[next]; !ok {
				continue
			}
			inDegree[next]--
			if inDegree[next] == 0 && !queued[next] {
				queue = append(queue, next)
				queued[next] = true
			}
		}
	}

	if policy == OnCycleReject && len(order) < len(index) {
		return order, &CycleError{Excluded: Excluded(g, order)}
	}
	return order, nil
}

// Excluded lists nodes absent from order, in declaration order
func Excluded(g *graph.Graph, order []int) []int {
	scheduled := make(map[int]bool, len(order))
	for _, id := range order {
		scheduled[id] = true
	}
	var out []int
	seen := make(map[int]bool)
	for _, n := range g.Nodes {
		if !scheduled[n.ID] && !seen[n.ID] {
			out = append(out, n.ID)
			seen[n.ID] = true
		}
	}
	return out
}

// Levels groups an order into dependency waves. A node's level is one more than
// the highest level among its scheduled predecessors; sources sit at level zero.
// Nodes inside a wave keep their relative position from order.
func Levels(g *graph.Graph, order []int) [][]int {
	level := make(map[int]int, len(order))
	var waves [][]int
	for _, id := range order {
		l := 0
		for _, p := range graph.Predecessors(id, g.Connections) {
			if pl, ok := level[p]; ok && pl+1 > l {
				l = pl + 1
			}
		}
		level[id] = l
		for len(waves) <= l {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], id)
	}
	return waves
}
