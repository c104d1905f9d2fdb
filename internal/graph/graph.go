package graph

import (
	"encoding/json"
	"fmt"
)

// Predecessors returns the from-node of every connection into nodeID, in the
// order the connections were declared. Duplicate edges are kept.
func Predecessors(nodeID int, connections []Connection) []int {
	var deps []int
	for _, c := range connections {
		if c.To == nodeID {
			deps = append(deps, c.From)
		}
	}
	return deps
}

// Successors returns the to-node of every connection out of nodeID, in declaration order
func Successors(nodeID int, connections []Connection) []int {
	var next []int
	for _, c := range connections {
		if c.From == nodeID {
			next = append(next, c.To)
		}
	}
	return next
}

// Resolve finds a node by id
func Resolve(nodeID int, nodes []Node) (*Node, bool) {
	for i := range nodes {
		if nodes[i].ID == nodeID {
			return &nodes[i], true
		}
	}
	return nil, false
}

// Index maps node ids to nodes. The first declaration wins on duplicate ids.
func (g *Graph) Index() map[int]*Node {
	idx := make(map[int]*Node, len(g.Nodes))
	for i := range g.Nodes {
		if _, exists := idx[g.Nodes[i].ID]; !exists {
			idx[g.Nodes[i].ID] = &g.Nodes[i]
		}
	}
	return idx
}

// Snapshot serializes the graph for storage as a run's input graph
func (g *Graph) Snapshot() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}
	return data, nil
}
