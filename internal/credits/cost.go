// Package credits estimates workflow cost and meters it against a user's credit pools.
package credits

import (
	"strings"

	"github.com/jonathan/workflow-engine/internal/graph"
)

// CostTable prices one node execution by model identifier
type CostTable struct {
	Models       map[string]int `json:"models" yaml:"models"`
	DefaultModel string         `json:"default_model" yaml:"default_model"`
	// FreeNodeTypes never cost anything regardless of model
	FreeNodeTypes []graph.NodeType `json:"free_node_types" yaml:"free_node_types"`
}

// DefaultCostTable returns the standard per-model pricing
func DefaultCostTable() CostTable {
	return CostTable{
		Models: map[string]int{
			"gemini":      0,
			"gemini-pro":  3,
			"claude":      3,
			"gpt4":        3,
			"nano-banana": 2,
			"claude-opus": 8,
			"veo":         10,
		},
		DefaultModel:  "gemini",
		FreeNodeTypes: []graph.NodeType{graph.TypeBrand},
	}
}

// Cost returns the price of one execution of a node type on a model.
// An empty or unknown model is priced as the default model, which is what the
// backend actually runs in that case.
func (t CostTable) Cost(nodeType graph.NodeType, model string) int {
	for _, free := range t.FreeNodeTypes {
		if nodeType == free {
			return 0
		}
	}

	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		model = t.DefaultModel
	}
	if cost, ok := t.Models[model]; ok {
		return cost
	}
	return t.Models[t.DefaultModel]
}

// NodeCost prices a node using its configured model
func (t CostTable) NodeCost(n *graph.Node) int {
	return t.Cost(n.Type, n.Settings().Model)
}

// Estimate sums the cost of every node in the graph
func (t CostTable) Estimate(g *graph.Graph) int {
	total := 0
	for i := range g.Nodes {
		total += t.NodeCost(&g.Nodes[i])
	}
	return total
}

// NodeCharge is the price of one node in an estimate
type NodeCharge struct {
	NodeID   int            `json:"node_id"`
	NodeType graph.NodeType `json:"node_type"`
	Model    string         `json:"model"`
	Cost     int            `json:"cost"`
}

// Breakdown prices every node in declaration order.
// Model is the identifier actually charged, after falling back to the default.
func (t CostTable) Breakdown(g *graph.Graph) []NodeCharge {
	out := make([]NodeCharge, 0, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		out = append(out, NodeCharge{
			NodeID:   n.ID,
			NodeType: n.Type,
			Model:    t.chargedModel(n.Settings().Model),
			Cost:     t.NodeCost(n),
		})
	}
	return out
}

func (t CostTable) chargedModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if _, ok := t.Models[model]; ok {
		return model
	}
	return t.DefaultModel
}

// WithOverrides returns a copy of the table with per-model prices replaced
func (t CostTable) WithOverrides(costs map[string]int) CostTable {
	models := make(map[string]int, len(t.Models)+len(costs))
	for k, v := range t.Models {
		models[k] = v
	}
	for k, v := range costs {
		models[strings.ToLower(strings.TrimSpace(k))] = v
	}
	t.Models = models
	return t
}
