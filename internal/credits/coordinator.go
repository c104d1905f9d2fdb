package credits

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonathan/workflow-engine/internal/graph"
)

// InsufficientCreditsError rejects a run whose estimate exceeds the user's balance
type InsufficientCreditsError struct {
	Required  int `json:"required"`
	Available int `json:"available"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// Coordinator prices graphs, runs the pre-flight check, and charges nodes
type Coordinator struct {
	table  CostTable
	ledger Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a coordinator over a cost table and ledger
func NewCoordinator(table CostTable, ledger Ledger) *Coordinator {
	return &Coordinator{
		table:  table,
		ledger: ledger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Ledger returns the underlying ledger
func (c *Coordinator) Ledger() Ledger {
	return c.ledger
}

// Table returns the cost table
func (c *Coordinator) Table() CostTable {
	return c.table
}

// Estimate is the pre-flight total for a graph
func (c *Coordinator) Estimate(g *graph.Graph) int {
	return c.table.Estimate(g)
}

// Cost prices one node execution
func (c *Coordinator) Cost(nodeType graph.NodeType, model string) int {
	return c.table.Cost(nodeType, model)
}

// Acquire serializes runs for one user within this process so the pre-flight
// check and every debit of a run see a consistent balance. Call the returned func to release.
func (c *Coordinator) Acquire(userID string) func() {
	c.mu.Lock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Preflight resets the period if due and checks that the user can afford the whole graph.
// It returns the estimate and the available balance.
func (c *Coordinator) Preflight(ctx context.Context, userID string, g *graph.Graph) (int, int, error) {
	if err := c.ledger.MonthlyResetIfDue(ctx, userID); err != nil {
		return 0, 0, fmt.Errorf("failed to reset monthly credits: %w", err)
	}

	available, err := c.ledger.Available(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read balance: %w", err)
	}

	required := c.Estimate(g)
	if available < required {
		return required, available, &InsufficientCreditsError{Required: required, Available: available}
	}
	return required, available, nil
}

// Charge debits the cost of one successfully executed node.
// Free nodes never touch the ledger. It returns the amount charged and the remaining total.
func (c *Coordinator) Charge(ctx context.Context, userID string, n *graph.Node) (int, int, error) {
	cost := c.table.NodeCost(n)
	if cost == 0 {
		available, err := c.ledger.Available(ctx, userID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read balance: %w", err)
		}
		return 0, available, nil
	}

	remaining, err := c.ledger.Debit(ctx, userID, cost)
	if err != nil {
		return 0, remaining, fmt.Errorf("failed to debit %d credits for node %d: %w", cost, n.ID, err)
	}
	return cost, remaining, nil
}
