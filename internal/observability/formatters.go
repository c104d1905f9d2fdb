// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// previewLength caps node output previews
	previewLength = 45
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// firstLine returns the first non-blank line of s
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	p.boxLine(title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		p.boxLine(truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// boxLine pads by rune count so multi-byte symbols keep the border aligned
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) boxLine(line string) {
	pad := max(0, boxWidth-4-utf8.RuneCountInString(line))
	fmt.Fprintf(p.out, "│ %s%s │\n", line, strings.Repeat(" ", pad))
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

// PrintPlan outputs the execution order, its waves, and any nodes left out by a cycle.
func (p *Printer) PrintPlan(g *graph.Graph, order []int, levels [][]int, excluded []int) {
	if g == nil {
		return
	}
	index := g.Index()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Nodes: %d   Connections: %d\n\n", len(g.Nodes), len(g.Connections)))

	for i, id := range order {
		n := index[id]
		sb.WriteString(fmt.Sprintf("%2d. #%d %s", i+1, id, n.Type))
		if model := n.Settings().Model; model != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", model))
		}
		sb.WriteString("\n")
	}

	if len(levels) > 0 {
		sb.WriteString("\nWaves:\n")
		for i, wave := range levels {
			sb.WriteString(fmt.Sprintf("  %d: [%s]\n", i+1, joinIDs(wave)))
		}
	}

	if len(excluded) > 0 {
		sb.WriteString(fmt.Sprintf("\n⚠ Excluded by cycle: %s\n", joinIDs(excluded)))
	}

	p.printBox("EXECUTION PLAN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintEstimate outputs the pre-flight cost breakdown against the available balance.
func (p *Printer) PrintEstimate(breakdown []credits.NodeCharge, available int) {
	var sb strings.Builder

	required := 0
	for _, c := range breakdown {
		required += c.Cost
		sb.WriteString(fmt.Sprintf("#%-4d %-11s %-12s %3d\n", c.NodeID, c.NodeType, c.Model, c.Cost))
	}

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Required:  %d\n", required))
	sb.WriteString(fmt.Sprintf("Available: %d\n", available))
	if available >= required {
		sb.WriteString("✓ Sufficient credits")
	} else {
		sb.WriteString(fmt.Sprintf("✗ Short by %d credits", required-available))
	}

	p.printBox("CREDIT ESTIMATE", sb.String())
}

// PrintProgress outputs a single line per engine progress event.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(ev engine.ProgressEvent) {
	switch ev.Step {
	case engine.StepNodeStarted:
		fmt.Fprintf(p.out, "  → #%d %s\n", ev.NodeID, ev.Message)
	case engine.StepNodeCompleted:
		fmt.Fprintf(p.out, "  ✓ #%d %s\n", ev.NodeID, ev.Message)
	case engine.StepNodeFailed:
		fmt.Fprintf(p.out, "  ✗ #%d %s\n", ev.NodeID, truncate(ev.Message, boxWidth))
	case engine.StepRunFailed:
		fmt.Fprintf(p.out, "✗ %s\n", ev.Message)
	default:
		fmt.Fprintf(p.out, "• %s\n", ev.Message)
	}
}

// PrintRunResult outputs a summary of a finished run with a preview of every node output.
func (p *Printer) PrintRunResult(result *engine.RunResult) {
	if result == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", result.RunID))
	sb.WriteString(fmt.Sprintf("Credits:  %d used, %d remaining\n", result.CreditsUsed, result.CreditsRemaining))
	sb.WriteString(fmt.Sprintf("Time:     %d ms\n", result.ExecutionTimeMs))
	sb.WriteString("\n")

	failed := 0
	count := min(len(result.Results), maxItemsToShow*2)
	for i := 0; i < count; i++ {
		r := result.Results[i]
		if r.Success {
			sb.WriteString(fmt.Sprintf("✓ #%d %s: %s\n", r.NodeID, r.NodeType, truncate(firstLine(r.Content), previewLength)))
		} else {
			failed++
			sb.WriteString(fmt.Sprintf("✗ #%d %s: %s\n", r.NodeID, r.NodeType, truncate(r.Error, previewLength)))
		}
	}
	for _, r := range result.Results[count:] {
		if !r.Success {
			failed++
		}
	}
	if len(result.Results) > count {
		sb.WriteString(fmt.Sprintf("... and %d more nodes\n", len(result.Results)-count))
	}
	if failed > 0 {
		sb.WriteString(fmt.Sprintf("\n⚠ %d of %d nodes failed\n", failed, len(result.Results)))
	}
	if len(result.Excluded) > 0 {
		sb.WriteString(fmt.Sprintf("⚠ Excluded by cycle: %s\n", joinIDs(result.Excluded)))
	}

	p.printBox("WORKFLOW RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintArtifacts outputs the headline script and storyboard in full.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintArtifacts(result *engine.RunResult) {
	if result == nil {
		return
	}
	if result.FinalScript != nil {
		fmt.Fprintf(p.out, "\n=== FINAL SCRIPT ===\n%s\n", *result.FinalScript)
	}
	if result.Storyboard != nil {
		fmt.Fprintf(p.out, "\n=== STORYBOARD ===\n%s\n", *result.Storyboard)
	}
}

// PrintBalance outputs a user's credit pools.
func (p *Printer) PrintBalance(userID string, b credits.Balance) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("User:       %s\n", userID))
	sb.WriteString(fmt.Sprintf("Allowance:  %d / %d\n", b.Allowance, b.MonthlyLimit))
	sb.WriteString(fmt.Sprintf("Rollover:   %d\n", b.Rollover))
	sb.WriteString(fmt.Sprintf("Bonus:      %d\n", b.Bonus))
	sb.WriteString(fmt.Sprintf("Total:      %d", b.Total()))
	if !b.PeriodStart.IsZero() {
		sb.WriteString(fmt.Sprintf("\nResets:     %s", b.PeriodStart.AddDate(0, 1, 0).Format("2006-01-02")))
	}
	p.printBox("CREDITS", sb.String())
}
