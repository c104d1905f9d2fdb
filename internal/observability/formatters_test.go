package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
)

func strPtr(s string) *string { return &s }

func TestPrintPlan(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: 1, Type: graph.TypeBrand},
			{ID: 2, Type: graph.TypeGenerate, Config: &graph.NodeConfig{Model: "claude"}},
			{ID: 3, Type: graph.TypeRefine},
		},
		Connections: []graph.Connection{{From: 1, To: 2}, {From: 2, To: 3}, {From: 3, To: 2}},
	}

	p.PrintPlan(g, []int{1}, [][]int{{1}}, []int{2, 3})
	output := buf.String()

	assert.Contains(t, output, "EXECUTION PLAN")
	assert.Contains(t, output, "Nodes: 3   Connections: 3")
	assert.Contains(t, output, "#1 brand")
	assert.Contains(t, output, "Excluded by cycle: 2, 3")
	assert.NotContains(t, output, "#2 generate")
}

func TestPrintPlan_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintPlan(nil, nil, nil, nil)
	assert.Empty(t, buf.String())
}

func TestPrintEstimate(t *testing.T) {
	tests := []struct {
		name      string
		available int
		want      string
	}{
		{"sufficient", 20, "✓ Sufficient credits"},
		{"short", 5, "✗ Short by 6 credits"},
	}

	breakdown := []credits.NodeCharge{
		{NodeID: 1, NodeType: graph.TypeVideo, Model: "gemini", Cost: 0},
		{NodeID: 2, NodeType: graph.TypeAnalyze, Model: "claude-opus", Cost: 8},
		{NodeID: 3, NodeType: graph.TypeScript, Model: "gpt4", Cost: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewPrinter(&buf).PrintEstimate(breakdown, tt.available)
			output := buf.String()

			assert.Contains(t, output, "CREDIT ESTIMATE")
			assert.Contains(t, output, "Required:  11")
			assert.Contains(t, output, "claude-opus")
			assert.Contains(t, output, tt.want)
		})
	}
}

func TestPrintProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintProgress(engine.ProgressEvent{Step: engine.StepRunStarted, Message: "Executing 2 nodes"})
	p.PrintProgress(engine.ProgressEvent{Step: engine.StepNodeStarted, NodeID: 1, Message: "Running brand node"})
	p.PrintProgress(engine.ProgressEvent{Step: engine.StepNodeCompleted, NodeID: 1, Message: "brand node completed"})
	p.PrintProgress(engine.ProgressEvent{Step: engine.StepNodeFailed, NodeID: 2, Message: "generation failed"})
	p.PrintProgress(engine.ProgressEvent{Step: engine.StepRunFailed, Message: "debit failed"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"• Executing 2 nodes",
		"  → #1 Running brand node",
		"  ✓ #1 brand node completed",
		"  ✗ #2 generation failed",
		"✗ debit failed",
	}, lines)
}

func TestPrintRunResult(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	result := &engine.RunResult{
		RunID:            uuid.MustParse("6f1c2d30-8a4b-4c5d-9e6f-7a8b9c0d1e2f"),
		Success:          true,
		CreditsUsed:      3,
		CreditsRemaining: 97,
		ExecutionTimeMs:  1250,
		Excluded:         []int{9},
		Results: []graph.NodeResult{
			{NodeID: 1, NodeType: graph.TypeBrand, Success: true, Content: "\nBRAND CONTEXT:\nEco sneakers"},
			{NodeID: 2, NodeType: graph.TypeGenerate, Success: false, Error: "model unavailable"},
			{NodeID: 3, NodeType: graph.TypeScript, Success: true, Content: strings.Repeat("long script line ", 10)},
		},
	}

	p.PrintRunResult(result)
	output := buf.String()

	assert.Contains(t, output, "WORKFLOW RUN")
	assert.Contains(t, output, "6f1c2d30-8a4b-4c5d-9e6f-7a8b9c0d1e2f")
	assert.Contains(t, output, "3 used, 97 remaining")
	assert.Contains(t, output, "✓ #1 brand: BRAND CONTEXT:")
	assert.Contains(t, output, "✗ #2 generate: model unavailable")
	assert.Contains(t, output, "1 of 3 nodes failed")
	assert.Contains(t, output, "Excluded by cycle: 9")
	assert.Contains(t, output, "...")
}

func TestPrintRunResult_Nil(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.PrintRunResult(nil)
	p.PrintArtifacts(nil)
	assert.Empty(t, buf.String())
}

func TestPrintArtifacts(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintArtifacts(&engine.RunResult{FinalScript: strPtr("HOOK: wake up")})
	output := buf.String()

	assert.Contains(t, output, "=== FINAL SCRIPT ===\nHOOK: wake up")
	assert.NotContains(t, output, "STORYBOARD")
}

func TestPrintBalance(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintBalance("local", credits.Balance{
		Allowance:    40,
		Rollover:     10,
		Bonus:        5,
		MonthlyLimit: 100,
		PeriodStart:  time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	output := buf.String()

	assert.Contains(t, output, "Allowance:  40 / 100")
	assert.Contains(t, output, "Total:      55")
	assert.Contains(t, output, "Resets:     2026-03-03")
}

func TestPrintBox_AlignsMultiByteLines(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).printBox("TITLE", "✓ ok\n"+strings.Repeat("é", 80))

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, boxWidth, utf8.RuneCountInString(line), line)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ééé...", truncate("éééééééé", 6))
}
