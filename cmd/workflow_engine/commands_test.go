package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/schedule"
)

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		wantValid    bool
		wantNodes    int
		wantProblems []string
	}{
		{name: "valid json", path: "testdata/pipeline.json", wantValid: true, wantNodes: 3},
		{name: "valid yaml", path: "testdata/cyclic.yaml", wantValid: true, wantNodes: 4},
		{name: "duplicate ids", path: "testdata/duplicate.json", wantProblems: []string{"duplicate node id 1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := validateGraph(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, report.Valid)
			assert.Equal(t, tt.wantNodes, report.NodeCount)
			if tt.wantProblems != nil {
				assert.Equal(t, tt.wantProblems, report.Problems)
			}
		})
	}

	t.Run("schema problems", func(t *testing.T) {
		report, err := validateGraph("testdata/unknown_type.json")
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.NotEmpty(t, report.Problems)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := validateGraph("testdata/missing.json")
		assert.Error(t, err)
	})
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, validationReport{Valid: true, NodeCount: 3}, false))
	assert.Equal(t, "✓ Graph is valid (3 nodes)\n", buf.String())

	buf.Reset()
	require.NoError(t, printReport(&buf, validationReport{Problems: []string{"duplicate node id 1", "unknown node type"}}, false))
	assert.Contains(t, buf.String(), "✗ Graph is invalid:")
	assert.Contains(t, buf.String(), "  2. unknown node type")

	buf.Reset()
	require.NoError(t, printReport(&buf, validationReport{Valid: true, NodeCount: 1}, true))
	assert.JSONEq(t, `{"valid":true,"node_count":1}`, buf.String())
}

func TestBuildPlan(t *testing.T) {
	g, err := loadGraph("testdata/cyclic.yaml", false)
	require.NoError(t, err)

	t.Run("exclude", func(t *testing.T) {
		p, err := buildPlan(g, schedule.OnCycleExclude)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4}, p.Order)
		assert.Equal(t, [][]int{{1}, {4}}, p.Levels)
		assert.Equal(t, []int{2, 3}, p.Excluded)
	})

	t.Run("reject", func(t *testing.T) {
		_, err := buildPlan(g, schedule.OnCycleReject)
		var cycle *schedule.CycleError
		require.ErrorAs(t, err, &cycle)
		assert.Equal(t, []int{2, 3}, cycle.Excluded)
	})

	t.Run("acyclic has empty exclusions", func(t *testing.T) {
		pipeline, err := loadGraph("testdata/pipeline.json", false)
		require.NoError(t, err)
		p, err := buildPlan(pipeline, schedule.OnCycleReject)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, p.Order)
		assert.NotNil(t, p.Excluded)
		assert.Empty(t, p.Excluded)
	})
}

func TestPrintPlan(t *testing.T) {
	g, err := loadGraph("testdata/cyclic.yaml", false)
	require.NoError(t, err)
	p, err := buildPlan(g, schedule.OnCycleExclude)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printPlan(&buf, g, p, true))
	assert.JSONEq(t, `{"order":[1,4],"levels":[[1],[4]],"excluded":[2,3]}`, buf.String())

	buf.Reset()
	require.NoError(t, printPlan(&buf, g, p, false))
	assert.Contains(t, buf.String(), "EXECUTION PLAN")
	assert.Contains(t, buf.String(), "Excluded by cycle: 2, 3")
}

func TestEstimate(t *testing.T) {
	a := newTestApp(t, testConfig())
	g, err := loadGraph("testdata/pipeline.json", false)
	require.NoError(t, err)

	est, err := estimate(context.Background(), a.engine.Coordinator(), "local", g)
	require.NoError(t, err)

	assert.Equal(t, 3, est.Required)
	assert.Equal(t, 100, est.Available)
	assert.True(t, est.Sufficient)
	require.Len(t, est.Breakdown, 3)
	assert.Equal(t, 3, est.Breakdown[1].Cost)

	var buf bytes.Buffer
	require.NoError(t, printEstimate(&buf, est, true))
	var decoded estimateResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, est, decoded)

	buf.Reset()
	require.NoError(t, printEstimate(&buf, est, false))
	assert.Contains(t, buf.String(), "✓ Sufficient credits")
}

func TestEstimate_UnknownUser(t *testing.T) {
	a := newTestApp(t, testConfig())
	g, err := loadGraph("testdata/pipeline.json", false)
	require.NoError(t, err)

	_, err = estimate(context.Background(), a.engine.Coordinator(), "nobody", g)
	assert.ErrorIs(t, err, credits.ErrUnknownUser)
}

func TestExecuteGraph(t *testing.T) {
	g, err := loadGraph("testdata/pipeline.json", false)
	require.NoError(t, err)

	t.Run("quiet", func(t *testing.T) {
		a := newTestApp(t, testConfig())
		var buf bytes.Buffer
		result, err := executeGraph(context.Background(), &buf, a.engine, engine.Request{Graph: g, UserID: "local"}, false)
		require.NoError(t, err)

		assert.Empty(t, buf.String())
		assert.True(t, result.Success)
		assert.Equal(t, 3, result.CreditsUsed)
		assert.Equal(t, 97, result.CreditsRemaining)
		require.NotNil(t, result.FinalScript)
		assert.Equal(t, "generated by gemini", *result.FinalScript)
	})

	t.Run("verbose", func(t *testing.T) {
		a := newTestApp(t, testConfig())
		var buf bytes.Buffer
		_, err := executeGraph(context.Background(), &buf, a.engine, engine.Request{Graph: g, UserID: "local"}, true)
		require.NoError(t, err)

		out := buf.String()
		assert.Contains(t, out, "EXECUTION PLAN")
		assert.Contains(t, out, "  ✓ #2")
		assert.Contains(t, out, "WORKFLOW RUN")
		assert.Contains(t, out, "=== FINAL SCRIPT ===\ngenerated by gemini")
	})

	t.Run("insufficient credits", func(t *testing.T) {
		cfg := testConfig()
		cfg.MonthlyCredits = 1
		a := newTestApp(t, cfg)

		_, err := executeGraph(context.Background(), &bytes.Buffer{}, a.engine, engine.Request{Graph: g, UserID: "local"}, false)
		var insufficient *credits.InsufficientCreditsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 3, insufficient.Required)
		assert.Equal(t, 1, insufficient.Available)

		var failed *engine.RunFailedError
		assert.ErrorAs(t, err, &failed)
	})
}

func TestWriteResult(t *testing.T) {
	result := &engine.RunResult{Success: true, CreditsUsed: 3, CreditsRemaining: 97}

	t.Run("stdout", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeResult(&buf, "", result))
		assert.Contains(t, buf.String(), `"credits_used": 3`)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "result.json")
		var buf bytes.Buffer
		require.NoError(t, writeResult(&buf, path, result))
		assert.Empty(t, buf.String())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded engine.RunResult
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, 97, decoded.CreditsRemaining)
	})
}
