package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/processors"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/jonathan/workflow-engine/internal/schemas"
	"github.com/jonathan/workflow-engine/internal/server/ratelimit"
)

// modelBackend answers every prompt with the model it was routed to
type modelBackend struct{}

func (modelBackend) Generate(_ context.Context, model, _ string) (string, error) {
	return "generated by " + model, nil
}

type testServer struct {
	server *Server
	store  *engine.MemoryStore
	ledger *credits.MemoryLedger
}

type serverOption func(*Config, *engine.Options)

func withMonthlyCredits(n int) serverOption {
	return func(c *Config, _ *engine.Options) { c.MonthlyCredits = n }
}

func withCyclePolicy(p schedule.CyclePolicy) serverOption {
	return func(_ *Config, o *engine.Options) { o.CyclePolicy = p }
}

func withJWT() serverOption {
	return func(c *Config, _ *engine.Options) { c.JWT = testJWTConfig() }
}

func withSchemaCheck() serverOption {
	return func(c *Config, _ *engine.Options) { c.SchemaCheck = true }
}

func withRateLimit(rl *ratelimit.Config) serverOption {
	return func(c *Config, _ *engine.Options) { c.RateLimit = rl }
}

func withPing(fn func(ctx context.Context) error) serverOption {
	return func(c *Config, _ *engine.Options) { c.Ping = fn }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := Config{
		DefaultUser:    "local",
		MonthlyCredits: 100,
		RateLimit:      &ratelimit.Config{Enabled: false},
		Logger:         logger,
	}
	var engineOpts engine.Options
	for _, opt := range opts {
		opt(&cfg, &engineOpts)
	}

	store := engine.NewMemoryStore()
	ledger := credits.NewMemoryLedger()
	registry := processors.NewRegistry(processors.Deps{Backend: modelBackend{}, DefaultModel: "gemini", Logger: logger})
	cfg.Engine = engine.New(registry, credits.NewCoordinator(credits.DefaultCostTable(), ledger), store, engineOpts, logger)

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return &testServer{server: s, store: store, ledger: ledger}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// pipelineGraph is brand -> generate (claude, 3 credits) -> script
const pipelineGraph = `{
	"workflow_name": "Launch teaser",
	"workflow_id": 12,
	"brand_context": "Eco sneakers",
	"nodes": [
		{"id": 1, "type": "brand", "brandBrief": "Eco sneakers for trail runners"},
		{"id": 2, "type": "generate", "config": {"model": "claude"}},
		{"id": 3, "type": "script"}
	],
	"connections": [{"from": 1, "to": 2}, {"from": 2, "to": 3}]
}`

// cyclicGraph has 2 and 3 depending on each other
const cyclicGraph = `{
	"nodes": [{"id": 1, "type": "brand"}, {"id": 2, "type": "generate"}, {"id": 3, "type": "refine"}],
	"connections": [{"from": 1, "to": 2}, {"from": 2, "to": 3}, {"from": 3, "to": 2}]
}`

func TestServer_New_RequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("storage down", func(t *testing.T) {
		ts := newTestServer(t, withPing(func(context.Context) error { return errors.New("connection refused") }))
		w := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode[map[string]string](t, w)
		assert.Equal(t, "unavailable", body["status"])
	})
}

func TestHandleExecute(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/execute", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[engine.RunResult](t, w)
	assert.True(t, result.Success)
	require.Len(t, result.Results, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{result.Results[0].NodeID, result.Results[1].NodeID, result.Results[2].NodeID})
	assert.Equal(t, "generated by claude", result.Results[1].Content)
	require.NotNil(t, result.FinalScript)
	assert.Equal(t, "generated by gemini", *result.FinalScript)
	assert.Nil(t, result.Storyboard)
	assert.Equal(t, 3, result.CreditsUsed)
	assert.Equal(t, 97, result.CreditsRemaining)

	run, err := ts.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, run.Status)
	assert.Equal(t, "local", run.UserID)
	assert.Equal(t, "Launch teaser", run.WorkflowName)

	balance, err := ts.ledger.Balance(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, 97, balance.Total())
}

func TestHandleExecute_YAML(t *testing.T) {
	ts := newTestServer(t)
	body := "nodes:\n  - id: 1\n    type: brand\n    brandBrief: Coffee\n  - id: 2\n    type: script\nconnections:\n  - from: 1\n    to: 2\n"

	w := ts.do(t, http.MethodPost, "/workflows/execute", body, "Content-Type", "application/yaml")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[engine.RunResult](t, w).Success)
}

func TestHandleExecute_InsufficientCredits(t *testing.T) {
	ts := newTestServer(t, withMonthlyCredits(2))

	w := ts.do(t, http.MethodPost, "/workflows/execute", pipelineGraph)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 3, body["required"])
	assert.EqualValues(t, 2, body["available"])
	require.Contains(t, body, "run_id")

	runID, err := uuid.Parse(body["run_id"].(string))
	require.NoError(t, err)
	run, err := ts.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, run.Status)
	assert.Empty(t, run.Results)

	balance, err := ts.ledger.Balance(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, 2, balance.Total(), "rejected runs are never charged")
}

func TestHandleExecute_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		opts     []serverOption
		wantCode int
		wantKey  string
	}{
		{"malformed JSON", `{"nodes": [`, nil, http.StatusBadRequest, "error"},
		{"empty graph", `{"nodes": []}`, nil, http.StatusBadRequest, "problems"},
		{"unknown node type", `{"nodes": [{"id": 1, "type": "teleport"}]}`, nil, http.StatusBadRequest, "problems"},
		{"duplicate ids", `{"nodes": [{"id": 1, "type": "brand"}, {"id": 1, "type": "script"}]}`, nil, http.StatusBadRequest, "problems"},
		{"schema violation", `{"nodes": [{"id": "one", "type": "brand"}]}`, []serverOption{withSchemaCheck()}, http.StatusBadRequest, "errors"},
		{"cycle rejected", cyclicGraph, []serverOption{withCyclePolicy(schedule.OnCycleReject)}, http.StatusBadRequest, "excluded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.opts...)
			w := ts.do(t, http.MethodPost, "/workflows/execute", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, decode[map[string]any](t, w), tt.wantKey)
		})
	}
}

func TestHandleExecute_ValidationCreatesNoRun(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/execute", `{"nodes": []}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	runs, err := ts.store.ListRuns(context.Background(), "local", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleExecute_CycleExcluded(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/execute", cyclicGraph)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[engine.RunResult](t, w)
	assert.Equal(t, []int{2, 3}, result.Excluded)
	require.Len(t, result.Results, 1)
	assert.Equal(t, 1, result.Results[0].NodeID)
}

func TestHandleExecuteStream(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/execute/stream", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	assert.Equal(t, []string{
		engine.StepRunStarted,
		engine.StepNodeStarted, engine.StepNodeCompleted,
		engine.StepNodeStarted, engine.StepNodeCompleted,
		engine.StepNodeStarted, engine.StepNodeCompleted,
		engine.StepRunCompleted,
		"complete",
	}, names)

	var result engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.CreditsUsed)
}

func TestHandleExecuteStream_Errors(t *testing.T) {
	t.Run("invalid graph answers JSON", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/workflows/execute/stream", `{"nodes": []}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("failed run ends with error event", func(t *testing.T) {
		ts := newTestServer(t, withMonthlyCredits(0))
		w := ts.do(t, http.MethodPost, "/workflows/execute/stream", pipelineGraph)
		require.Equal(t, http.StatusOK, w.Code)

		events := parseSSE(t, w.Body.String())
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, "error", last.name)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(last.data), &body))
		assert.EqualValues(t, 3, body["required"])
		assert.EqualValues(t, 0, body["available"])
	})
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, stream string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(stream), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, ev.name, "malformed block %q", block)
		events = append(events, ev)
	}
	return events
}

func TestHandleEstimate(t *testing.T) {
	ts := newTestServer(t, withMonthlyCredits(2))

	w := ts.do(t, http.MethodPost, "/workflows/estimate", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	est := decode[estimateResponse](t, w)
	assert.Equal(t, 3, est.Required)
	assert.Equal(t, 2, est.Available)
	assert.False(t, est.Sufficient)
	require.Len(t, est.Breakdown, 3)
	assert.Equal(t, credits.NodeCharge{NodeID: 2, NodeType: graph.TypeGenerate, Model: "claude", Cost: 3}, est.Breakdown[1])
	assert.Equal(t, 0, est.Breakdown[0].Cost)

	runs, err := ts.store.ListRuns(context.Background(), "local", 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "estimates never create runs")
}

func TestHandleValidate(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/validate", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 3, body["node_count"])

	w = ts.do(t, http.MethodPost, "/workflows/validate", `{"nodes": [{"id": 1, "type": "hologram"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	errs := decode[map[string]any](t, w)["errors"]
	assert.NotEmpty(t, errs)
}

func TestHandleOrder(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/workflows/order", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	plan := decode[orderResponse](t, w)
	assert.Equal(t, []int{1, 2, 3}, plan.Order)
	assert.Equal(t, [][]int{{1}, {2}, {3}}, plan.Levels)
	assert.Empty(t, plan.Excluded)

	w = ts.do(t, http.MethodPost, "/workflows/order", cyclicGraph)
	require.Equal(t, http.StatusOK, w.Code)
	plan = decode[orderResponse](t, w)
	assert.Equal(t, []int{1}, plan.Order)
	assert.Equal(t, []int{2, 3}, plan.Excluded)

	w = ts.do(t, http.MethodPost, "/workflows/order?on_cycle=reject", cyclicGraph)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/workflows/order?on_cycle=sometimes", pipelineGraph)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRuns(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(t, http.MethodPost, "/workflows/execute", pipelineGraph)
	require.Equal(t, http.StatusOK, w.Code)
	runID := decode[engine.RunResult](t, w).RunID

	foreign, err := ts.store.CreateRun(ctx, &engine.Run{UserID: "someone-else", Status: engine.StatusRunning, StartedAt: time.Now()})
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/runs", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[struct {
			Runs  []runSummary `json:"runs"`
			Count int          `json:"count"`
		}](t, w)
		require.Equal(t, 1, body.Count)
		assert.Equal(t, runID, body.Runs[0].ID)
		assert.Equal(t, engine.StatusCompleted, body.Runs[0].Status)
		assert.Equal(t, 1, body.Runs[0].RunNumber)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/runs?limit=zero", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/runs/"+runID.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		run := decode[engine.Run](t, w)
		assert.Len(t, run.Results, 3)
		assert.Equal(t, 3, run.NodeCount)
	})

	t.Run("get foreign run", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/runs/"+foreign.String(), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("get invalid id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/runs/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete running run", func(t *testing.T) {
		own, err := ts.store.CreateRun(ctx, &engine.Run{UserID: "local", Status: engine.StatusRunning, StartedAt: time.Now()})
		require.NoError(t, err)
		w := ts.do(t, http.MethodDelete, "/runs/"+own.String(), "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := ts.do(t, http.MethodDelete, "/runs/"+runID.String(), "")
		require.Equal(t, http.StatusNoContent, w.Code)

		w = ts.do(t, http.MethodGet, "/runs/"+runID.String(), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleCredits(t *testing.T) {
	ts := newTestServer(t, withMonthlyCredits(40))

	w := ts.do(t, http.MethodGet, "/credits", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[struct {
		UserID  string          `json:"user_id"`
		Total   int             `json:"total"`
		Balance credits.Balance `json:"balance"`
	}](t, w)
	assert.Equal(t, "local", body.UserID)
	assert.Equal(t, 40, body.Total)
	assert.Equal(t, 40, body.Balance.Allowance)
	assert.Equal(t, 40, body.Balance.MonthlyLimit)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, withJWT())
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("creator-9", time.Now().Add(time.Hour)))

	w := ts.do(t, http.MethodGet, "/credits", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/workflows/execute", pipelineGraph)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health is public")

	w = ts.do(t, http.MethodPost, "/workflows/execute", pipelineGraph, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	runID := decode[engine.RunResult](t, w).RunID

	run, err := ts.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "creator-9", run.UserID)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, withRateLimit(&ratelimit.Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute}))

	w := ts.do(t, http.MethodGet, "/credits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = ts.do(t, http.MethodGet, "/credits", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	body := decode[map[string]any](t, w)
	assert.Equal(t, "rate_limit_exceeded", body["error"])

	w = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodOptions, "/workflows/execute", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHTTPStatus(t *testing.T) {
	runFailed := func(err error) error { return &engine.RunFailedError{RunID: uuid.New(), Err: err} }

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"insufficient credits", &credits.InsufficientCreditsError{Required: 5, Available: 1}, http.StatusPaymentRequired},
		{"insufficient inside failed run", runFailed(&credits.InsufficientCreditsError{Required: 5}), http.StatusPaymentRequired},
		{"graph validation", &graph.ValidationError{Problems: []string{"x"}}, http.StatusBadRequest},
		{"schema validation", &schemas.ValidationError{}, http.StatusBadRequest},
		{"cycle inside failed run", runFailed(&schedule.CycleError{Excluded: []int{2}}), http.StatusBadRequest},
		{"bad request", &ErrBadRequest{Message: "nope"}, http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("lookup: %w", engine.ErrRunNotFound), http.StatusNotFound},
		{"unknown account", credits.ErrUnknownUser, http.StatusPaymentRequired},
		{"too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"node failure", runFailed(errors.New("debit failed")), http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorBody(t *testing.T) {
	id := uuid.New()
	err := &engine.RunFailedError{RunID: id, Err: &credits.InsufficientCreditsError{Required: 8, Available: 3}}

	body := errorBody(err)
	assert.Equal(t, id.String(), body["run_id"])
	assert.Equal(t, 8, body["required"])
	assert.Equal(t, 3, body["available"])
	assert.Contains(t, body["error"], "insufficient credits")
}
