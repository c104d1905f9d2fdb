package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/jonathan/workflow-engine/internal/schemas"
	"github.com/jonathan/workflow-engine/internal/server/middleware"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// readGraph decodes the request body as a JSON or YAML graph document.
// The format follows Content-Type; anything not YAML is read as JSON.
func (s *Server) readGraph(w http.ResponseWriter, r *http.Request) (*graph.Graph, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGraphBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, &ErrBadRequest{Message: "failed to read request body", Err: err}
	}

	format := graph.DocumentJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = graph.DocumentYAML
	}

	if s.schemaCheck {
		if err := schemas.ValidateGraphDocument(data, format); err != nil {
			var invalid *schemas.ValidationError
			if errors.As(err, &invalid) {
				return nil, err
			}
			return nil, &ErrBadRequest{Message: "invalid graph document", Err: err}
		}
	}

	g, err := graph.Parse(data, format)
	if err != nil {
		return nil, &ErrBadRequest{Message: "invalid graph document", Err: err}
	}
	return g, nil
}

// executeRequest resolves the caller, graph and account shared by both execute routes
func (s *Server) executeRequest(w http.ResponseWriter, r *http.Request) (engine.Request, error) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		return engine.Request{}, err
	}
	g, err := s.readGraph(w, r)
	if err != nil {
		return engine.Request{}, err
	}
	if err := g.Validate(); err != nil {
		return engine.Request{}, err
	}
	if err := s.provision(r.Context(), userID); err != nil {
		return engine.Request{}, err
	}
	return engine.Request{Graph: g, UserID: userID, Locale: r.URL.Query().Get("language")}, nil
}

// handleExecute runs a graph and returns the full result
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := s.executeRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.engine.Execute(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// handleExecuteStream runs a graph and streams progress as Server-Sent Events.
// Request errors found before the run starts are answered as plain JSON.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.executeRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.engine.Execute(r.Context(), req, func(ev engine.ProgressEvent) {
		if werr := sse.WriteProgress(ev); werr != nil {
			s.logger.Debug("progress stream closed", "run_id", ev.RunID, "error", werr)
		}
	})
	if err != nil {
		if HTTPStatus(err) >= http.StatusInternalServerError {
			s.logger.Error("streamed run failed", "error", err)
		}
		sse.WriteError(errorBody(err))
		return
	}
	sse.WriteComplete(result)
}

// estimateResponse prices a graph without running it
type estimateResponse struct {
	Required   int                  `json:"required"`
	Available  int                  `json:"available"`
	Sufficient bool                 `json:"sufficient"`
	Breakdown  []credits.NodeCharge `json:"breakdown"`
}

// handleEstimate returns the pre-flight estimate for a graph and the caller's balance
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	g, err := s.readGraph(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := g.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.provision(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}

	coord := s.engine.Coordinator()
	if err := coord.Ledger().MonthlyResetIfDue(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	available, err := coord.Ledger().Available(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	required := coord.Estimate(g)
	s.jsonResponse(w, http.StatusOK, estimateResponse{
		Required:   required,
		Available:  available,
		Sufficient: available >= required,
		Breakdown:  coord.Table().Breakdown(g),
	})
}

// handleValidate checks a graph document against the schema and the graph rules
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGraphBytes))
	if err != nil {
		s.writeError(w, &ErrBadRequest{Message: "failed to read request body", Err: err})
		return
	}
	format := graph.DocumentJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = graph.DocumentYAML
	}

	if err := schemas.ValidateGraphDocument(data, format); err != nil {
		s.writeError(w, err)
		return
	}
	g, err := graph.Parse(data, format)
	if err != nil {
		s.writeError(w, &ErrBadRequest{Message: "invalid graph document", Err: err})
		return
	}
	if err := g.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"valid": true, "node_count": len(g.Nodes)})
}

// orderResponse is the execution plan for a graph
type orderResponse struct {
	Order    []int   `json:"order"`
	Levels   [][]int `json:"levels"`
	Excluded []int   `json:"excluded"`
}

// handleOrder returns the execution order. ?on_cycle= overrides the engine's cycle policy.
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	g, err := s.readGraph(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := g.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	policy := s.engine.Options().CyclePolicy
	if v := r.URL.Query().Get("on_cycle"); v != "" {
		policy, err = schedule.ParseCyclePolicy(v)
		if err != nil {
			s.writeError(w, &ErrBadRequest{Message: err.Error()})
			return
		}
	}

	order, err := schedule.Order(g, policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	excluded := schedule.Excluded(g, order)
	if excluded == nil {
		excluded = []int{}
	}
	s.jsonResponse(w, http.StatusOK, orderResponse{
		Order:    order,
		Levels:   schedule.Levels(g, order),
		Excluded: excluded,
	})
}

// runSummary is the list view of a run
type runSummary struct {
	ID              uuid.UUID     `json:"id"`
	WorkflowID      *int          `json:"workflow_id,omitempty"`
	WorkflowName    string        `json:"workflow_name"`
	RunNumber       int           `json:"run_number"`
	Status          engine.Status `json:"status"`
	NodeCount       int           `json:"node_count"`
	CreditsUsed     int           `json:"credits_used"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
}

// handleListRuns lists the caller's runs, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, &ErrBadRequest{Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.engine.Store().ListRuns(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary{
			ID:              run.ID,
			WorkflowID:      run.WorkflowID,
			WorkflowName:    run.WorkflowName,
			RunNumber:       run.RunNumber,
			Status:          run.Status,
			NodeCount:       run.NodeCount,
			CreditsUsed:     run.CreditsUsed,
			ErrorMessage:    run.ErrorMessage,
			StartedAt:       run.StartedAt,
			CompletedAt:     run.CompletedAt,
			ExecutionTimeMs: run.ExecutionTimeMs,
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": out, "count": len(out)})
}

// ownedRun loads a run by path id. Runs of other users are reported as not found.
func (s *Server) ownedRun(r *http.Request) (*engine.Run, error) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, &ErrBadRequest{Message: "invalid run ID", Err: err}
	}
	run, err := s.engine.Store().GetRun(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, engine.ErrRunNotFound
	}
	return run, nil
}

// handleGetRun returns one run with its node results
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleDeleteRun removes a finished run
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	deleter, ok := s.engine.Store().(engine.RunDeleter)
	if !ok {
		s.errorResponse(w, http.StatusNotImplemented, "run store does not support deletion")
		return
	}
	run, err := s.ownedRun(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !run.Status.Terminal() {
		s.errorResponse(w, http.StatusConflict, "run is still in progress")
		return
	}
	if err := deleter.DeleteRun(r.Context(), run.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCredits returns the caller's credit pools
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.provision(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}

	ledger := s.engine.Coordinator().Ledger()
	if err := ledger.MonthlyResetIfDue(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"total":   balance.Total(),
		"balance": balance,
	})
}
