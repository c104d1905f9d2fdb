package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/jonathan/workflow-engine/internal/schemas"
	"github.com/jonathan/workflow-engine/internal/server/middleware"
)

// ErrBadRequest indicates a request that could not be decoded
type ErrBadRequest struct {
	Message string
	Err     error
}

func (e *ErrBadRequest) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ErrBadRequest) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for an error.
// Wrapped errors are unwrapped, so a failed run carries the status of its cause.
func HTTPStatus(err error) int {
	var (
		insufficient *credits.InsufficientCreditsError
		invalidGraph *graph.ValidationError
		invalidDoc   *schemas.ValidationError
		cycle        *schedule.CycleError
		badRequest   *ErrBadRequest
		tooLarge     *http.MaxBytesError
	)
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &invalidGraph), errors.As(err, &invalidDoc), errors.As(err, &cycle), errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, middleware.ErrNoUser):
		return http.StatusUnauthorized
	case errors.Is(err, credits.ErrUnknownUser):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the JSON body for an error, carrying details clients act on
func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}

	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		body["required"] = insufficient.Required
		body["available"] = insufficient.Available
	}
	var invalidGraph *graph.ValidationError
	if errors.As(err, &invalidGraph) {
		body["problems"] = invalidGraph.Problems
	}
	var invalidDoc *schemas.ValidationError
	if errors.As(err, &invalidDoc) {
		body["errors"] = invalidDoc.Errors
	}
	var cycle *schedule.CycleError
	if errors.As(err, &cycle) {
		body["excluded"] = cycle.Excluded
	}
	var failed *engine.RunFailedError
	if errors.As(err, &failed) {
		body["run_id"] = failed.RunID.String()
	}
	return body
}

// writeError maps err to a status and JSON body
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.jsonResponse(w, status, errorBody(err))
}
