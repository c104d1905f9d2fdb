package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/workflow-engine/internal/engine"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  error
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event. After the first write error every call is a no-op.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	if s.failed != nil {
		return s.failed
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		s.failed = err
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteProgress forwards one engine progress event, named by its step
func (s *SSEWriter) WriteProgress(ev engine.ProgressEvent) error {
	return s.WriteEvent(ev.Step, ev)
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(body map[string]any) {
	s.WriteEvent("error", body) //nolint:errcheck
}

// WriteComplete sends the final run result
func (s *SSEWriter) WriteComplete(result *engine.RunResult) {
	s.WriteEvent("complete", result) //nolint:errcheck
}
