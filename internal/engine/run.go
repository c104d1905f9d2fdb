package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/workflow-engine/internal/graph"
)

// Status is the lifecycle state of a run
type Status string

// Run statuses. Cancelled is reserved; no execution path produces it.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultWorkflowName labels runs submitted without a name
const DefaultWorkflowName = "Untitled Workflow"

// Run is the persisted record of one graph execution
type Run struct {
	ID              uuid.UUID          `json:"id"`
	UserID          string             `json:"user_id"`
	WorkflowID      *int               `json:"workflow_id,omitempty"`
	WorkflowName    string             `json:"workflow_name"`
	RunNumber       int                `json:"run_number"`
	Status          Status             `json:"status"`
	InputGraph      json.RawMessage    `json:"input_graph"`
	NodeCount       int                `json:"node_count"`
	Results         []graph.NodeResult `json:"results"`
	FinalScript     *string            `json:"final_script"`
	Storyboard      *string            `json:"storyboard"`
	CreditsUsed     int                `json:"credits_used"`
	ErrorMessage    *string            `json:"error_message"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
}

// RunUpdate is the terminal transition applied to a run
type RunUpdate struct {
	Status          Status
	FinalScript     *string
	Storyboard      *string
	CreditsUsed     int
	ErrorMessage    *string
	CompletedAt     time.Time
	ExecutionTimeMs int64
}

// ErrRunNotFound is returned when a run does not exist
var ErrRunNotFound = errors.New("run not found")

// ErrRunFinished is returned when a terminal run is updated again
var ErrRunFinished = errors.New("run already finished")

// RunStore persists runs and their node results
type RunStore interface {
	// CreateRun stores a new RUNNING run and assigns its run number
	CreateRun(ctx context.Context, run *Run) (uuid.UUID, error)
	// AppendResult records one node outcome in execution order
	AppendResult(ctx context.Context, runID uuid.UUID, result graph.NodeResult) error
	// UpdateRun applies the terminal transition
	UpdateRun(ctx context.Context, runID uuid.UUID, update RunUpdate) error
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)
	// ListRuns returns the user's runs, newest first
	ListRuns(ctx context.Context, userID string, limit int) ([]Run, error)
}

// RunDeleter is implemented by stores that can remove runs
type RunDeleter interface {
	DeleteRun(ctx context.Context, runID uuid.UUID) error
}

// RunResult is what Execute hands back to callers
type RunResult struct {
	RunID            uuid.UUID          `json:"run_id"`
	Success          bool               `json:"success"`
	Results          []graph.NodeResult `json:"results"`
	FinalScript      *string            `json:"final_script"`
	Storyboard       *string            `json:"storyboard"`
	CreditsUsed      int                `json:"credits_used"`
	CreditsRemaining int                `json:"credits_remaining"`
	// Excluded lists nodes left out of the order by a cycle
	Excluded        []int `json:"excluded,omitempty"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// RunFailedError reports a run that was created and then marked FAILED
type RunFailedError struct {
	RunID uuid.UUID
	Err   error
}

func (e *RunFailedError) Error() string {
	return "run " + e.RunID.String() + " failed: " + e.Err.Error()
}

func (e *RunFailedError) Unwrap() error {
	return e.Err
}
