package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/graph"
)

const runColumns = `id, user_id, workflow_id, workflow_name, run_number, status, input_graph, node_count,
	final_script, storyboard, credits_used, error_message, started_at, completed_at, execution_time_ms`

// CreateRun inserts a new run. The run number counts earlier runs of the same workflow.
func (db *DB) CreateRun(ctx context.Context, run *engine.Run) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	status := run.Status
	if status == "" {
		status = engine.StatusRunning
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO workflow_runs (id, user_id, workflow_id, workflow_name, run_number, status, input_graph, node_count, started_at)
		 VALUES ($1, $2, $3, $4,
		         CASE WHEN $3::integer IS NULL THEN 1
		              ELSE (SELECT COUNT(*) + 1 FROM workflow_runs WHERE user_id = $2 AND workflow_id = $3) END,
		         $5, $6, $7, $8)
		 RETURNING run_number`,
		run.ID, run.UserID, run.WorkflowID, run.WorkflowName, string(status), jsonOrEmpty(run.InputGraph), run.NodeCount, run.StartedAt,
	).Scan(&run.RunNumber)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run.ID, nil
}

// AppendResult records a node result after the ones already stored
func (db *DB) AppendResult(ctx context.Context, runID uuid.UUID, result graph.NodeResult) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockRunning(ctx, tx, runID); err != nil {
		return err
	}

	var errText *string
	if result.Error != "" {
		errText = &result.Error
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO run_node_results (run_id, position, node_id, node_type, content, success, error)
		 VALUES ($1, (SELECT COUNT(*) FROM run_node_results WHERE run_id = $1), $2, $3, $4, $5, $6)`,
		runID, result.NodeID, string(result.NodeType), result.Content, result.Success, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to append result for node %d: %w", result.NodeID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockRunning locks a run row and checks that it can still change
func lockRunning(ctx context.Context, tx pgx.Tx, runID uuid.UUID) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.ErrRunNotFound
		}
		return fmt.Errorf("failed to lock run: %w", err)
	}
	if engine.Status(status).Terminal() {
		return engine.ErrRunFinished
	}
	return nil
}

// UpdateRun applies the terminal transition
func (db *DB) UpdateRun(ctx context.Context, runID uuid.UUID, u engine.RunUpdate) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockRunning(ctx, tx, runID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2, final_script = $3, storyboard = $4, credits_used = $5,
		     error_message = $6, completed_at = $7, execution_time_ms = $8
		 WHERE id = $1`,
		runID, string(u.Status), u.FinalScript, u.Storyboard, u.CreditsUsed, u.ErrorMessage, u.CompletedAt, u.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its node results
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*engine.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	results, err := db.results(ctx, []uuid.UUID{runID})
	if err != nil {
		return nil, err
	}
	run.Results = results[runID]
	return run, nil
}

// ListRuns retrieves a user's recent runs with their node results
func (db *DB) ListRuns(ctx context.Context, userID string, limit int) ([]engine.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.Run
	var ids []uuid.UUID
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
		ids = append(ids, run.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	results, err := db.results(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i].Results = results[runs[i].ID]
	}
	return runs, nil
}

// DeleteRun deletes a run and its node results (via cascade)
func (db *DB) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM workflow_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

// results loads node results for the given runs in position order
func (db *DB) results(ctx context.Context, runIDs []uuid.UUID) (map[uuid.UUID][]graph.NodeResult, error) {
	out := make(map[uuid.UUID][]graph.NodeResult, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT run_id, node_id, node_type, content, success, COALESCE(error, '')
		 FROM run_node_results WHERE run_id = ANY($1::uuid[])
		 ORDER BY run_id, position`,
		uuidStrings(runIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load node results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var runID uuid.UUID
		var r graph.NodeResult
		var nodeType string
		if err := rows.Scan(&runID, &r.NodeID, &nodeType, &r.Content, &r.Success, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		r.NodeType = graph.NodeType(nodeType)
		out[runID] = append(out[runID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load node results: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (*engine.Run, error) {
	var run engine.Run
	var status string
	var graphJSON []byte
	err := row.Scan(
		&run.ID, &run.UserID, &run.WorkflowID, &run.WorkflowName, &run.RunNumber, &status, &graphJSON, &run.NodeCount,
		&run.FinalScript, &run.Storyboard, &run.CreditsUsed, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.ExecutionTimeMs,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.Status(status)
	run.InputGraph = graphJSON
	return &run, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
