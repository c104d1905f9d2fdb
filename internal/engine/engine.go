// Package engine runs a workflow graph end to end: validation, scheduling,
// the credit pre-flight, per-node execution with metering, and run persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/processors"
	"github.com/jonathan/workflow-engine/internal/schedule"
)

// InputSeparator joins predecessor outputs into one input
const InputSeparator = "\n\n---\n\n"

// FailedOutputPolicy decides what downstream nodes see from a failed predecessor
type FailedOutputPolicy string

// Failed output policies
const (
	// FailedOutputEmpty drops the failed node's contribution
	FailedOutputEmpty FailedOutputPolicy = "empty"
	// FailedOutputErrorText forwards the processor's error text
	FailedOutputErrorText FailedOutputPolicy = "error_text"
)

// MediaLookup decides how far upstream a node looks for a media attachment
type MediaLookup string

// Media lookup modes
const (
	MediaLookupDirect     MediaLookup = "direct"
	MediaLookupTransitive MediaLookup = "transitive"
)

// ProgressEvent is emitted as a run advances
type ProgressEvent struct {
	Step     string `json:"step"`
	Category string `json:"category"`
	Message  string `json:"message"`
	RunID    string `json:"run_id,omitempty"`
	NodeID   int    `json:"node_id,omitempty"`
	Content  any    `json:"content,omitempty"`
}

// ProgressCallback receives progress events. Calls are serialized.
type ProgressCallback func(event ProgressEvent)

// Progress steps
const (
	StepRunStarted    = "run_started"
	StepNodeStarted   = "node_started"
	StepNodeCompleted = "node_completed"
	StepNodeFailed    = "node_failed"
	StepRunCompleted  = "run_completed"
	StepRunFailed     = "run_failed"
)

// ProcessorSource resolves the processor for a node type
type ProcessorSource interface {
	For(t graph.NodeType) (processors.Processor, error)
}

// Options tune execution
type Options struct {
	CyclePolicy  schedule.CyclePolicy
	FailedOutput FailedOutputPolicy
	MediaLookup  MediaLookup
	// NodeTimeout bounds each processor call; zero means no limit
	NodeTimeout time.Duration
	// Concurrency above one runs independent nodes of a wave in parallel
	Concurrency int
	OnProgress  ProgressCallback
}

// Request is one execution submitted by a user
type Request struct {
	Graph  *graph.Graph
	UserID string
	// Locale overrides the graph's language when set
	Locale string
}

// Engine executes workflow graphs
type Engine struct {
	processors ProcessorSource
	coord      *credits.Coordinator
	store      RunStore
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an engine
func New(procs ProcessorSource, coord *credits.Coordinator, store RunStore, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CyclePolicy == "" {
		opts.CyclePolicy = schedule.OnCycleExclude
	}
	if opts.FailedOutput == "" {
		opts.FailedOutput = FailedOutputEmpty
	}
	if opts.MediaLookup == "" {
		opts.MediaLookup = MediaLookupDirect
	}
	return &Engine{
		processors: procs,
		coord:      coord,
		store:      store,
		opts:       opts,
		logger:     logger.With("component", "engine"),
		now:        time.Now,
	}
}

// Store returns the run store
func (e *Engine) Store() RunStore {
	return e.store
}

// Options returns the effective execution options
func (e *Engine) Options() Options {
	return e.opts
}

// Coordinator returns the credit coordinator
func (e *Engine) Coordinator() *credits.Coordinator {
	return e.coord
}

// run is the mutable state of one execution
type run struct {
	id       uuid.UUID
	req      Request
	locale   string
	index    map[int]*graph.Node
	started  time.Time
	progress ProgressCallback

	mu          sync.Mutex
	outputs     map[int]string
	results     []graph.NodeResult
	finalScript *string
	storyboard  *string
	creditsUsed int
	remaining   int
}

// Execute validates and runs a graph for a user.
// Invalid graphs are rejected before any run is created. Once a run exists,
// every run-level failure marks it FAILED and is returned as a *RunFailedError.
func (e *Engine) Execute(ctx context.Context, req Request, onProgress ProgressCallback) (*RunResult, error) {
	if req.Graph == nil {
		return nil, &graph.ValidationError{Problems: []string{graph.ErrEmptyGraph.Error()}}
	}
	if err := req.Graph.Validate(); err != nil {
		return nil, err
	}

	release := e.coord.Acquire(req.UserID)
	defer release()

	r, err := e.createRun(ctx, req, onProgress)
	if err != nil {
		return nil, err
	}
	r.emit(ProgressEvent{Step: StepRunStarted, Category: "lifecycle", Message: fmt.Sprintf("Executing %d nodes", len(req.Graph.Nodes))})

	order, err := schedule.Order(req.Graph, e.opts.CyclePolicy)
	if err != nil {
		return nil, e.fail(ctx, r, err)
	}
	excluded := schedule.Excluded(req.Graph, order)
	if len(excluded) > 0 {
		e.logger.Warn("nodes excluded by cycle", "run_id", r.id, "nodes", excluded)
	}

	required, available, err := e.coord.Preflight(ctx, req.UserID, req.Graph)
	if err != nil {
		return nil, e.fail(ctx, r, err)
	}
	r.remaining = available
	e.logger.Info("pre-flight passed", "run_id", r.id, "required", required, "available", available)

	if err := e.executeWaves(ctx, r, e.waves(req.Graph, order)); err != nil {
		return nil, e.fail(ctx, r, err)
	}

	elapsed := e.now().Sub(r.started).Milliseconds()
	update := RunUpdate{
		Status:          StatusCompleted,
		FinalScript:     r.finalScript,
		Storyboard:      r.storyboard,
		CreditsUsed:     r.creditsUsed,
		CompletedAt:     e.now(),
		ExecutionTimeMs: elapsed,
	}
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), r.id, update); err != nil {
		return nil, e.fail(ctx, r, fmt.Errorf("failed to complete run: %w", err))
	}

	result := &RunResult{
		RunID:            r.id,
		Success:          true,
		Results:          r.results,
		FinalScript:      r.finalScript,
		Storyboard:       r.storyboard,
		CreditsUsed:      r.creditsUsed,
		CreditsRemaining: r.remaining,
		Excluded:         excluded,
		ExecutionTimeMs:  elapsed,
	}
	r.emit(ProgressEvent{Step: StepRunCompleted, Category: "lifecycle", Message: "Workflow completed", Content: result})
	e.logger.Info("run completed", "run_id", r.id, "nodes", len(r.results), "credits_used", r.creditsUsed, "elapsed_ms", elapsed)
	return result, nil
}

func (e *Engine) createRun(ctx context.Context, req Request, onProgress ProgressCallback) (*run, error) {
	g := req.Graph
	snapshot, err := g.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}

	name := g.WorkflowName
	if strings.TrimSpace(name) == "" {
		name = DefaultWorkflowName
	}
	locale := g.Locale
	if req.Locale != "" {
		locale = req.Locale
	}

	record := &Run{
		ID:           uuid.New(),
		UserID:       req.UserID,
		WorkflowID:   g.WorkflowID,
		WorkflowName: name,
		Status:       StatusRunning,
		InputGraph:   snapshot,
		NodeCount:    len(g.Nodes),
		StartedAt:    e.now(),
	}
	id, err := e.store.CreateRun(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &run{
		id:       id,
		req:      req,
		locale:   locale,
		index:    g.Index(),
		started:  record.StartedAt,
		progress: e.combine(onProgress),
		outputs:  make(map[int]string, len(g.Nodes)),
	}, nil
}

// combine merges the engine-wide and per-request callbacks into one serialized callback
func (e *Engine) combine(onProgress ProgressCallback) ProgressCallback {
	callbacks := make([]ProgressCallback, 0, 2)
	if e.opts.OnProgress != nil {
		callbacks = append(callbacks, e.opts.OnProgress)
	}
	if onProgress != nil {
		callbacks = append(callbacks, onProgress)
	}
	if len(callbacks) == 0 {
		return nil
	}
	var mu sync.Mutex
	return func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

func (r *run) emit(ev ProgressEvent) {
	if r.progress == nil {
		return
	}
	ev.RunID = r.id.String()
	r.progress(ev)
}

// fail marks the run FAILED and wraps err
func (e *Engine) fail(ctx context.Context, r *run, err error) error {
	msg := err.Error()
	r.mu.Lock()
	update := RunUpdate{
		Status:          StatusFailed,
		FinalScript:     r.finalScript,
		Storyboard:      r.storyboard,
		CreditsUsed:     r.creditsUsed,
		ErrorMessage:    &msg,
		CompletedAt:     e.now(),
		ExecutionTimeMs: e.now().Sub(r.started).Milliseconds(),
	}
	r.mu.Unlock()

	if uerr := e.store.UpdateRun(context.WithoutCancel(ctx), r.id, update); uerr != nil && !errors.Is(uerr, ErrRunFinished) {
		e.logger.Error("failed to mark run failed", "run_id", r.id, "error", uerr)
		err = errors.Join(err, uerr)
	}
	e.logger.Warn("run failed", "run_id", r.id, "error", msg)
	r.emit(ProgressEvent{Step: StepRunFailed, Category: "lifecycle", Message: msg})
	return &RunFailedError{RunID: r.id, Err: err}
}

// waves groups the order into batches run together. Sequential execution uses one node per wave.
func (e *Engine) waves(g *graph.Graph, order []int) [][]int {
	if e.opts.Concurrency > 1 {
		return schedule.Levels(g, order)
	}
	waves := make([][]int, len(order))
	for i, id := range order {
		waves[i] = []int{id}
	}
	return waves
}

// outcome is one node's processed result before it is recorded
type outcome struct {
	node      *graph.Node
	content   string
	errorText string
	err       error
}

func (e *Engine) executeWaves(ctx context.Context, r *run, waves [][]int) error {
	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}

		outcomes := make([]outcome, len(wave))
		if len(wave) == 1 {
			outcomes[0] = e.processNode(ctx, r, wave[0])
		} else {
			eg, egCtx := errgroup.WithContext(ctx)
			eg.SetLimit(e.opts.Concurrency)
			for i, id := range wave {
				eg.Go(func() error {
					outcomes[i] = e.processNode(egCtx, r, id)
					return nil
				})
			}
			_ = eg.Wait()
		}

		// Recording and debiting stay in schedule order.
		for _, oc := range outcomes {
			if err := e.record(ctx, r, oc); err != nil {
				return err
			}
		}
	}
	return nil
}

// processNode builds the node's input and invokes its processor
func (e *Engine) processNode(ctx context.Context, r *run, id int) outcome {
	node := r.index[id]
	in := processors.Input{
		Node:          node,
		Content:       r.aggregate(id),
		Config:        node.Settings(),
		Locale:        r.locale,
		UpstreamMedia: e.upstreamMedia(r, id),
		BrandContext:  r.req.Graph.BrandContext,
	}

	r.emit(ProgressEvent{Step: StepNodeStarted, Category: string(node.Type.Kind()), Message: fmt.Sprintf("Running %s node", node.Type), NodeID: id})

	proc, err := e.processors.For(node.Type)
	if err != nil {
		return outcome{node: node, errorText: err.Error(), err: err}
	}

	nodeCtx := ctx
	if e.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.opts.NodeTimeout)
		defer cancel()
	}

	start := e.now()
	content, err := proc.Process(nodeCtx, in)
	if err == nil && nodeCtx.Err() != nil {
		err = nodeCtx.Err()
	}
	if err != nil {
		text := content
		if text == "" {
			text = err.Error()
		}
		e.logger.Warn("node failed", "run_id", r.id, "node_id", id, "type", node.Type, "error", err)
		return outcome{node: node, errorText: text, err: err}
	}
	e.logger.Debug("node completed", "run_id", r.id, "node_id", id, "type", node.Type, "elapsed", e.now().Sub(start))
	return outcome{node: node, content: content}
}

// record stores a node outcome, meters it, and updates the headline artifacts
func (e *Engine) record(ctx context.Context, r *run, oc outcome) error {
	node := oc.node
	result := graph.NodeResult{NodeID: node.ID, NodeType: node.Type, Success: oc.err == nil}
	if oc.err != nil {
		result.Error = oc.err.Error()
	} else {
		result.Content = oc.content
	}

	if err := e.store.AppendResult(ctx, r.id, result); err != nil {
		return fmt.Errorf("failed to record result for node %d: %w", node.ID, err)
	}

	r.mu.Lock()
	r.results = append(r.results, result)
	switch {
	case oc.err == nil:
		r.outputs[node.ID] = oc.content
	case e.opts.FailedOutput == FailedOutputErrorText:
		r.outputs[node.ID] = oc.errorText
	}
	r.mu.Unlock()

	if oc.err != nil {
		r.emit(ProgressEvent{Step: StepNodeFailed, Category: string(node.Type.Kind()), Message: result.Error, NodeID: node.ID, Content: result})
		return nil
	}

	charged, remaining, err := e.coord.Charge(ctx, r.req.UserID, node)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.creditsUsed += charged
	r.remaining = remaining
	content := oc.content
	switch node.Type {
	case graph.TypeScript:
		r.finalScript = &content
	case graph.TypeStoryboard:
		r.storyboard = &content
	}
	r.mu.Unlock()

	r.emit(ProgressEvent{Step: StepNodeCompleted, Category: string(node.Type.Kind()), Message: fmt.Sprintf("%s node completed", node.Type), NodeID: node.ID, Content: result})
	return nil
}

// aggregate joins the recorded outputs of a node's predecessors in connection order
func (r *run) aggregate(id int) string {
	preds := graph.Predecessors(id, r.req.Graph.Connections)
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		if out, ok := r.outputs[p]; ok {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, InputSeparator)
}

// upstreamMedia finds the first predecessor carrying a media attachment.
// Transitive lookup walks further upstream breadth-first.
func (e *Engine) upstreamMedia(r *run, id int) *graph.MediaAttachment {
	conns := r.req.Graph.Connections
	queue := graph.Predecessors(id, conns)
	seen := map[int]bool{id: true}
	for len(queue) > 0 {
		var next []int
		for _, p := range queue {
			if seen[p] {
				continue
			}
			seen[p] = true
			if n, ok := r.index[p]; ok && n.Media != nil {
				return n.Media
			}
			next = append(next, graph.Predecessors(p, conns)...)
		}
		if e.opts.MediaLookup != MediaLookupTransitive {
			return nil
		}
		queue = next
	}
	return nil
}
