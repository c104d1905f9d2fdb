// Package processors implements the nine node behaviors behind one contract.
// Sources synthesize content from attached data, transforms send upstream content
// plus a directive to a model, and sinks format upstream content into a final artifact.
package processors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/llm"
	"github.com/jonathan/workflow-engine/internal/prompts"
)

// Input is everything a processor sees for one node
type Input struct {
	Node *graph.Node
	// Content is the predecessors' outputs joined in predecessor order
	Content string
	Config  graph.NodeConfig
	Locale  string
	// UpstreamMedia is the media attachment found on a predecessor, if any
	UpstreamMedia *graph.MediaAttachment
	// BrandContext is the graph-level brand context
	BrandContext string
}

// Processor produces a node's output. On failure it returns a short error text
// alongside a *ProcessingError so callers can choose what downstream nodes see.
type Processor interface {
	Type() graph.NodeType
	Process(ctx context.Context, in Input) (string, error)
}

// ProcessingError reports a processor-level failure
type ProcessingError struct {
	NodeType graph.NodeType
	Cause    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s node failed: %v", e.NodeType, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// UnknownTypeError is returned by Registry.For for a type with no processor
type UnknownTypeError struct {
	Type graph.NodeType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no processor for node type %q", e.Type)
}

// Deps are the collaborators processors call out to
type Deps struct {
	Backend llm.Backend
	// Video may be nil, in which case media is analyzed from metadata or text only
	Video        llm.VideoAnalyzer
	DefaultModel string
	Logger       *slog.Logger
}

// Registry holds one processor per node type
type Registry struct {
	video, brand                              Processor
	analyze, extract, style, generate, refine Processor
	script, storyboard                        Processor
}

// NewRegistry builds every processor over deps
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultModel == "" {
		deps.DefaultModel = llm.ModelGemini
	}
	deps.Logger = deps.Logger.With("component", "processors")

	return &Registry{
		video:      &videoProcessor{deps: deps},
		brand:      &brandProcessor{},
		analyze:    newTransform(graph.TypeAnalyze, "Analysis error", deps),
		extract:    newTransform(graph.TypeExtract, "Extraction error", deps),
		style:      newTransform(graph.TypeStyle, "Style matching error", deps),
		generate:   newTransform(graph.TypeGenerate, "Generation error", deps),
		refine:     newTransform(graph.TypeRefine, "Refinement error", deps),
		script:     &scriptProcessor{deps: deps},
		storyboard: &storyboardProcessor{deps: deps},
	}
}

// For returns the processor for a node type
func (r *Registry) For(t graph.NodeType) (Processor, error) {
	switch t {
	case graph.TypeVideo:
		return r.video, nil
	case graph.TypeBrand:
		return r.brand, nil
	case graph.TypeAnalyze:
		return r.analyze, nil
	case graph.TypeExtract:
		return r.extract, nil
	case graph.TypeStyle:
		return r.style, nil
	case graph.TypeGenerate:
		return r.generate, nil
	case graph.TypeRefine:
		return r.refine, nil
	case graph.TypeScript:
		return r.script, nil
	case graph.TypeStoryboard:
		return r.storyboard, nil
	}
	return nil, &UnknownTypeError{Type: t}
}

// LanguageDirective returns the locale instruction prepended to every prompt
func LanguageDirective(locale string) string {
	return prompts.LanguageDirective(locale)
}

// modelFor selects the node's configured model or the default
func modelFor(cfg graph.NodeConfig, deps Deps) string {
	if m := strings.TrimSpace(cfg.Model); m != "" {
		return m
	}
	return deps.DefaultModel
}

// generateText calls the model backend. A missing backend is a processing failure.
func generateText(ctx context.Context, deps Deps, model, prompt string) (string, error) {
	if deps.Backend == nil {
		return "", llm.ErrProviderNotConfigured
	}
	return deps.Backend.Generate(ctx, model, prompt)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
