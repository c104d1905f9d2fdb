package processors

import (
	"context"
	"fmt"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/llm"
	"github.com/jonathan/workflow-engine/internal/prompts"
)

// scriptProcessor formats upstream content into the production script
type scriptProcessor struct {
	deps Deps
}

func (p *scriptProcessor) Type() graph.NodeType { return graph.TypeScript }

// Process returns the raw upstream script as its error text on failure,
// so a downstream consumer still has something usable to work with.
func (p *scriptProcessor) Process(ctx context.Context, in Input) (string, error) {
	if isBlank(in.Content) {
		return prompts.MustGet(prompts.SinksFile, "script-empty"), nil
	}

	format := in.Config.OutputFormat
	if format == "" {
		format = graph.FormatMarkdown
	}

	var prompt string
	if in.Config.CustomPrompt != "" {
		prompt = prompts.Format(prompts.MustGet(prompts.SinksFile, "script-custom"), map[string]string{
			"Directive": in.Config.CustomPrompt,
			"Content":   in.Content,
		})
	} else {
		prompt = prompts.Format(prompts.MustGet(prompts.SinksFile, "script-text"), map[string]string{
			"Content": in.Content,
			"Format":  formatInstruction(format),
		})
	}

	out, err := generateText(ctx, p.deps, modelFor(in.Config, p.deps), LanguageDirective(in.Locale)+prompt)
	if err != nil {
		p.deps.Logger.Error("script node error", "node_id", nodeID(in), "error", err)
		return in.Content, &ProcessingError{NodeType: graph.TypeScript, Cause: err}
	}

	if format == graph.FormatJSON {
		out = llm.CleanJSONBlock(out)
	}
	return out, nil
}

func formatInstruction(format string) string {
	key := "script-format-" + format
	if s, err := prompts.Get(prompts.SinksFile, key); err == nil {
		return s
	}
	return prompts.MustGet(prompts.SinksFile, "script-format-markdown")
}

// storyboardProcessor turns a script into a shot-by-shot storyboard
type storyboardProcessor struct {
	deps Deps
}

func (p *storyboardProcessor) Type() graph.NodeType { return graph.TypeStoryboard }

func (p *storyboardProcessor) Process(ctx context.Context, in Input) (string, error) {
	if isBlank(in.Content) {
		return prompts.MustGet(prompts.SinksFile, "storyboard-empty"), nil
	}

	variant := prompts.VariantText
	if in.Config.CustomPrompt != "" {
		variant = prompts.VariantCustom
	}
	prompt := prompts.Format(prompts.MustGet(prompts.SinksFile, prompts.Key(string(graph.TypeStoryboard), variant)), map[string]string{
		"Directive": in.Config.CustomPrompt,
		"Content":   in.Content,
	})

	out, err := generateText(ctx, p.deps, modelFor(in.Config, p.deps), LanguageDirective(in.Locale)+prompt)
	if err != nil {
		p.deps.Logger.Error("storyboard node error", "node_id", nodeID(in), "error", err)
		return fmt.Sprintf("Storyboard error: %v", err), &ProcessingError{NodeType: graph.TypeStoryboard, Cause: err}
	}
	return out, nil
}
