package processors

import (
	"context"
	"fmt"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/prompts"
)

// visionContextChars bounds how much upstream text rides along with a custom vision directive
const visionContextChars = 500

// transform sends upstream content plus a directive to the model backend.
// Vision-capable types analyze upstream media directly when it is available.
type transform struct {
	nodeType   graph.NodeType
	errorLabel string
	deps       Deps
}

func newTransform(t graph.NodeType, errorLabel string, deps Deps) *transform {
	return &transform{nodeType: t, errorLabel: errorLabel, deps: deps}
}

func (p *transform) Type() graph.NodeType { return p.nodeType }

func (p *transform) Process(ctx context.Context, in Input) (string, error) {
	if isBlank(in.Content) {
		return prompts.MustGet(prompts.TransformsFile, prompts.Key(string(p.nodeType), prompts.VariantEmpty)), nil
	}

	if p.nodeType.UsesVision() && in.UpstreamMedia != nil && p.deps.Video != nil {
		out, err := p.deps.Video.Analyze(ctx, in.UpstreamMedia, LanguageDirective(in.Locale)+p.visionPrompt(in))
		if err == nil {
			return out, nil
		}
		p.deps.Logger.Warn("video vision failed, falling back to text",
			"node_type", p.nodeType, "node_id", nodeID(in), "error", err)
	}

	out, err := generateText(ctx, p.deps, modelFor(in.Config, p.deps), p.textPrompt(in))
	if err != nil {
		p.deps.Logger.Error("transform node error", "node_type", p.nodeType, "node_id", nodeID(in), "error", err)
		return fmt.Sprintf("%s: %v", p.errorLabel, err), &ProcessingError{NodeType: p.nodeType, Cause: err}
	}
	return out, nil
}

// visionPrompt is the directive sent with upstream media
func (p *transform) visionPrompt(in Input) string {
	custom := in.Config.CustomPrompt
	if p.nodeType == graph.TypeAnalyze && custom != "" {
		return prompts.Format(
			prompts.MustGet(prompts.TransformsFile, prompts.Key(string(p.nodeType), prompts.VariantVisionCustom)),
			map[string]string{"Directive": custom, "Context": truncate(in.Content, visionContextChars)})
	}
	if custom != "" {
		return custom
	}
	return prompts.MustGet(prompts.TransformsFile, prompts.Key(string(p.nodeType), prompts.VariantVision))
}

// textPrompt is the locale directive plus the custom or built-in template over the upstream content
func (p *transform) textPrompt(in Input) string {
	variant := prompts.VariantText
	if in.Config.CustomPrompt != "" {
		variant = prompts.VariantCustom
	}
	tmpl := prompts.MustGet(prompts.TransformsFile, prompts.Key(string(p.nodeType), variant))
	return LanguageDirective(in.Locale) + prompts.Format(tmpl, map[string]string{
		"Directive": in.Config.CustomPrompt,
		"Content":   in.Content,
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nodeID(in Input) int {
	if in.Node == nil {
		return 0
	}
	return in.Node.ID
}
