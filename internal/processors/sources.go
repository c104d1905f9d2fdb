package processors

import (
	"context"
	"strings"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/llm"
	"github.com/jonathan/workflow-engine/internal/prompts"
)

// videoProcessor analyzes the node's own media attachment
type videoProcessor struct {
	deps Deps
}

func (p *videoProcessor) Type() graph.NodeType { return graph.TypeVideo }

func (p *videoProcessor) Process(ctx context.Context, in Input) (string, error) {
	media := in.Node.Media
	if media == nil {
		return prompts.MustGet(prompts.SourcesFile, "video-none"), nil
	}

	lang := LanguageDirective(in.Locale)
	directive := ""
	switch {
	case in.Config.CustomPrompt != "":
		directive = lang + in.Config.CustomPrompt
	case lang != "":
		directive = lang + prompts.MustGet(prompts.SourcesFile, "video-default-directive")
	}

	if media.HasSource() && p.deps.Video != nil {
		p.deps.Logger.Info("analyzing video node", "node_id", in.Node.ID, "url", media.URL, "local_path", media.LocalPath)
		out, err := p.deps.Video.Analyze(ctx, media, directive)
		if err == nil {
			return out, nil
		}
		p.deps.Logger.Error("video analysis failed, using metadata", "node_id", in.Node.ID, "error", err)
	}

	return metadataOnly(media), nil
}

// metadataOnly is the labeled summary used when the media cannot be analyzed natively
func metadataOnly(media *graph.MediaAttachment) string {
	fields := llm.MetadataFields(media)
	if media.URL == "" {
		fields["URL"] = "Not available"
	}
	fields["Description"] = media.Description
	return prompts.Format(prompts.MustGet(prompts.SourcesFile, "video-metadata-only"), fields)
}

// brandProcessor renders the brand brief from the most specific context available
type brandProcessor struct{}

func (p *brandProcessor) Type() graph.NodeType { return graph.TypeBrand }

func (p *brandProcessor) Process(_ context.Context, in Input) (string, error) {
	brief := in.Config.BrandContext
	if brief == "" && in.Node != nil {
		brief = in.Node.BrandBrief
	}
	if brief == "" {
		brief = in.BrandContext
	}

	if strings.TrimSpace(brief) == "" {
		return prompts.MustGet(prompts.SourcesFile, "brand-empty"), nil
	}
	return prompts.Format(prompts.MustGet(prompts.SourcesFile, "brand-brief"), map[string]string{"Context": brief}), nil
}
