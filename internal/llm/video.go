package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/generative-ai-go/genai"

	"github.com/jonathan/workflow-engine/internal/fetch"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/prompts"
)

// VideoAnalyzer returns a natural-language analysis of a media attachment.
// An empty directive selects the built-in analysis prompt.
type VideoAnalyzer interface {
	Analyze(ctx context.Context, media *graph.MediaAttachment, directive string) (string, error)
}

// Errors returned by the video pipeline
var (
	ErrNoMediaSource = errors.New("media has no URL or local file")
	ErrPageURL       = errors.New("media URL is a platform page, not a downloadable file")
	ErrFileNotActive = errors.New("uploaded file did not become active")
	ErrVideoAnalysis = errors.New("video analysis failed")
)

const (
	defaultPollEvery  = 3 * time.Second
	defaultMaxWait    = 90 * time.Second
	defaultVideoModel = "gemini-2.0-flash"
)

// MediaService is the subset of the Gemini Files and generation APIs the analyzer needs
type MediaService interface {
	Upload(ctx context.Context, path, mimeType string) (*genai.File, error)
	Get(ctx context.Context, name string) (*genai.File, error)
	Delete(ctx context.Context, name string) error
	Generate(ctx context.Context, model string, parts ...genai.Part) (string, error)
}

// VideoOptions tunes the upload and polling behavior
type VideoOptions struct {
	Model     string
	PollEvery time.Duration
	MaxWait   time.Duration
	Download  *fetch.Options
}

// GeminiVideoAnalyzer uploads media to the Gemini Files API and analyzes it natively
type GeminiVideoAnalyzer struct {
	media  MediaService
	opts   VideoOptions
	logger *slog.Logger
}

// NewGeminiVideoAnalyzer creates an analyzer over a media service
func NewGeminiVideoAnalyzer(media MediaService, opts VideoOptions, logger *slog.Logger) *GeminiVideoAnalyzer {
	if opts.Model == "" {
		opts.Model = defaultVideoModel
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = defaultPollEvery
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.Download == nil {
		opts.Download = fetch.DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiVideoAnalyzer{media: media, opts: opts, logger: logger.With("component", "video")}
}

// Analyze runs the full pipeline: resolve a local file (downloading when needed),
// upload, wait for the file to become active, then generate the analysis.
// The remote file is always deleted; downloaded files are removed, user uploads are not.
func (a *GeminiVideoAnalyzer) Analyze(ctx context.Context, media *graph.MediaAttachment, directive string) (string, error) {
	if !media.HasSource() {
		return "", ErrNoMediaSource
	}

	path, cleanup, err := a.localFile(ctx, media)
	if err != nil {
		return "", err
	}
	defer cleanup()

	file, err := a.upload(ctx, path)
	if file != nil {
		defer a.deleteRemote(file.Name)
	}
	if err != nil {
		return "", err
	}

	prompt := AnalysisPrompt(media, directive)
	a.logger.Info("analyzing video", "file", file.Name, "model", a.opts.Model)

	text, err := a.media.Generate(ctx, a.opts.Model,
		genai.FileData{MIMEType: file.MIMEType, URI: file.URI},
		genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVideoAnalysis, err)
	}
	if text == "" {
		text = "No analysis generated"
	}
	a.logger.Info("analysis complete", "chars", len(text))
	return text, nil
}

// localFile returns a readable path for the media plus a cleanup func
func (a *GeminiVideoAnalyzer) localFile(ctx context.Context, media *graph.MediaAttachment) (string, func(), error) {
	if media.LocalPath != "" {
		if _, err := os.Stat(media.LocalPath); err == nil {
			a.logger.Info("using local file", "path", media.LocalPath)
			return media.LocalPath, func() {}, nil
		}
		if media.URL == "" {
			return "", nil, fmt.Errorf("local media %s: %w", media.LocalPath, os.ErrNotExist)
		}
	}

	if fetch.IsPageURL(media.URL) {
		return "", nil, fmt.Errorf("%w: %s", ErrPageURL, media.URL)
	}

	a.logger.Info("downloading video", "url", media.URL)
	dl, err := fetch.Media(ctx, media.URL, a.opts.Download)
	if err != nil {
		return "", nil, err
	}
	a.logger.Info("downloaded video", "bytes", dl.Size, "path", dl.Path)

	return dl.Path, func() {
		if err := dl.Remove(); err != nil {
			a.logger.Warn("failed to remove download", "path", dl.Path, "error", err)
			return
		}
		a.logger.Debug("cleaned up download", "path", dl.Path)
	}, nil
}

// upload sends the file and polls until it leaves the processing state.
// A non-nil file is returned whenever the upload itself succeeded so the caller can delete it.
func (a *GeminiVideoAnalyzer) upload(ctx context.Context, path string) (*genai.File, error) {
	file, err := a.media.Upload(ctx, path, fetch.MIMEType(path))
	if err != nil {
		return nil, fmt.Errorf("failed to upload video: %w", err)
	}
	a.logger.Info("uploaded video", "file", file.Name, "state", file.State)

	deadline := time.Now().Add(a.opts.MaxWait)
	ticker := time.NewTicker(a.opts.PollEvery)
	defer ticker.Stop()

	for file.State == genai.FileStateProcessing && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return file, ctx.Err()
		case <-ticker.C:
		}
		next, err := a.media.Get(ctx, file.Name)
		if err != nil {
			return file, fmt.Errorf("failed to poll uploaded file: %w", err)
		}
		file = next
		a.logger.Debug("waiting for file", "file", file.Name, "state", file.State)
	}

	if file.State != genai.FileStateActive {
		return file, fmt.Errorf("%w: %s state=%v", ErrFileNotActive, file.Name, file.State)
	}
	return file, nil
}

func (a *GeminiVideoAnalyzer) deleteRemote(name string) {
	// The run context may already be done; deletion still has to go out.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.media.Delete(ctx, name); err != nil {
		a.logger.Warn("failed to delete remote file", "file", name, "error", err)
		return
	}
	a.logger.Debug("deleted remote file", "file", name)
}

// AnalysisPrompt combines the media metadata block with the directive, or with
// the built-in analysis prompt when the directive is empty.
func AnalysisPrompt(media *graph.MediaAttachment, directive string) string {
	meta := prompts.Format(prompts.MustGet(prompts.VideoFile, "metadata-context"), MetadataFields(media))
	if directive != "" {
		return prompts.Format(prompts.MustGet(prompts.VideoFile, "custom-analysis"),
			map[string]string{"Metadata": meta, "Directive": directive})
	}
	return prompts.Format(prompts.MustGet(prompts.VideoFile, "default-analysis"),
		map[string]string{"Metadata": meta})
}

// MetadataFields exposes media metadata as template values with display defaults
func MetadataFields(media *graph.MediaAttachment) map[string]string {
	platform := media.Platform
	if platform == "" {
		platform = string(fetch.DetectPlatform(media.URL))
	}
	url := media.URL
	if url == "" {
		url = "Local upload"
	}
	return map[string]string{
		"Platform":    orDefault(platform, "Unknown"),
		"Author":      orDefault(media.Author, "unknown"),
		"Views":       orDefault(media.Views, "N/A"),
		"Score":       strconv.FormatFloat(media.ViralityScore, 'f', -1, 64),
		"Label":       media.ViralityLabel(),
		"Description": orDefault(media.Description, "N/A"),
		"URL":         url,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// GeminiMedia implements MediaService on a GeminiClient
type GeminiMedia struct {
	client *GeminiClient
}

// NewGeminiMedia wraps a client for video analysis
func NewGeminiMedia(client *GeminiClient) *GeminiMedia {
	return &GeminiMedia{client: client}
}

// Upload opens path and uploads it to the Files API
func (m *GeminiMedia) Upload(ctx context.Context, path, mimeType string) (*genai.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return m.client.client.UploadFile(ctx, "", f, &genai.UploadFileOptions{MIMEType: mimeType})
}

// Get fetches the current file state
func (m *GeminiMedia) Get(ctx context.Context, name string) (*genai.File, error) {
	return m.client.client.GetFile(ctx, name)
}

// Delete removes the file from the Files API
func (m *GeminiMedia) Delete(ctx context.Context, name string) error {
	return m.client.client.DeleteFile(ctx, name)
}

// Generate runs a multimodal generation request
func (m *GeminiMedia) Generate(ctx context.Context, model string, parts ...genai.Part) (string, error) {
	return m.client.generate(ctx, model, parts...)
}
