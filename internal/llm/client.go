package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Backend generates text for a prompt using a node-level model identifier
type Backend interface {
	Generate(ctx context.Context, modelID, prompt string) (string, error)
}

// TextGenerator is one provider's text generation API
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string) (string, error)
}

// ErrProviderNotConfigured is returned when neither the requested nor the default provider is available
var ErrProviderNotConfigured = errors.New("model provider not configured")

// emptyResponse is returned in place of a blank model reply
const emptyResponse = "No response generated"

// Router implements Backend by routing each model identifier to a registered provider.
// Identifiers whose provider is not registered fall back to the default model.
type Router struct {
	config    *Config
	providers map[Provider]TextGenerator
	logger    *slog.Logger
}

// NewRouter creates a Router with no providers registered
func NewRouter(config *Config, logger *slog.Logger) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		config:    config,
		providers: make(map[Provider]TextGenerator),
		logger:    logger.With("component", "llm"),
	}
}

// Register adds a provider implementation
func (r *Router) Register(p Provider, g TextGenerator) *Router {
	r.providers[p] = g
	return r
}

// Config returns the routing table
func (r *Router) Config() *Config {
	return r.config
}

// Generate sends the prompt to the provider the model identifier routes to
func (r *Router) Generate(ctx context.Context, modelID, prompt string) (string, error) {
	route := r.config.Resolve(modelID)
	gen, ok := r.providers[route.Provider]
	if !ok {
		fallback := r.config.Resolve(r.config.DefaultModel)
		gen, ok = r.providers[fallback.Provider]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, route.Provider)
		}
		r.logger.Warn("provider not available, falling back to default model",
			"model", modelID, "provider", route.Provider, "fallback", fallback.Model)
		route = fallback
	}

	text, err := gen.GenerateText(ctx, route.Model, prompt)
	if err != nil {
		r.logger.Error("generation failed", "provider", route.Provider, "model", route.Model, "error", err)
		return "", fmt.Errorf("%s generation failed: %w", route.Provider, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return emptyResponse, nil
	}
	return text, nil
}

// GeminiClient implements TextGenerator for Google Gemini
type GeminiClient struct {
	client      *genai.Client
	temperature float32
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		temperature: 0.7,
	}, nil
}

// SetTemperature overrides the sampling temperature
func (c *GeminiClient) SetTemperature(t float32) {
	c.temperature = t
}

// GenerateText generates text content with the named Gemini model
func (c *GeminiClient) GenerateText(ctx context.Context, modelName, prompt string) (string, error) {
	return c.generate(ctx, modelName, genai.Text(prompt))
}

func (c *GeminiClient) generate(ctx context.Context, modelName string, parts ...genai.Part) (string, error) {
	if modelName == "" {
		return "", fmt.Errorf("model name is required")
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(c.temperature)

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	return extractTextFromResponse(resp)
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}
