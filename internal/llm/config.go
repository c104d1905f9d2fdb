// Package llm provides the model backends used by node processors: a routed text
// generation backend and a Gemini-based video understanding pipeline.
package llm

import "strings"

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderOpenAI is the OpenAI provider
	ProviderOpenAI Provider = "openai"
	// ProviderAnthropic is the Anthropic/Claude provider
	ProviderAnthropic Provider = "anthropic"
)

// Model identifiers selectable on a node
const (
	ModelGemini     = "gemini"
	ModelGeminiPro  = "gemini-pro"
	ModelClaude     = "claude"
	ModelGPT4       = "gpt4"
	ModelNanoBanana = "nano-banana"
	ModelClaudeOpus = "claude-opus"
	ModelVeo        = "veo"
)

// Route binds a node-level model identifier to a provider model name
type Route struct {
	Provider Provider `json:"provider" yaml:"provider"`
	Model    string   `json:"model" yaml:"model"`
}

// Config maps model identifiers to provider routes
type Config struct {
	DefaultModel string           `json:"default_model" yaml:"default_model"`
	Routes       map[string]Route `json:"routes" yaml:"routes"`
}

// DefaultConfig returns the default routing table
func DefaultConfig() *Config {
	return &Config{
		DefaultModel: ModelGemini,
		Routes: map[string]Route{
			ModelGemini:     {Provider: ProviderGemini, Model: "gemini-2.0-flash"},
			ModelGeminiPro:  {Provider: ProviderGemini, Model: "gemini-2.5-pro"},
			ModelNanoBanana: {Provider: ProviderGemini, Model: "gemini-2.5-flash-image"},
			ModelVeo:        {Provider: ProviderGemini, Model: "veo-2.0-generate-001"},
			ModelClaude:     {Provider: ProviderAnthropic, Model: "claude-3-5-sonnet-20241022"},
			ModelClaudeOpus: {Provider: ProviderAnthropic, Model: "claude-3-opus-20240229"},
			ModelGPT4:       {Provider: ProviderOpenAI, Model: "gpt-4o"},
		},
	}
}

// Normalize maps an empty or differently-cased identifier to its canonical form.
// An empty identifier selects the default model.
func (c *Config) Normalize(modelID string) string {
	modelID = strings.ToLower(strings.TrimSpace(modelID))
	if modelID == "" {
		return c.DefaultModel
	}
	return modelID
}

// Known reports whether a route exists for the identifier
func (c *Config) Known(modelID string) bool {
	_, ok := c.Routes[c.Normalize(modelID)]
	return ok
}

// Resolve returns the route for a model identifier, falling back to the default model's route
func (c *Config) Resolve(modelID string) Route {
	if route, ok := c.Routes[c.Normalize(modelID)]; ok {
		return route
	}
	return c.Routes[c.DefaultModel]
}

// WithRoute returns a new Config with a route added or replaced
func (c *Config) WithRoute(modelID string, route Route) *Config {
	newConfig := &Config{
		DefaultModel: c.DefaultModel,
		Routes:       make(map[string]Route, len(c.Routes)+1),
	}
	for k, v := range c.Routes {
		newConfig.Routes[k] = v
	}
	newConfig.Routes[c.Normalize(modelID)] = route
	return newConfig
}
