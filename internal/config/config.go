// Package config provides configuration loading and validation for the CLI and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration that can be loaded from a JSON or YAML file.
// All fields are optional; missing values use defaults or must be provided via CLI flags.
type Config struct {
	// Credentials and storage
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // Gemini API key
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"` // PostgreSQL connection URL

	// Identity used by the CLI and by the server when auth is disabled
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	// Models
	DefaultModel string         `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	ModelCosts   map[string]int `json:"model_costs,omitempty" yaml:"model_costs,omitempty"` // Overrides the built-in cost table
	Temperature  float32        `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// Execution
	CyclePolicy  string `json:"cycle_policy,omitempty" yaml:"cycle_policy,omitempty"`   // exclude or reject
	FailedOutput string `json:"failed_output,omitempty" yaml:"failed_output,omitempty"` // empty or error_text
	MediaLookup  string `json:"media_lookup,omitempty" yaml:"media_lookup,omitempty"`   // direct or transitive
	NodeTimeout  string `json:"node_timeout,omitempty" yaml:"node_timeout,omitempty"`   // Go duration, e.g. "2m"
	Concurrency  int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Credits
	MonthlyCredits int `json:"monthly_credits,omitempty" yaml:"monthly_credits,omitempty"` // Allowance for new accounts

	// Video understanding
	VideoPollInterval string `json:"video_poll_interval,omitempty" yaml:"video_poll_interval,omitempty"`
	VideoMaxWait      string `json:"video_max_wait,omitempty" yaml:"video_max_wait,omitempty"`
	VideoMaxMB        int    `json:"video_max_mb,omitempty" yaml:"video_max_mb,omitempty"`

	// Server
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Output
	Verbose   bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // text or json
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		UserID:            "local",
		DefaultModel:      "gemini",
		CyclePolicy:       "exclude",
		FailedOutput:      "empty",
		MediaLookup:       "direct",
		NodeTimeout:       "2m",
		Concurrency:       1,
		MonthlyCredits:    100,
		VideoPollInterval: "3s",
		VideoMaxWait:      "90s",
		VideoMaxMB:        200,
		Port:              8080,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Required fields are checked by the commands that need them after merging.
func (c *Config) Validate() error {
	if err := oneOf("cycle_policy", c.CyclePolicy, "exclude", "reject"); err != nil {
		return err
	}
	if err := oneOf("failed_output", c.FailedOutput, "empty", "error_text"); err != nil {
		return err
	}
	if err := oneOf("media_lookup", c.MediaLookup, "direct", "transitive"); err != nil {
		return err
	}
	if err := oneOf("log_format", c.LogFormat, "text", "json"); err != nil {
		return err
	}
	if err := oneOf("log_level", strings.ToLower(c.LogLevel), "debug", "info", "warn", "error"); err != nil {
		return err
	}

	if c.Concurrency < 0 {
		return fmt.Errorf("config error: 'concurrency' must be non-negative")
	}
	if c.MonthlyCredits < 0 {
		return fmt.Errorf("config error: 'monthly_credits' must be non-negative")
	}
	if c.VideoMaxMB < 0 {
		return fmt.Errorf("config error: 'video_max_mb' must be non-negative")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config error: 'temperature' must be between 0 and 2")
	}
	for model, cost := range c.ModelCosts {
		if cost < 0 {
			return fmt.Errorf("config error: cost for model %q must be non-negative", model)
		}
	}

	for name, value := range map[string]string{
		"node_timeout":        c.NodeTimeout,
		"video_poll_interval": c.VideoPollInterval,
		"video_max_wait":      c.VideoMaxWait,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("config error: '%s' %v", name, err)
		}
	}

	return nil
}

func oneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config error: '%s' must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("is not a valid duration: %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("must be non-negative, got %q", s)
	}
	return d, nil
}

// NodeTimeoutDuration returns the per-node timeout; zero means unbounded
func (c *Config) NodeTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.NodeTimeout)
	return d
}

// VideoPollDuration returns the upload poll interval
func (c *Config) VideoPollDuration() time.Duration {
	d, _ := parseDuration(c.VideoPollInterval)
	return d
}

// VideoMaxWaitDuration returns the upload processing deadline
func (c *Config) VideoMaxWaitDuration() time.Duration {
	d, _ := parseDuration(c.VideoMaxWait)
	return d
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	mergeString(&result.APIKey, defaults.APIKey)
	mergeString(&result.DatabaseURL, defaults.DatabaseURL)
	mergeString(&result.UserID, defaults.UserID)
	mergeString(&result.DefaultModel, defaults.DefaultModel)
	mergeString(&result.CyclePolicy, defaults.CyclePolicy)
	mergeString(&result.FailedOutput, defaults.FailedOutput)
	mergeString(&result.MediaLookup, defaults.MediaLookup)
	mergeString(&result.NodeTimeout, defaults.NodeTimeout)
	mergeString(&result.VideoPollInterval, defaults.VideoPollInterval)
	mergeString(&result.VideoMaxWait, defaults.VideoMaxWait)
	mergeString(&result.LogLevel, defaults.LogLevel)
	mergeString(&result.LogFormat, defaults.LogFormat)

	// Int fields: use default if zero
	mergeInt(&result.Concurrency, defaults.Concurrency)
	mergeInt(&result.MonthlyCredits, defaults.MonthlyCredits)
	mergeInt(&result.VideoMaxMB, defaults.VideoMaxMB)
	mergeInt(&result.Port, defaults.Port)

	if result.Temperature == 0 {
		result.Temperature = defaults.Temperature
	}

	// Cost overrides layer over the defaults per model
	if len(defaults.ModelCosts) > 0 {
		merged := make(map[string]int, len(defaults.ModelCosts)+len(result.ModelCosts))
		for k, v := range defaults.ModelCosts {
			merged[k] = v
		}
		for k, v := range result.ModelCosts {
			merged[k] = v
		}
		result.ModelCosts = merged
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

func mergeString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func mergeInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// ApplyEnv fills credentials left empty from the environment
func (c *Config) ApplyEnv() {
	mergeString(&c.APIKey, os.Getenv("GEMINI_API_KEY"))
	mergeString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
}
