package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jonathan/workflow-engine/internal/config"
	"github.com/spf13/cobra"
)

// commonFlags are the configuration overrides shared by every command.
// A flag only overrides the config file when it was set explicitly.
type commonFlags struct {
	configPath   string
	apiKey       string
	databaseURL  string
	userID       string
	defaultModel string
	cyclePolicy  string
	failedOutput string
	mediaLookup  string
	nodeTimeout  string
	concurrency  int
	logLevel     string
	logFormat    string
	verbose      bool
}

// addConfigFlags registers the flags every command understands
func addConfigFlags(cmd *cobra.Command, f *commonFlags) {
	// Config file flag (processed first)
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to a JSON or YAML config file (values can be overridden by other flags)")
	cmd.Flags().StringVar(&f.databaseURL, "db-url", "", "PostgreSQL connection URL (optional, defaults to DATABASE_URL env var)")
	cmd.Flags().StringVar(&f.userID, "user", "", "User whose credits are charged (default \"local\")")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Print detailed progress information")
}

// addExecFlags registers the flags that shape an execution
func addExecFlags(cmd *cobra.Command, f *commonFlags) {
	// API key can be passed as a flag, or read from env var GEMINI_API_KEY
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "Gemini API Key (optional, defaults to GEMINI_API_KEY env var)")
	cmd.Flags().StringVar(&f.defaultModel, "model", "", "Model used by nodes that name none")
	cmd.Flags().StringVar(&f.cyclePolicy, "on-cycle", "", "Cycle handling: exclude or reject")
	cmd.Flags().StringVar(&f.failedOutput, "failed-output", "", "What successors see from a failed node: empty or error_text")
	cmd.Flags().StringVar(&f.mediaLookup, "media-lookup", "", "Media attachment lookup: direct or transitive")
	cmd.Flags().StringVar(&f.nodeTimeout, "node-timeout", "", "Per-node processor timeout, e.g. 2m (0 disables)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Independent nodes of a wave run in parallel up to this limit")
}

// resolveConfig starts from the config file, applies explicit flags, fills the rest from defaults,
// then takes credentials still empty from the environment.
func resolveConfig(cmd *cobra.Command, f *commonFlags) (*config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		loaded, err := config.LoadConfig(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	overrides := []struct {
		name string
		dst  *string
		src  string
	}{
		{"api-key", &cfg.APIKey, f.apiKey},
		{"db-url", &cfg.DatabaseURL, f.databaseURL},
		{"user", &cfg.UserID, f.userID},
		{"model", &cfg.DefaultModel, f.defaultModel},
		{"on-cycle", &cfg.CyclePolicy, f.cyclePolicy},
		{"failed-output", &cfg.FailedOutput, f.failedOutput},
		{"media-lookup", &cfg.MediaLookup, f.mediaLookup},
		{"node-timeout", &cfg.NodeTimeout, f.nodeTimeout},
		{"log-level", &cfg.LogLevel, f.logLevel},
		{"log-format", &cfg.LogFormat, f.logFormat},
	}
	for _, o := range overrides {
		if flags.Changed(o.name) {
			*o.dst = o.src
		}
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if flags.Changed("verbose") {
		cfg.Verbose = f.verbose
	}

	merged := cfg.MergeWithDefaults(config.Defaults())
	merged.ApplyEnv()

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// newLogger builds the process logger. Logs go to w so stdout stays free for results.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
