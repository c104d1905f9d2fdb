package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonathan/workflow-engine/internal/config"
	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/db"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/fetch"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/llm"
	"github.com/jonathan/workflow-engine/internal/processors"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/jonathan/workflow-engine/internal/schemas"
)

// storage is where runs and credit accounts live
type storage struct {
	store  engine.RunStore
	ledger credits.Ledger
	// db is nil for in-memory storage
	db *db.DB
}

// app is a fully wired engine plus the resources it holds open
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	storage storage
	gemini  *llm.GeminiClient
	logger  *slog.Logger
}

// Close releases the database pool and the Gemini client
func (a *app) Close() {
	if a.gemini != nil {
		if err := a.gemini.Close(); err != nil {
			a.logger.Warn("failed to close Gemini client", "error", err)
		}
	}
	if a.storage.db != nil {
		a.storage.db.Close()
	}
}

// ensureAccount creates the configured user's credit account on first use
func (a *app) ensureAccount(ctx context.Context) error {
	p, ok := a.storage.ledger.(credits.Provisioner)
	if !ok {
		return nil
	}
	if err := p.EnsureAccount(ctx, a.cfg.UserID, a.cfg.MonthlyCredits); err != nil {
		return fmt.Errorf("failed to provision credits for %s: %w", a.cfg.UserID, err)
	}
	return nil
}

// buildApp wires storage, model backends and the engine from cfg.
// Commands that never call a model pass requireAPIKey false.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, requireAPIKey bool) (*app, error) {
	if requireAPIKey && cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required (set --api-key flag or GEMINI_API_KEY env var)")
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, storage: st, logger: logger}

	router := llm.NewRouter(routingConfig(cfg), logger)
	var video llm.VideoAnalyzer
	if cfg.APIKey != "" {
		client, err := llm.NewGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		if cfg.Temperature > 0 {
			client.SetTemperature(cfg.Temperature)
		}
		a.gemini = client
		router.Register(llm.ProviderGemini, client)
		video = newVideoAnalyzer(cfg, client, logger)
	}

	a.engine, err = newEngine(cfg, router, video, st, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openStorage connects to PostgreSQL when a database URL is configured and falls back to memory otherwise
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, runs and credits are kept in memory")
		return storage{store: engine.NewMemoryStore(), ledger: credits.NewMemoryLedger()}, nil
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return storage{}, err
	}
	return storage{store: database, ledger: database.Ledger(), db: database}, nil
}

// routingConfig returns the model routing table with the configured default
func routingConfig(cfg *config.Config) *llm.Config {
	routes := llm.DefaultConfig()
	if cfg.DefaultModel != "" {
		routes.DefaultModel = cfg.DefaultModel
	}
	return routes
}

func newVideoAnalyzer(cfg *config.Config, client *llm.GeminiClient, logger *slog.Logger) llm.VideoAnalyzer {
	download := fetch.DefaultOptions()
	if cfg.VideoMaxMB > 0 {
		download.MaxBytes = int64(cfg.VideoMaxMB) << 20
	}
	return llm.NewGeminiVideoAnalyzer(llm.NewGeminiMedia(client), llm.VideoOptions{
		PollEvery: cfg.VideoPollDuration(),
		MaxWait:   cfg.VideoMaxWaitDuration(),
		Download:  download,
	}, logger)
}

// newEngine builds the processor registry, the credit coordinator and the engine over a backend
func newEngine(cfg *config.Config, backend llm.Backend, video llm.VideoAnalyzer, st storage, logger *slog.Logger) (*engine.Engine, error) {
	policy, err := schedule.ParseCyclePolicy(cfg.CyclePolicy)
	if err != nil {
		return nil, err
	}

	registry := processors.NewRegistry(processors.Deps{
		Backend:      backend,
		Video:        video,
		DefaultModel: cfg.DefaultModel,
		Logger:       logger,
	})

	table := credits.DefaultCostTable().WithOverrides(cfg.ModelCosts)
	if cfg.DefaultModel != "" {
		table.DefaultModel = cfg.DefaultModel
	}

	return engine.New(registry, credits.NewCoordinator(table, st.ledger), st.store, engine.Options{
		CyclePolicy:  policy,
		FailedOutput: engine.FailedOutputPolicy(cfg.FailedOutput),
		MediaLookup:  engine.MediaLookup(cfg.MediaLookup),
		NodeTimeout:  cfg.NodeTimeoutDuration(),
		Concurrency:  cfg.Concurrency,
	}, logger), nil
}

// loadGraph reads a graph file, optionally checking it against the JSON Schema first
func loadGraph(path string, schemaCheck bool) (*graph.Graph, error) {
	if path == "" {
		return nil, errors.New("--graph is required")
	}
	if schemaCheck {
		if err := schemas.ValidateGraphFile(path); err != nil {
			return nil, err
		}
	}
	g, err := graph.Load(path)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
