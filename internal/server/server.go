// Package server provides the HTTP API for executing workflow graphs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/workflow-engine/internal/config"
	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/server/middleware"
	"github.com/jonathan/workflow-engine/internal/server/ratelimit"
)

// maxGraphBytes caps the size of a submitted graph document
const maxGraphBytes = 4 << 20

// Server represents the HTTP server
type Server struct {
	httpServer     *http.Server
	engine         *engine.Engine
	rateLimiter    *ratelimit.Limiter
	auth           func(http.Handler) http.Handler
	logger         *slog.Logger
	ping           func(ctx context.Context) error
	onShutdown     func()
	monthlyCredits int
	schemaCheck    bool
}

// Config holds server configuration
type Config struct {
	Port   int
	Engine *engine.Engine
	// JWT enables bearer token auth. When nil every request runs as DefaultUser.
	JWT         *config.JWTConfig
	DefaultUser string
	// MonthlyCredits is the allowance of accounts created on first use
	MonthlyCredits int
	// RateLimit defaults to ratelimit.LoadConfig()
	RateLimit *ratelimit.Config
	// SchemaCheck validates request bodies against the graph JSON Schema before decoding
	SchemaCheck bool
	Logger      *slog.Logger
	// Ping reports storage health for GET /health
	Ping func(ctx context.Context) error
	// OnShutdown runs after the listener has drained
	OnShutdown func()
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:         cfg.Engine,
		logger:         logger.With("component", "server"),
		ping:           cfg.Ping,
		onShutdown:     cfg.OnShutdown,
		monthlyCredits: cfg.MonthlyCredits,
		schemaCheck:    cfg.SchemaCheck,
	}

	rl := cfg.RateLimit
	if rl == nil {
		rl = ratelimit.LoadConfig()
	}
	s.rateLimiter = ratelimit.NewLimiter(rl)

	if cfg.JWT != nil {
		s.auth = middleware.AuthMiddleware(NewJWTService(cfg.JWT).AsTokenValidator())
	} else {
		user := cfg.DefaultUser
		if user == "" {
			user = "local"
		}
		s.logger.Warn("JWT_SECRET not set, authentication disabled", "user_id", user)
		s.auth = middleware.StaticUser(user)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /workflows/execute", s.auth(http.HandlerFunc(s.handleExecute)))
	mux.Handle("POST /workflows/execute/stream", s.auth(http.HandlerFunc(s.handleExecuteStream)))
	mux.Handle("POST /workflows/estimate", s.auth(http.HandlerFunc(s.handleEstimate)))
	mux.Handle("POST /workflows/validate", s.auth(http.HandlerFunc(s.handleValidate)))
	mux.Handle("POST /workflows/order", s.auth(http.HandlerFunc(s.handleOrder)))

	mux.Handle("GET /runs", s.auth(http.HandlerFunc(s.handleListRuns)))
	mux.Handle("GET /runs/{id}", s.auth(http.HandlerFunc(s.handleGetRun)))
	mux.Handle("DELETE /runs/{id}", s.auth(http.HandlerFunc(s.handleDeleteRun)))

	mux.Handle("GET /credits", s.auth(http.HandlerFunc(s.handleCredits)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long timeout for workflow runs
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until SIGINT or SIGTERM, then shuts down gracefully
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run listens until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.rateLimiter.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.rateLimiter.Stop()
	if s.onShutdown != nil {
		s.onShutdown()
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for request logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the logging wrapper
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// extractClientID identifies the client by the IP in RemoteAddr
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}

	if info.RetryAfter > 0 {
		retry := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = retry
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
	}

	s.logger.Warn("rate limit exceeded", "limit", info.Limit, "retry_after", info.RetryAfter)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}

// provision creates a credit account on first use when the ledger supports it
func (s *Server) provision(ctx context.Context, userID string) error {
	p, ok := s.engine.Coordinator().Ledger().(credits.Provisioner)
	if !ok {
		return nil
	}
	if err := p.EnsureAccount(ctx, userID, s.monthlyCredits); err != nil {
		return fmt.Errorf("failed to provision credit account: %w", err)
	}
	return nil
}
