package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/ws-audio-ingest/internal/config"
	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
	"github.com/skypro1111/ws-audio-ingest/internal/pipeline"
	"github.com/skypro1111/ws-audio-ingest/internal/stream"
)

// AdminServer provides HTTP API endpoints for monitoring and management
type AdminServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *stream.Registry
	wsServer *WSServer
	pipeline pipeline.Pipeline
	metrics  *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// NewAdminServer creates a new admin API server
func NewAdminServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	registry *stream.Registry, wsServer *WSServer, pl pipeline.Pipeline, m *metrics.Metrics) *AdminServer {

	a := &AdminServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		wsServer:  wsServer,
		pipeline:  pl,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	a.setupRoutes(mux)

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a
}

// setupRoutes configures admin API routes
func (a *AdminServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", a.withMetrics("/health", a.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", a.withMetrics("/sessions", a.handleSessions))
	mux.HandleFunc("/sessions/", a.withMetrics("/sessions/{id}", a.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", a.withMetrics("/config", a.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", a.withMetrics("/stats", a.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", a.withMetrics("/", a.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (a *AdminServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		a.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the admin server
func (a *AdminServer) Start() error {
	a.logger.Info("Starting admin API server",
		slog.String("address", a.server.Addr),
	)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Admin server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the admin server
func (a *AdminServer) Stop(ctx context.Context) error {
	a.logger.Info("Stopping admin API server...")

	return a.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(a.startTime)
	serverStats := a.wsServer.GetStatistics()
	pipelineStats := a.pipeline.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "ws-audio-ingest",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"ws_server": map[string]interface{}{
				"status":               "running",
				"connections_total":    serverStats.ConnectionsTotal,
				"connections_rejected": serverStats.ConnectionsRejected,
			},
			"registry": map[string]interface{}{
				"status":          "running",
				"active_sessions": a.registry.Count(),
				"max_sessions":    a.config.Limits.MaxSessions,
			},
			"pipeline": map[string]interface{}{
				"status":          "running",
				"mode":            a.config.Pipeline.Mode,
				"submitted":       pipelineStats.Submitted,
				"failed":          pipelineStats.Failed,
				"active_requests": pipelineStats.ActiveRequests,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (a *AdminServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := a.registry.Sessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (a *AdminServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/sessions/"):]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	session, exists := a.registry.Get(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (a *AdminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":              a.config.Server.Port,
			"bind_address":      a.config.Server.BindAddress,
			"ws_path":           a.config.Server.WSPath,
			"handshake_timeout": a.config.Server.HandshakeTimeout,
		},
		"session": map[string]interface{}{
			"window_bytes":       a.config.Session.WindowBytes,
			"max_fragment_bytes": a.config.Session.MaxFragmentBytes,
			"queue_capacity":     a.config.Session.QueueCapacity,
			"overflow_policy":    a.config.Session.OverflowPolicy,
			"block_timeout":      a.config.Session.BlockTimeout,
			"drain_timeout":      a.config.Session.DrainTimeout,
			"idle_timeout":       a.config.Session.IdleTimeout,
			"sample_rate":        a.config.Session.SampleRate,
		},
		"limits": map[string]interface{}{
			"max_sessions":   a.config.Limits.MaxSessions,
			"shutdown_grace": a.config.Limits.ShutdownGrace,
		},
		"pipeline": map[string]interface{}{
			"mode":           a.config.Pipeline.Mode,
			"endpoint":       a.config.Pipeline.Endpoint,
			"timeout":        a.config.Pipeline.Timeout,
			"max_retries":    a.config.Pipeline.MaxRetries,
			"max_concurrent": a.config.Pipeline.MaxConcurrent,
			"format":         a.config.Pipeline.Format,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  a.config.Logging.Level,
			"format": a.config.Logging.Format,
			"output": a.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serverStats := a.wsServer.GetStatistics()
	pipelineStats := a.pipeline.Stats()
	uptime := time.Since(a.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"server": map[string]interface{}{
			"connections_total":    serverStats.ConnectionsTotal,
			"connections_rejected": serverStats.ConnectionsRejected,
		},
		"sessions": map[string]interface{}{
			"active_count": a.registry.Count(),
			"max_sessions": a.config.Limits.MaxSessions,
		},
		"pipeline": pipelineStats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (a *AdminServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "WebSocket Audio Ingest Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all active sessions",
			"GET /sessions/{session_id}": "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
