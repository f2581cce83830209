package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/ws-audio-ingest/internal/config"
	"github.com/skypro1111/ws-audio-ingest/internal/metrics"
	"github.com/skypro1111/ws-audio-ingest/internal/pipeline"
	"github.com/skypro1111/ws-audio-ingest/internal/server"
	"github.com/skypro1111/ws-audio-ingest/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "ws-audio-ingest"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration, falling back to defaults when the default
	// config file is absent.
	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) && *configPath == defaultConfigPath {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("ws_path", cfg.Server.WSPath),
		slog.Int("window_bytes", cfg.Session.WindowBytes),
		slog.Int("queue_capacity", cfg.Session.QueueCapacity),
		slog.String("overflow_policy", cfg.Session.OverflowPolicy),
		slog.Int("max_sessions", cfg.Limits.MaxSessions),
		slog.String("pipeline_mode", cfg.Pipeline.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the processing pipeline
	pl, err := newPipeline(cfg.Pipeline, appMetrics)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Pipeline initialized",
		slog.String("mode", cfg.Pipeline.Mode),
		slog.String("endpoint", cfg.Pipeline.Endpoint),
	)

	// Initialize session registry
	registry := stream.NewRegistry(cfg.Limits.MaxSessions, logger, appMetrics)
	logger.Info("Session registry initialized",
		slog.Int("max_sessions", cfg.Limits.MaxSessions),
		slog.Duration("shutdown_grace", cfg.Limits.GetShutdownGrace()),
	)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(cfg, logger, registry, pl, appMetrics)

	// Initialize admin API server (if enabled)
	var adminServer *server.AdminServer
	if cfg.HTTP.Enabled {
		adminServer = server.NewAdminServer(cfg.HTTP, logger, cfg, registry, wsServer, pl, appMetrics)
		logger.Info("Admin API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start WebSocket server
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start admin server (if enabled)
	if adminServer != nil {
		if err := adminServer.Start(); err != nil {
			logger.Error("Failed to start admin server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d%s", cfg.Server.BindAddress, cfg.Server.Port, cfg.Server.WSPath)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop the admin server first (stop accepting new requests)
	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping admin server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Drain live sessions within the grace period. This must happen
	// before the listener closes so in-flight results still go out.
	registry.Shutdown(cfg.Limits.GetShutdownGrace())

	// Stop the WebSocket listener
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}
	shutdownCancel()

	// Close the pipeline (waits for in-flight submissions)
	if err := pl.Close(); err != nil {
		logger.Error("Error closing pipeline", slog.String("error", err.Error()))
	}

	// Final statistics
	stats := wsServer.GetStatistics()
	pipelineStats := pl.Stats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_total", stats.ConnectionsTotal),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("pipeline_submitted", pipelineStats.Submitted),
		slog.Uint64("pipeline_failed", pipelineStats.Failed),
	)

	logger.Info("Service stopped")
}

// newPipeline builds the configured processing pipeline.
func newPipeline(cfg config.PipelineConfig, m *metrics.Metrics) (pipeline.Pipeline, error) {
	switch cfg.Mode {
	case "echo":
		return pipeline.NewEcho(), nil
	case "http":
		return pipeline.NewHTTP(pipeline.HTTPConfig{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
			Format:        cfg.Format,
			OnRetry:       m.RecordPipelineRetry,
		})
	default:
		return nil, fmt.Errorf("unknown pipeline mode '%s'", cfg.Mode)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
