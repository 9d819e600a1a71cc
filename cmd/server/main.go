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

	"github.com/joho/godotenv"

	"github.com/sarpel/audio-receiver-xiao/internal/archive"
	"github.com/sarpel/audio-receiver-xiao/internal/compress"
	"github.com/sarpel/audio-receiver-xiao/internal/config"
	"github.com/sarpel/audio-receiver-xiao/internal/ingest"
	"github.com/sarpel/audio-receiver-xiao/internal/metrics"
	"github.com/sarpel/audio-receiver-xiao/internal/notify"
	"github.com/sarpel/audio-receiver-xiao/internal/segment"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-receiver"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load credentials from .env if present; real environments set them directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("bit_depth", cfg.Audio.BitDepth),
		slog.Int("chunk_size", cfg.Audio.ChunkSize),
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Int("segment_duration", cfg.Storage.SegmentDuration),
		slog.Bool("compression_enabled", cfg.Compression.Enabled),
		slog.String("compression_format", cfg.Compression.Format),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize archive storage
	store, err := segment.NewStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Archive storage initialized", slog.String("data_dir", store.Root()))

	// Initialize MQTT lifecycle event publisher (if enabled). An unreachable
	// broker must not keep audio capture from starting.
	notifier, err := notify.NewPublisher(cfg.Notify, logger)
	if err != nil {
		logger.Warn("Event publishing unavailable, continuing without it",
			slog.String("error", err.Error()),
		)
		notifier = nil
	}

	// Initialize compression dispatcher and probe the encoder
	dispatcher := compress.NewDispatcher(cfg.Compression, cfg.SegmentTargetBytes(), logger, appMetrics, notifier)
	dispatcher.VerifyEncoder(context.Background())

	// Initialize TCP ingestion server
	ingestServer := ingest.NewServer(cfg, logger, appMetrics, store, dispatcher, notifier)

	// Initialize archive API server (if enabled)
	var archiveServer *archive.Server
	if cfg.HTTP.Enabled {
		archiveServer = archive.NewServer(cfg.HTTP, logger, store, ingestServer, appMetrics)
	}

	// Start TCP ingestion server
	if err := ingestServer.Start(); err != nil {
		logger.Error("Failed to start ingestion server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start archive API server (if enabled)
	if archiveServer != nil {
		if err := archiveServer.Start(); err != nil {
			logger.Error("Failed to start archive API server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.TCPPort)),
	)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop archive API server first (stop accepting new requests)
	if archiveServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := archiveServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping archive API server", slog.String("error", err.Error()))
		}
	}

	// Stop ingestion (closes the open segment and schedules its compression)
	if err := ingestServer.Stop(); err != nil {
		logger.Error("Error stopping ingestion server", slog.String("error", err.Error()))
	}

	// Give in-flight compression jobs a bounded window to finish
	compressCtx, compressCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer compressCancel()
	if err := dispatcher.Stop(compressCtx); err != nil {
		logger.Warn("Compression jobs abandoned at shutdown", slog.String("error", err.Error()))
	}

	notifier.Close()

	logger.Info("Service stopped")
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

	// Configure handler options
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
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
