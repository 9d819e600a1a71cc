package archive

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sarpel/audio-receiver-xiao/internal/config"
	"github.com/sarpel/audio-receiver-xiao/internal/ingest"
	"github.com/sarpel/audio-receiver-xiao/internal/metrics"
	"github.com/sarpel/audio-receiver-xiao/internal/segment"
)

// Environment variables carrying the basic auth credentials. Empty username
// disables authentication entirely.
const (
	envUsername = "ARCHIVE_USERNAME"
	envPassword = "ARCHIVE_PASSWORD"
)

// StatsProvider exposes live ingestion counters to the API.
type StatsProvider interface {
	GetStatistics() ingest.Statistics
}

// Server provides HTTP API endpoints for browsing the recording archive
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	store   *segment.Store
	stats   StatsProvider
	metrics *metrics.Metrics

	username string
	password string

	startTime time.Time
}

// NewServer creates a new archive API server. Credentials come from the
// ARCHIVE_USERNAME and ARCHIVE_PASSWORD environment variables.
func NewServer(cfg config.HTTPConfig, logger *slog.Logger, store *segment.Store, stats StatsProvider, m *metrics.Metrics) *Server {
	h := &Server{
		logger:    logger,
		store:     store,
		stats:     stats,
		metrics:   m,
		username:  os.Getenv(envUsername),
		password:  os.Getenv(envPassword),
		startTime: time.Now(),
	}

	if h.username == "" {
		logger.Warn("Archive API authentication disabled, ARCHIVE_USERNAME not set")
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming a full segment can legitimately take minutes
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *Server) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint, deliberately unauthenticated
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Archive browsing endpoints
	mux.HandleFunc("/api/dates", h.withMetrics("/api/dates", h.withAuth(h.handleDates)))
	mux.HandleFunc("/api/dates/", h.withMetrics("/api/dates/{date}", h.withAuth(h.handleDateFiles)))

	// Statistics endpoints
	mux.HandleFunc("/api/stats", h.withMetrics("/api/stats", h.withAuth(h.handleStats)))
	mux.HandleFunc("/api/latest", h.withMetrics("/api/latest", h.withAuth(h.handleLatest)))

	// Recording retrieval endpoints
	mux.HandleFunc("/stream/", h.withMetrics("/stream/{date}/{file}", h.withAuth(h.handleStream)))
	mux.HandleFunc("/download/", h.withMetrics("/download/{date}/{file}", h.withAuth(h.handleDownload)))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// withAuth enforces HTTP basic auth when credentials are configured.
// Comparisons are constant time regardless of where the mismatch occurs.
func (h *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			handler(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1

		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="audio-archive"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		handler(w, r)
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

// Start starts the HTTP server
func (h *Server) Start() error {
	h.logger.Info("Starting archive API server",
		slog.String("address", h.server.Addr),
		slog.Bool("auth_enabled", h.username != ""),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Archive API server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *Server) Stop(ctx context.Context) error {
	h.logger.Info("Stopping archive API server...")

	return h.server.Shutdown(ctx)
}

// Handler returns the configured HTTP handler.
func (h *Server) Handler() http.Handler {
	return h.server.Handler
}

// handleHealth implements the /health endpoint
func (h *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.stats.GetStatistics()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "audio-receiver",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"ingest": map[string]interface{}{
				"status":             "running",
				"chunks_received":    stats.ChunksReceived,
				"bytes_received":     stats.BytesReceived,
				"segments_completed": stats.SegmentsCompleted,
				"segments_truncated": stats.SegmentsTruncated,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleDates implements the /api/dates endpoint
func (h *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dates, err := h.store.Dates()
	if err != nil {
		h.logger.Error("Failed to list archive dates", slog.String("error", err.Error()))
		http.Error(w, "Failed to list archive", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"total_dates": len(dates),
		"dates":       dates,
		"timestamp":   time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDateFiles implements the /api/dates/{date} endpoint
func (h *Server) handleDateFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimPrefix(r.URL.Path, "/api/dates/")
	if date == "" || strings.Contains(date, "/") || !segment.ValidDate(date) {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}

	// The date is well-formed, so any failure here is a storage fault
	files, err := h.store.Files(date)
	if err != nil {
		h.logger.Error("Failed to list date directory",
			slog.String("date", date),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to list archive", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"date":        date,
		"total_files": len(files),
		"files":       files,
		"timestamp":   time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStats implements the /api/stats endpoint
func (h *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.stats.GetStatistics()

	response := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"ingest": map[string]interface{}{
			"chunks_received":    stats.ChunksReceived,
			"bytes_received":     stats.BytesReceived,
			"segments_completed": stats.SegmentsCompleted,
			"segments_truncated": stats.SegmentsTruncated,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleLatest implements the /api/latest endpoint: the most recent recording
// across all date directories.
func (h *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dates, err := h.store.Dates()
	if err != nil {
		h.logger.Error("Failed to list archive dates", slog.String("error", err.Error()))
		http.Error(w, "Failed to list archive", http.StatusInternalServerError)
		return
	}

	// Dates are newest first, file names sort chronologically within a date
	for _, date := range dates {
		files, err := h.store.Files(date)
		if err != nil {
			continue
		}
		if len(files) == 0 {
			continue
		}

		latest := files[len(files)-1]
		response := map[string]interface{}{
			"date":      date,
			"name":      latest.Name,
			"size":      latest.Size,
			"modified":  latest.Modified,
			"timestamp": time.Now().UTC(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
		return
	}

	http.Error(w, "No recordings in archive", http.StatusNotFound)
}

// handleStream implements the /stream/{date}/{file} endpoint, serving the
// recording inline for playback.
func (h *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	h.serveRecording(w, r, "/stream/", false)
}

// handleDownload implements the /download/{date}/{file} endpoint, serving the
// recording as an attachment.
func (h *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	h.serveRecording(w, r, "/download/", true)
}

// serveRecording resolves and serves one archived file. ServeFile handles
// range requests, which browser audio players rely on for seeking.
func (h *Server) serveRecording(w http.ResponseWriter, r *http.Request, prefix string, attachment bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date, name, found := strings.Cut(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if !found || date == "" || name == "" {
		http.Error(w, "Date and file name required", http.StatusBadRequest)
		return
	}

	path, err := h.store.Resolve(date, name)
	if err != nil {
		http.Error(w, "Invalid recording path", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Compression may have replaced or removed the file since it was listed
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		http.NotFound(w, r)
		return
	}

	if contentType, ok := segment.ContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		w.Header().Set("Content-Type", contentType)
	}
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}

	http.ServeFile(w, r, path)
}

// handleRoot implements the / endpoint with API documentation
func (h *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Audio Recording Archive",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"GET /health":                 "Service health check",
			"GET /api/dates":              "List recording dates, newest first",
			"GET /api/dates/{date}":       "List recordings for one date",
			"GET /api/stats":              "Ingestion statistics",
			"GET /api/latest":             "Most recent recording",
			"GET /stream/{date}/{file}":   "Stream a recording inline",
			"GET /download/{date}/{file}": "Download a recording",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
