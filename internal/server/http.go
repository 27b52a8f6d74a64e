package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tfolkman/omi-transcription/internal/audio"
	"github.com/tfolkman/omi-transcription/internal/batch"
	"github.com/tfolkman/omi-transcription/internal/config"
	"github.com/tfolkman/omi-transcription/internal/intake"
	"github.com/tfolkman/omi-transcription/internal/metrics"
	"github.com/tfolkman/omi-transcription/internal/queue"
	"github.com/tfolkman/omi-transcription/internal/storage"
	"github.com/tfolkman/omi-transcription/internal/transcription"
	"github.com/tfolkman/omi-transcription/internal/usage"
)

const (
	defaultTranscriptLimit = 10
	maxTranscriptLimit     = 100
)

// Dependencies are the components served by the HTTP API
type Dependencies struct {
	Config     *config.Config
	Intake     *intake.Service
	Queue      *queue.Store
	Store      storage.Store
	Accountant *usage.Accountant
	Scheduler  *batch.Scheduler
	Provider   string
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer // nil serves the default registry

	// ProviderStats reports client statistics of providers that keep them
	ProviderStats func() transcription.ClientStats
}

// HTTPServer provides the device intake API and monitoring endpoints
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
	deps   Dependencies

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(logger *slog.Logger, deps Dependencies) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.HTTP.Address, deps.Config.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Device intake
	mux.HandleFunc("/audio", h.withMetrics("/audio", h.handleAudio))
	mux.HandleFunc("/streaming", h.withMetrics("/streaming", h.handleStreaming))
	mux.HandleFunc("/ws/stream", h.handleWebSocket)

	mux.HandleFunc("/transcripts/", h.withMetrics("/transcripts/{uid}", h.handleTranscripts))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/flush", h.withMetrics("/flush", h.handleFlush))

	if h.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if h.deps.Metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
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
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps intake errors to HTTP status codes
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, intake.ErrEmptyPayload),
		errors.Is(err, intake.ErrInvalidOwner),
		errors.Is(err, audio.ErrInvalidAudioParams):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrUnsupportedContainer):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, queue.ErrStorageWrite):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// formatParams reads sample_rate, channels and bit_depth from the query string
func formatParams(r *http.Request) (sampleRate, channels, bitDepth int, err error) {
	read := func(name string) (int, error) {
		v := r.URL.Query().Get(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %q", audio.ErrInvalidAudioParams, name, v)
		}
		return n, nil
	}

	if sampleRate, err = read("sample_rate"); err != nil {
		return
	}
	if channels, err = read("channels"); err != nil {
		return
	}
	bitDepth, err = read("bit_depth")
	return
}

// readUpload returns the multipart "file" field, or the raw body for other content types
func readUpload(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: missing file field: %v", intake.ErrEmptyPayload, err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	return io.ReadAll(r.Body)
}

// handleAudio implements POST /audio for complete uploads
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	h.handleSubmit(w, r, queue.OriginUpload)
}

// handleStreaming implements POST /streaming for raw PCM chunks
func (h *HTTPServer) handleStreaming(w http.ResponseWriter, r *http.Request) {
	h.handleSubmit(w, r, queue.OriginStreamChunk)
}

func (h *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, origin queue.Origin) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sampleRate, channels, bitDepth, err := formatParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.deps.Config.HTTP.GetMaxUploadBytes())

	payload, err := readUpload(r)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	unit, err := h.deps.Intake.Submit(intake.Request{
		OwnerID:    r.URL.Query().Get("uid"),
		Payload:    payload,
		Origin:     origin,
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	message := fmt.Sprintf("Audio queued for processing. Will be transcribed within %d seconds.",
		h.deps.Config.Queue.BatchInterval)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "queued",
		"uid":      unit.OwnerID,
		"filename": unit.Filename(),
		"size_mb":  math.Round(float64(unit.SizeBytes)/(1024*1024)*100) / 100,
		"message":  message,
	})
}

// handleTranscripts implements GET /transcripts/{uid}?limit=
func (h *HTTPServer) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid := strings.TrimPrefix(r.URL.Path, "/transcripts/")
	if err := intake.ValidateOwner(uid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultTranscriptLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTranscriptLimit {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d, got %q", maxTranscriptLimit, v))
			return
		}
		limit = n
	}

	records, err := h.deps.Store.ListRecent(r.Context(), uid, limit)
	if err != nil {
		h.logger.Error("Failed to list transcripts",
			slog.String("uid", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":         uid,
		"count":       len(records),
		"transcripts": records,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.deps.Accountant.Snapshot()
	queueStats := h.deps.Queue.GetStats()
	cfg := h.deps.Config

	day := time.Now().UTC().Day()
	estimated := snap.CostUSDTotal * 30 / float64(day)

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"current_month": map[string]interface{}{
			"period":                 snap.PeriodKey,
			"files_processed":        snap.FilesProcessed,
			"audio_minutes":          math.Round(snap.AudioMinutes()*100) / 100,
			"total_cost_usd":         math.Round(snap.CostUSDTotal*10000) / 10000,
			"estimated_monthly_cost": math.Round(estimated*100) / 100,
		},
		"history": h.deps.Accountant.History(),
		"queue": map[string]interface{}{
			"pending_files":         queueStats.Pending,
			"pending_bytes":         queueStats.PendingBytes,
			"claimed_files":         queueStats.Claimed,
			"failed_files":          queueStats.Failed,
			"next_batch_in_seconds": cfg.Queue.BatchInterval,
		},
		"config": map[string]interface{}{
			"environment":            cfg.Environment,
			"batch_duration_seconds": cfg.Queue.BatchInterval,
			"max_batch_size_mb":      cfg.Queue.MaxBatchSizeMB,
			"provider":               h.deps.Provider,
			"model":                  cfg.Transcription.Model,
			"cost_per_hour":          cfg.Transcription.RatePerHour,
			"storage":                h.deps.Store.Name(),
		},
	}

	if h.deps.Scheduler != nil {
		if job := h.deps.Scheduler.LastJob(); job != nil {
			stats["last_job"] = map[string]interface{}{
				"id":           job.ID,
				"triggered_by": job.TriggeredBy,
				"status":       job.Status,
				"units":        len(job.Units),
				"created_at":   job.CreatedAt.UTC(),
			}
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleFlush implements POST /flush, running a manual batch job
func (h *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// A client hanging up must not abort the job halfway through its units
	job, err := h.deps.Scheduler.FlushNow(context.WithoutCancel(r.Context()))
	if job == nil {
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "empty"})
		return
	}

	response := map[string]interface{}{
		"status":   job.Status,
		"job_id":   job.ID,
		"units":    len(job.Units),
		"outcomes": job.Outcomes,
	}
	if err != nil {
		response["error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	storageStatus := "ok"
	if err := h.deps.Store.Ping(ctx); err != nil {
		status = "degraded"
		storageStatus = err.Error()
	}

	provider := map[string]interface{}{"provider": h.deps.Provider}
	if h.deps.ProviderStats != nil {
		provider["stats"] = h.deps.ProviderStats()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"components": map[string]interface{}{
			"queue":         h.deps.Queue.GetStats(),
			"storage":       map[string]string{"backend": h.deps.Store.Name(), "status": storageStatus},
			"transcription": provider,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "OMI Transcription Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                  "API documentation",
			"GET /health":            "Service health check",
			"POST /audio?uid=":       "Queue a recording (multipart file or raw body)",
			"POST /streaming?uid=":   "Queue a raw PCM chunk",
			"GET /ws/stream?uid=":    "Stream raw PCM over a websocket",
			"GET /transcripts/{uid}": "List recent transcripts",
			"GET /stats":             "Usage and queue statistics",
			"POST /flush":            "Process the queue now",
			"GET /metrics":           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
