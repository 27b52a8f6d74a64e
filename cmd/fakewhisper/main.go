// Command fakewhisper is a local stand-in for a self-hosted Whisper server.
// It answers the multipart uploads of the "http" transcription provider with
// a fixed transcript and, for WAV input, the duration read from the header.
//
//	go run ./cmd/fakewhisper -addr :9000
//	TRANSCRIPTION_PROVIDER=http and transcription.endpoint: http://localhost:9000/transcribe
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/tfolkman/omi-transcription/internal/audio"
)

type transcriptionResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
}

type fakeServer struct {
	logger   *slog.Logger
	text     string
	delay    time.Duration
	failRate float64
}

func (s *fakeServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	container, ok := audio.DetectContainer(data)
	if !ok {
		http.Error(w, "Unrecognized audio container", http.StatusUnprocessableEntity)
		return
	}

	// Compressed containers are not decoded; their duration is reported as 0
	var duration float64
	if info, err := audio.ParseWAV(data); err == nil {
		duration = info.Duration
	}

	s.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.String("container", string(container)),
		slog.Int("size", len(data)),
		slog.Float64("duration", duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
	)

	time.Sleep(s.delay)

	// Lets the batch retry path be exercised end to end
	if s.failRate > 0 && rand.Float64() < s.failRate {
		s.logger.Warn("Injecting transcription failure")
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:       s.text,
		Confidence: 0.95,
		Language:   language,
		Duration:   duration,
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcription of a recorded audio segment.", "Transcript returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 503")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s := &fakeServer{logger: logger, text: *text, delay: *delay, failRate: *failRate}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", s.handleTranscribe)

	logger.Info("Fake transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
