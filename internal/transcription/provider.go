package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProvider wraps every failure returned by a transcription provider.
// Provider errors are transient from the pipeline's point of view.
var ErrProvider = errors.New("transcription provider error")

// Result is the outcome of transcribing one audio container
type Result struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
	Duration   float64  `json:"duration,omitempty"` // seconds, as reported by the provider
	Model      string   `json:"model,omitempty"`
}

// Provider turns a WAV container into text
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, sampleRate int) (*Result, error)
	Name() string
}

// Config contains transcription provider configuration
type Config struct {
	Provider      string // "groq", "openai" or "http"
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

const (
	// GroqBaseURL is Groq's OpenAI-compatible API root
	GroqBaseURL = "https://api.groq.com/openai/v1"
	// DefaultModel is the Whisper model used on Groq
	DefaultModel = "whisper-large-v3-turbo"
)

// NewProvider builds the provider selected by cfg.Provider
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "groq", "":
		if cfg.Endpoint == "" {
			cfg.Endpoint = GroqBaseURL
		}
		return NewOpenAIProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "http":
		return NewClient(cfg)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}
