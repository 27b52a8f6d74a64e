package transcription

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tfolkman/omi-transcription/internal/audio"
)

// OpenAIProvider transcribes through an OpenAI-compatible audio API (Groq by default)
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	language  string
	semaphore chan struct{}
}

// NewOpenAIProvider creates a provider for cfg.Endpoint using go-openai
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		language:  cfg.Language,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Name returns the provider model name
func (p *OpenAIProvider) Name() string {
	return p.model
}

// Transcribe sends audio to the audio transcriptions endpoint
func (p *OpenAIProvider) Transcribe(ctx context.Context, data []byte, sampleRate int) (*Result, error) {
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrProvider, ctx.Err())
	}

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:       p.model,
		FilePath:    fmt.Sprintf("audio_%dhz.%s", sampleRate, audio.FileExtension(data)),
		Reader:      bytes.NewReader(data),
		Language:    p.language,
		Temperature: 0,
		Format:      openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	result := &Result{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
		Model:    p.model,
	}

	logprobs := make([]float64, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		logprobs = append(logprobs, seg.AvgLogprob)
	}
	result.Confidence = confidenceFromLogprobs(logprobs)

	return result, nil
}

// confidenceFromLogprobs maps Whisper's mean average segment log-probability
// into [0, 1]. Nil when the provider returned no segments.
func confidenceFromLogprobs(logprobs []float64) *float64 {
	if len(logprobs) == 0 {
		return nil
	}

	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}

	confidence := math.Exp(sum / float64(len(logprobs)))
	if confidence > 1 {
		confidence = 1
	}
	return &confidence
}
