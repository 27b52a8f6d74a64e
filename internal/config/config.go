package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tfolkman/omi-transcription/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Queue         QueueConfig         `yaml:"queue"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Storage       StorageConfig       `yaml:"storage"`
	Usage         UsageConfig         `yaml:"usage"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// QueueConfig contains the audio queue and batching parameters
type QueueConfig struct {
	Dir            string `yaml:"dir"`
	BatchInterval  int    `yaml:"batch_interval"` // seconds
	MaxBatchSizeMB int    `yaml:"max_batch_size_mb"`
}

// AudioConfig contains the device audio format used when a submission omits it
type AudioConfig struct {
	SampleRate         int `yaml:"sample_rate"`
	Channels           int `yaml:"channels"`
	BitDepth           int `yaml:"bit_depth"`
	StreamFlushSeconds int `yaml:"stream_flush_seconds"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Provider      string  `yaml:"provider"` // groq, openai or http
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Language      string  `yaml:"language"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	MaxAttempts   int     `yaml:"max_attempts"`
	RatePerHour   float64 `yaml:"rate_per_hour"` // USD per audio hour
}

// StorageConfig contains transcript storage configuration
type StorageConfig struct {
	Backend         string `yaml:"backend"` // r2 or memory
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Insecure        bool   `yaml:"insecure"`
}

// UsageConfig contains usage persistence configuration. An empty address
// keeps usage in memory only.
type UsageConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// MQTTConfig contains the optional MQTT intake configuration
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // one '+' level holds the owner id
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Environment: "dev",
		HTTP: HTTPConfig{
			Port:        8000,
			Address:     "0.0.0.0",
			Enabled:     true,
			MaxUploadMB: 25,
		},
		Queue: QueueConfig{
			Dir:            "audio_queue",
			BatchInterval:  120,
			MaxBatchSizeMB: 20,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			BitDepth:           16,
			StreamFlushSeconds: 30,
		},
		Transcription: TranscriptionConfig{
			Provider:      "groq",
			Model:         "whisper-large-v3-turbo",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 4,
			MaxAttempts:   5,
			RatePerHour:   0.04,
		},
		Storage: StorageConfig{
			Backend: "r2",
		},
		Usage: UsageConfig{
			KeyPrefix: "usage:",
		},
		MQTT: MQTTConfig{
			ClientID: "omi-transcription",
			Topic:    "omi/+/audio",
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// the optional .env files and the process environment, in increasing priority.
func Load(path string, envFiles ...string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// readEnvFiles merges .env files; earlier files win. Missing files are skipped.
func readEnvFiles(files []string) (map[string]string, error) {
	merged := make(map[string]string)

	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read env file %s: %w", file, err)
		}

		for k, v := range values {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}

	return merged, nil
}

// ApplyEnv overrides file values with the service's environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ENVIRONMENT":            &c.Environment,
		"HOST":                   &c.HTTP.Address,
		"AUDIO_QUEUE_DIR":        &c.Queue.Dir,
		"TRANSCRIPTION_PROVIDER": &c.Transcription.Provider,
		"GROQ_API_KEY":           &c.Transcription.APIKey,
		"R2_ACCOUNT_ID":          &c.Storage.AccountID,
		"R2_ACCESS_KEY_ID":       &c.Storage.AccessKeyID,
		"R2_SECRET_ACCESS_KEY":   &c.Storage.SecretAccessKey,
		"R2_BUCKET_NAME":         &c.Storage.Bucket,
		"R2_ENDPOINT":            &c.Storage.Endpoint,
		"REDIS_ADDR":             &c.Usage.RedisAddr,
		"REDIS_PASSWORD":         &c.Usage.RedisPassword,
		"MQTT_BROKER":            &c.MQTT.Broker,
		"LOG_LEVEL":              &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":                   &c.HTTP.Port,
		"BATCH_DURATION_SECONDS": &c.Queue.BatchInterval,
		"MAX_BATCH_SIZE_MB":      &c.Queue.MaxBatchSizeMB,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
	}

	c.Environment = strings.ToLower(c.Environment)
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = c.defaultBucket()
	}

	return nil
}

// defaultBucket is omi in production and omi-dev everywhere else
func (c *Config) defaultBucket() string {
	if c.IsProduction() {
		return "omi"
	}
	return "omi-dev"
}

// IsProduction reports whether the service runs in the prod environment
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment cannot be empty")
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if q.BatchInterval < 1 {
		return fmt.Errorf("batch_interval must be at least 1 second, got %d", q.BatchInterval)
	}

	if q.MaxBatchSizeMB < 1 {
		return fmt.Errorf("max_batch_size_mb must be at least 1, got %d", q.MaxBatchSizeMB)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if err := audio.ValidateParams(a.SampleRate, a.Channels, a.BitDepth); err != nil {
		return err
	}

	if a.StreamFlushSeconds < 1 {
		return fmt.Errorf("stream_flush_seconds must be at least 1 second, got %d", a.StreamFlushSeconds)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "groq", "openai":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for provider %s", t.Provider)
		}
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for provider http")
		}
	default:
		return fmt.Errorf("provider must be one of [groq, openai, http], got '%s'", t.Provider)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", t.MaxAttempts)
	}

	if t.RatePerHour < 0 {
		return fmt.Errorf("rate_per_hour cannot be negative, got %f", t.RatePerHour)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "memory":
		return nil
	case "r2":
	default:
		return fmt.Errorf("backend must be 'r2' or 'memory', got '%s'", s.Backend)
	}

	if s.AccountID == "" && s.Endpoint == "" {
		return fmt.Errorf("account_id or endpoint is required for r2")
	}

	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return fmt.Errorf("access_key_id and secret_access_key are required for r2")
	}

	if s.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty")
	}

	return nil
}

// Validate validates MQTT configuration
func (m *MQTTConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty when MQTT is enabled")
	}

	if strings.Count(m.Topic, "+") != 1 {
		return fmt.Errorf("topic must contain exactly one '+' for the owner id, got '%s'", m.Topic)
	}

	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetBatchInterval returns the batch interval as a time.Duration
func (q *QueueConfig) GetBatchInterval() time.Duration {
	return time.Duration(q.BatchInterval) * time.Second
}

// GetThresholdBytes returns the size trigger in bytes
func (q *QueueConfig) GetThresholdBytes() int64 {
	return int64(q.MaxBatchSizeMB) * 1024 * 1024
}

// GetStreamFlushDuration returns the streaming segment length as a time.Duration
func (a *AudioConfig) GetStreamFlushDuration() time.Duration {
	return time.Duration(a.StreamFlushSeconds) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetMaxUploadBytes returns the request body limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int64 {
	return int64(h.MaxUploadMB) * 1024 * 1024
}
