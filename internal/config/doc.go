// Package config provides configuration loading and validation for the transcription service.
// It layers YAML file values, .env files and environment variables over built-in defaults
// and validates every section before the service starts.
package config
