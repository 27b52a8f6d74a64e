// Package server implements the HTTP API of the transcription service.
// Devices submit audio through POST /audio, POST /streaming and the /ws/stream
// websocket; transcripts, usage statistics, health and Prometheus metrics are
// served from the same mux.
package server
