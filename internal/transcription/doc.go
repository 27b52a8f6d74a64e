// Package transcription provides speech-to-text providers: an OpenAI-compatible
// client (Groq Whisper by default) and a multipart HTTP client for self-hosted
// Whisper servers.
package transcription
