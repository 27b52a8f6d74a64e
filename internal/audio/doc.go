// Package audio handles audio container normalization and inspection.
// It wraps headerless PCM from wearable devices in WAV headers, reads declared
// durations back out of WAV containers, and buffers streamed PCM into segments.
package audio
