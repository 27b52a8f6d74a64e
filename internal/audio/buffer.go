package audio

import (
	"fmt"
	"sync"
	"time"
)

// StreamBuffer accumulates raw PCM frames from a streaming device connection
// and releases them as segments of bounded duration
type StreamBuffer struct {
	sampleRate int
	channels   int
	bitDepth   int

	// Audio data storage
	rawAudioData []byte
	maxBytes     int // flush threshold, frame aligned

	// Timing and metadata
	totalFrames  uint64
	totalBytes   uint64
	droppedBytes uint64

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	TotalFrames  uint64  `json:"total_frames"`
	TotalBytes   uint64  `json:"total_bytes"`
	DroppedBytes uint64  `json:"dropped_bytes"`
	Buffered     int     `json:"buffered_bytes"`
	BufferedSecs float64 `json:"buffered_seconds"`
}

// NewStreamBuffer creates a buffer that becomes ready once maxDuration of audio is held
func NewStreamBuffer(sampleRate, channels, bitDepth int, maxDuration time.Duration) (*StreamBuffer, error) {
	if err := ValidateParams(sampleRate, channels, bitDepth); err != nil {
		return nil, err
	}

	if maxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %v", maxDuration)
	}

	frameSize := channels * bitDepth / 8
	maxBytes := int(maxDuration.Seconds()*float64(sampleRate)) * frameSize
	if maxBytes < frameSize {
		maxBytes = frameSize
	}

	return &StreamBuffer{
		sampleRate:   sampleRate,
		channels:     channels,
		bitDepth:     bitDepth,
		rawAudioData: make([]byte, 0, maxBytes),
		maxBytes:     maxBytes,
	}, nil
}

// frameSize is the number of bytes per sample frame across all channels
func (b *StreamBuffer) frameSize() int {
	return b.channels * b.bitDepth / 8
}

// Write appends a PCM frame group. It reports whether the buffer reached its
// flush threshold and should be drained with Flush.
func (b *StreamBuffer) Write(rawData []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFrames++
	b.totalBytes += uint64(len(rawData))
	b.rawAudioData = append(b.rawAudioData, rawData...)

	return len(b.rawAudioData) >= b.maxBytes
}

// Flush removes and returns the buffered audio, trimmed to whole sample frames.
// A trailing partial frame stays buffered for the next write.
func (b *StreamBuffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := b.frameSize()
	n := len(b.rawAudioData) - len(b.rawAudioData)%frame
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, b.rawAudioData[:n])

	rest := len(b.rawAudioData) - n
	copy(b.rawAudioData, b.rawAudioData[n:])
	b.rawAudioData = b.rawAudioData[:rest]

	return out
}

// Close drains the buffer, discarding any partial frame
func (b *StreamBuffer) Close() []byte {
	out := b.Flush()

	b.mu.Lock()
	b.droppedBytes += uint64(len(b.rawAudioData))
	b.rawAudioData = b.rawAudioData[:0]
	b.mu.Unlock()

	return out
}

// Size returns the number of buffered bytes
func (b *StreamBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rawAudioData)
}

// GetStats returns buffer statistics
func (b *StreamBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	bytesPerSecond := float64(b.sampleRate * b.frameSize())

	return BufferStats{
		TotalFrames:  b.totalFrames,
		TotalBytes:   b.totalBytes,
		DroppedBytes: b.droppedBytes,
		Buffered:     len(b.rawAudioData),
		BufferedSecs: float64(len(b.rawAudioData)) / bytesPerSecond,
	}
}
