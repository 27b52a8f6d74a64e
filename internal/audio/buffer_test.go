package audio

import (
	"errors"
	"testing"
	"time"
)

func TestNewStreamBuffer(t *testing.T) {
	buffer, err := NewStreamBuffer(16000, 1, 16, time.Second)
	if err != nil {
		t.Fatalf("NewStreamBuffer failed: %v", err)
	}

	if buffer.Size() != 0 {
		t.Errorf("Expected initial size 0, got %d", buffer.Size())
	}

	if buffer.maxBytes != 32000 {
		t.Errorf("Expected flush threshold 32000 bytes, got %d", buffer.maxBytes)
	}

	if _, err := NewStreamBuffer(16000, 3, 16, time.Second); !errors.Is(err, ErrInvalidAudioParams) {
		t.Errorf("Expected ErrInvalidAudioParams, got %v", err)
	}

	if _, err := NewStreamBuffer(16000, 1, 16, 0); err == nil {
		t.Error("Expected error for zero max duration")
	}
}

func TestStreamBufferReadyAtThreshold(t *testing.T) {
	buffer, err := NewStreamBuffer(8000, 1, 16, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewStreamBuffer failed: %v", err)
	}

	// 100ms at 8kHz mono 16-bit is 1600 bytes
	if ready := buffer.Write(make([]byte, 800)); ready {
		t.Error("Expected buffer not ready after 800 bytes")
	}
	if ready := buffer.Write(make([]byte, 800)); !ready {
		t.Error("Expected buffer ready after 1600 bytes")
	}

	segment := buffer.Flush()
	if len(segment) != 1600 {
		t.Errorf("Expected 1600 byte segment, got %d", len(segment))
	}

	if buffer.Size() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d bytes", buffer.Size())
	}
}

func TestStreamBufferKeepsPartialFrame(t *testing.T) {
	buffer, err := NewStreamBuffer(16000, 2, 16, time.Second)
	if err != nil {
		t.Fatalf("NewStreamBuffer failed: %v", err)
	}

	// stereo 16-bit frames are 4 bytes; 10 bytes leaves 2 behind
	buffer.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	segment := buffer.Flush()
	if len(segment) != 8 {
		t.Errorf("Expected 8 byte segment, got %d", len(segment))
	}
	if buffer.Size() != 2 {
		t.Errorf("Expected 2 bytes left, got %d", buffer.Size())
	}

	buffer.Write([]byte{11, 12})
	segment = buffer.Flush()
	if len(segment) != 4 || segment[0] != 9 || segment[3] != 12 {
		t.Errorf("Expected carried partial frame [9 10 11 12], got %v", segment)
	}
}

func TestStreamBufferClose(t *testing.T) {
	buffer, err := NewStreamBuffer(16000, 1, 16, time.Second)
	if err != nil {
		t.Fatalf("NewStreamBuffer failed: %v", err)
	}

	buffer.Write([]byte{1, 2, 3})

	segment := buffer.Close()
	if len(segment) != 2 {
		t.Errorf("Expected 2 byte segment, got %d", len(segment))
	}

	stats := buffer.GetStats()
	if stats.DroppedBytes != 1 {
		t.Errorf("Expected 1 dropped byte, got %d", stats.DroppedBytes)
	}
	if stats.TotalFrames != 1 {
		t.Errorf("Expected 1 frame written, got %d", stats.TotalFrames)
	}
	if buffer.Flush() != nil {
		t.Error("Expected nil flush after close")
	}
}
