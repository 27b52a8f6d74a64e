package audio

import (
	"bytes"
	"errors"
)

// ErrUnsupportedContainer is returned for complete recordings in no recognized container format
var ErrUnsupportedContainer = errors.New("unsupported audio container")

// Container names a self-describing audio file format
type Container string

// Recognized containers; the value doubles as the usual file extension
const (
	ContainerWAV  Container = "wav"
	ContainerMP3  Container = "mp3"
	ContainerOGG  Container = "ogg"
	ContainerFLAC Container = "flac"
	ContainerM4A  Container = "m4a"
	ContainerWebM Container = "webm"
)

// DetectContainer identifies data by its magic bytes. ok is false for
// headerless PCM and unknown formats.
func DetectContainer(data []byte) (c Container, ok bool) {
	switch {
	case IsWAV(data):
		return ContainerWAV, true
	case bytes.HasPrefix(data, []byte("ID3")), isMPEGFrame(data):
		return ContainerMP3, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerOGG, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ContainerFLAC, true
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return ContainerM4A, true
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ContainerWebM, true
	}
	return "", false
}

// FileExtension returns the extension providers use to sniff the format of
// data, defaulting to wav for PCM wrapped by Normalize.
func FileExtension(data []byte) string {
	if c, ok := DetectContainer(data); ok {
		return string(c)
	}
	return string(ContainerWAV)
}

// isMPEGFrame checks for an MPEG audio frame header without an ID3 tag.
// Reserved layer, bitrate and sample rate values are rejected so arbitrary
// PCM starting with 0xFFF is not mistaken for MP3.
func isMPEGFrame(data []byte) bool {
	if len(data) < 4 || data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return false
	}

	layer := (data[1] >> 1) & 0x03
	bitrate := data[2] >> 4
	rate := (data[2] >> 2) & 0x03

	return layer != 0 && bitrate != 0x0F && bitrate != 0 && rate != 0x03
}
