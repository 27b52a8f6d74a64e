package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAudioParams is returned when sample rate, channel count or bit depth
// cannot describe a PCM stream
var ErrInvalidAudioParams = errors.New("invalid audio parameters")

// wavHeaderSize is the size of the canonical PCM WAV header
const wavHeaderSize = 44

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the format and declared length of a WAV container
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// ValidateParams checks that the parameters describe a supported PCM layout
func ValidateParams(sampleRate, channels, bitDepth int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidAudioParams, sampleRate)
	}

	if channels != 1 && channels != 2 {
		return fmt.Errorf("%w: channels must be 1 or 2, got %d", ErrInvalidAudioParams, channels)
	}

	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth must be one of 8, 16, 24, 32, got %d", ErrInvalidAudioParams, bitDepth)
	}

	return nil
}

// IsWAV reports whether data starts with a RIFF/WAVE container header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Normalize returns data as a self-describing WAV container. Input that already
// carries a RIFF/WAVE header is returned unchanged; headerless PCM gets a
// canonical header whose size fields are computed from the payload length.
func Normalize(raw []byte, sampleRate, channels, bitDepth int) ([]byte, error) {
	if err := ValidateParams(sampleRate, channels, bitDepth); err != nil {
		return nil, err
	}

	if IsWAV(raw) {
		return raw, nil
	}

	header := NewWAVHeader(len(raw), sampleRate, channels, bitDepth)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(raw)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(raw)

	return buf.Bytes(), nil
}

// NewWAVHeader builds the header for dataSize bytes of PCM
func NewWAVHeader(dataSize, sampleRate, channels, bitDepth int) WAVHeader {
	blockAlign := uint16(channels * bitDepth / 8)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(bitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

// EncodeWAV encodes mono PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	return Normalize(pcm, sampleRate, 1, 16)
}

// ParseWAV walks the RIFF chunks of data and returns the declared format.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if !IsWAV(data) {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var (
		info     WAVInfo
		haveFmt  bool
		haveData bool
	)

	offset := 12
	for offset+8 <= len(data) && !(haveFmt && haveData) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("invalid WAV file: truncated fmt chunk")
			}
			info.Channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			// Streamed WAVs sometimes declare more data than was written
			available := len(data) - body
			if size > available {
				size = available
			}
			info.DataSize = uint32(size)
			haveData = true
		}

		// chunks are word aligned
		offset = body + size + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !haveData {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if info.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	blockAlign := uint32(info.Channels) * uint32(info.BitsPerSample) / 8
	if blockAlign == 0 {
		return nil, fmt.Errorf("invalid block alignment: %d channels, %d bits", info.Channels, info.BitsPerSample)
	}

	info.NumSamples = info.DataSize / blockAlign
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)

	return &info, nil
}

// GetWAVDuration returns the declared duration of a WAV container
func GetWAVDuration(data []byte) (time.Duration, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return 0, err
	}
	return time.Duration(info.Duration * float64(time.Second)), nil
}
