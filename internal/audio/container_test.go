package audio

import "testing"

func TestDetectContainer(t *testing.T) {
	wav, err := EncodeWAV(make([]int16, 16), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	tests := []struct {
		name     string
		data     []byte
		expected Container
		ok       bool
	}{
		{"wav", wav, ContainerWAV, true},
		{"mp3 with id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), ContainerMP3, true},
		{"mp3 frame", []byte{0xFF, 0xFB, 0x90, 0x64}, ContainerMP3, true},
		{"ogg", []byte("OggS\x00\x02"), ContainerOGG, true},
		{"flac", []byte("fLaC\x00\x00"), ContainerFLAC, true},
		{"m4a", []byte("\x00\x00\x00\x20ftypM4A "), ContainerM4A, true},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, ContainerWebM, true},
		{"silent pcm", make([]byte, 64), "", false},
		{"pcm with sync-like bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF}, "", false},
		{"short", []byte{0xFF}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := DetectContainer(tt.data)
			if c != tt.expected || ok != tt.ok {
				t.Errorf("Expected (%q, %v), got (%q, %v)", tt.expected, tt.ok, c, ok)
			}
		})
	}
}

func TestFileExtension(t *testing.T) {
	if ext := FileExtension([]byte("OggS\x00")); ext != "ogg" {
		t.Errorf("Expected ogg, got %s", ext)
	}
	if ext := FileExtension(make([]byte, 8)); ext != "wav" {
		t.Errorf("Expected wav default, got %s", ext)
	}
}
