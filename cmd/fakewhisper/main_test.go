package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tfolkman/omi-transcription/internal/audio"
)

func TestHandleTranscribe(t *testing.T) {
	s := &fakeServer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		text:   "hello",
	}

	wav, err := audio.EncodeWAV(make([]int16, 8000), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "audio.wav")
	fw.Write(wav)
	mw.WriteField("language", "de")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	s.handleTranscribe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if resp.Text != "hello" || resp.Language != "de" {
		t.Errorf("Expected hello/de, got %s/%s", resp.Text, resp.Language)
	}
	if resp.Duration != 0.5 {
		t.Errorf("Expected duration 0.5, got %f", resp.Duration)
	}
}

func TestHandleTranscribeRejectsUnknownContainer(t *testing.T) {
	s := &fakeServer{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "audio.wav")
	fw.Write([]byte("not audio"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	s.handleTranscribe(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
}
