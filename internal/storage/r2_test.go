package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 implements the handful of path-style S3 calls the R2 store makes
type fakeS3 struct {
	bucket  string
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	MaxKeys     int      `xml:"MaxKeys"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []listObject
}

type listObject struct {
	XMLName      xml.Name `xml:"Contents"`
	Key          string   `xml:"Key"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
	Size         int      `xml:"Size"`
	StorageClass string   `xml:"StorageClass"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)

	case key == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		result := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		for k, v := range f.objects {
			if strings.HasPrefix(k, prefix) {
				result.Contents = append(result.Contents, listObject{
					Key:          k,
					LastModified: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
					ETag:         `"etag"`,
					Size:         len(v),
					StorageClass: "STANDARD",
				})
			}
		}
		result.KeyCount = len(result.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(result)

	case r.Method == http.MethodPut:
		if f.failPut {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `<Error><Code>InternalError</Code><Message>boom</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Write(body)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestR2Store(t *testing.T, fake *fakeS3) *R2Store {
	t.Helper()

	server := httptest.NewTLSServer(fake)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := NewR2Store(R2Config{
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Bucket:          fake.bucket,
		Endpoint:        strings.TrimPrefix(server.URL, "https://"),
		Secure:          true,
		Transport:       server.Client().Transport,
	}, logger)
	if err != nil {
		t.Fatalf("NewR2Store failed: %v", err)
	}
	return store
}

func TestR2StorePutAndList(t *testing.T) {
	fake := &fakeS3{bucket: "omi-dev", objects: make(map[string][]byte)}
	store := newTestR2Store(t, fake)
	ctx := context.Background()

	confidence := 0.87
	for i, text := range []string{"first", "second"} {
		key, err := store.Put(ctx, &Record{
			OwnerID:         "u1",
			Timestamp:       int64(100 + i),
			Text:            text,
			Confidence:      &confidence,
			CostUSD:         0.0001,
			DurationSeconds: 3,
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if key != Key("u1", int64(100+i)) {
			t.Errorf("Expected key %s, got %s", Key("u1", int64(100+i)), key)
		}
	}

	if _, ok := fake.objects["transcripts/u1/100.json"]; !ok {
		t.Error("Expected object at transcripts/u1/100.json")
	}

	records, err := store.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Text != "first" || records[1].Text != "second" {
		t.Errorf("Expected arrival order [first second], got [%s %s]", records[0].Text, records[1].Text)
	}
	if records[0].Confidence == nil || *records[0].Confidence != confidence {
		t.Errorf("Expected confidence %.2f, got %v", confidence, records[0].Confidence)
	}

	recent, err := store.ListRecent(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Text != "second" {
		t.Errorf("Expected newest transcript 'second', got %v", recent)
	}

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestR2StorePutFailure(t *testing.T) {
	fake := &fakeS3{bucket: "omi", objects: make(map[string][]byte), failPut: true}
	store := newTestR2Store(t, fake)

	_, err := store.Put(context.Background(), &Record{OwnerID: "u1", Timestamp: 1})
	if !errors.Is(err, ErrWrite) {
		t.Errorf("Expected ErrWrite, got %v", err)
	}
}

func TestNewR2StoreValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := NewR2Store(R2Config{Bucket: "omi"}, logger); err == nil {
		t.Error("Expected error without account id or endpoint")
	}

	if _, err := NewR2Store(R2Config{AccountID: "abc"}, logger); err == nil {
		t.Error("Expected error without bucket")
	}
}
