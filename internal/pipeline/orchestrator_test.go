package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tfolkman/omi-transcription/internal/audio"
	"github.com/tfolkman/omi-transcription/internal/batch"
	"github.com/tfolkman/omi-transcription/internal/metrics"
	"github.com/tfolkman/omi-transcription/internal/queue"
	"github.com/tfolkman/omi-transcription/internal/storage"
	"github.com/tfolkman/omi-transcription/internal/transcription"
	"github.com/tfolkman/omi-transcription/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers with a function of the call index
type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	rates  []int
	answer func(call int, ctx context.Context) (*transcription.Result, error)
}

func (p *fakeProvider) Transcribe(ctx context.Context, data []byte, sampleRate int) (*transcription.Result, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.rates = append(p.rates, sampleRate)
	p.mu.Unlock()

	return p.answer(call, ctx)
}

func (p *fakeProvider) Name() string {
	return "fake"
}

// failingStore rejects every write
type failingStore struct {
	*storage.MemoryStore
}

func (f failingStore) Put(ctx context.Context, record *storage.Record) (string, error) {
	return "", fmt.Errorf("%w: bucket unavailable", storage.ErrWrite)
}

type harness struct {
	queue      *queue.Store
	store      storage.Store
	accountant *usage.Accountant
	metrics    *metrics.Metrics
	scheduler  *batch.Scheduler
}

func newHarness(t *testing.T, provider transcription.Provider, store storage.Store, config Config) *harness {
	t.Helper()

	q, err := queue.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}

	acc := usage.NewAccountant(testLogger())
	m := metrics.NewMetrics(prometheus.NewRegistry())
	orch := New(q, provider, store, acc, config, testLogger(), m)

	return &harness{
		queue:      q,
		store:      store,
		accountant: acc,
		metrics:    m,
		scheduler:  batch.NewScheduler(q, orch, batch.Config{}, testLogger(), m),
	}
}

// pcm returns seconds of silent 16kHz mono 16-bit PCM
func pcm(seconds int) []byte {
	return make([]byte, 16000*2*seconds)
}

func enqueueChunk(t *testing.T, q *queue.Store, owner string, seconds int) *queue.Unit {
	t.Helper()

	wav, err := audio.Normalize(pcm(seconds), 16000, 1, 16)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	unit, err := q.Enqueue(owner, queue.OriginStreamChunk, wav)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return unit
}

func TestEndToEndStreamChunk(t *testing.T) {
	confidence := 0.93
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		return &transcription.Result{Text: "testing one two three", Confidence: &confidence, Model: "whisper-large-v3-turbo"}, nil
	}}
	store := storage.NewMemoryStore()
	h := newHarness(t, provider, store, Config{Environment: "dev"})

	unit := enqueueChunk(t, h.queue, "u1", 3)

	job, err := h.scheduler.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	if job.Status != batch.StatusCompleted {
		t.Errorf("Expected status %s, got %s", batch.StatusCompleted, job.Status)
	}
	if job.Outcomes[unit.ID] != batch.OutcomeStored {
		t.Errorf("Expected outcome %s, got %s", batch.OutcomeStored, job.Outcomes[unit.ID])
	}

	rec, ok := store.Get(storage.Key("u1", unit.Timestamp()))
	if !ok {
		t.Fatalf("Expected transcript at %s", storage.Key("u1", unit.Timestamp()))
	}

	if rec.Text != "testing one two three" {
		t.Errorf("Expected text, got %q", rec.Text)
	}
	if rec.Confidence == nil || *rec.Confidence != confidence {
		t.Errorf("Expected confidence %v, got %v", confidence, rec.Confidence)
	}
	if math.Abs(rec.DurationSeconds-3) > 1e-9 {
		t.Errorf("Expected duration 3s, got %v", rec.DurationSeconds)
	}

	expectedCost := 3.0 / 3600 * 0.04
	if math.Abs(rec.CostUSD-expectedCost) > 1e-12 {
		t.Errorf("Expected cost %v, got %v", expectedCost, rec.CostUSD)
	}
	if rec.Origin != string(queue.OriginStreamChunk) || rec.Environment != "dev" {
		t.Errorf("Expected origin and environment metadata, got %+v", rec)
	}

	if h.queue.Depth() != 0 {
		t.Errorf("Expected empty queue, got %d", h.queue.Depth())
	}

	snap := h.accountant.Snapshot()
	if snap.FilesProcessed != 1 || math.Abs(snap.AudioSecondsTotal-3) > 1e-9 {
		t.Errorf("Expected 1 file and 3 seconds, got %+v", snap)
	}

	if provider.rates[0] != 16000 {
		t.Errorf("Expected provider sample rate 16000, got %d", provider.rates[0])
	}
}

func TestNoLossOnPersistFailure(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		return &transcription.Result{Text: "hello"}, nil
	}}
	h := newHarness(t, provider, failingStore{storage.NewMemoryStore()}, Config{})

	for i := 0; i < 3; i++ {
		enqueueChunk(t, h.queue, "u1", 1)
	}

	job, err := h.scheduler.FlushNow(context.Background())
	if !errors.Is(err, storage.ErrWrite) {
		t.Errorf("Expected ErrWrite, got %v", err)
	}
	if job.Status != batch.StatusFailed {
		t.Errorf("Expected status %s, got %s", batch.StatusFailed, job.Status)
	}

	if h.queue.Depth() != 3 {
		t.Errorf("Expected all 3 units back in pending, got %d", h.queue.Depth())
	}
	if h.accountant.Snapshot().FilesProcessed != 0 {
		t.Errorf("Expected no usage for unpersisted units, got %d", h.accountant.Snapshot().FilesProcessed)
	}
	if got := testutil.ToFloat64(h.metrics.PersistFailures); got != 3 {
		t.Errorf("Expected 3 persist failures, got %f", got)
	}
}

func TestPerOwnerOrdering(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		return &transcription.Result{Text: fmt.Sprintf("call-%d", call)}, nil
	}}
	store := storage.NewMemoryStore()
	h := newHarness(t, provider, store, Config{})

	for i := 0; i < 5; i++ {
		enqueueChunk(t, h.queue, "u1", 1)
		enqueueChunk(t, h.queue, "u2", 1)
	}

	if _, err := h.scheduler.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}

	for _, owner := range []string{"u1", "u2"} {
		records, err := store.List(context.Background(), owner, 0)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(records) != 5 {
			t.Fatalf("Expected 5 records for %s, got %d", owner, len(records))
		}

		// Calls were made in arrival order, so call indices increase with timestamps
		prev := -1
		for _, rec := range records {
			var call int
			fmt.Sscanf(rec.Text, "call-%d", &call)
			if call <= prev {
				t.Errorf("Owner %s: transcript %q out of arrival order", owner, rec.Text)
			}
			prev = call
		}
	}
}

func TestPermanentFailureMovesUnitAside(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		return nil, fmt.Errorf("%w: unsupported audio", transcription.ErrProvider)
	}}
	h := newHarness(t, provider, storage.NewMemoryStore(), Config{MaxAttempts: 2})

	unit := enqueueChunk(t, h.queue, "u1", 1)

	job, err := h.scheduler.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	if job.Outcomes[unit.ID] != batch.OutcomeRetry {
		t.Errorf("Expected outcome %s, got %s", batch.OutcomeRetry, job.Outcomes[unit.ID])
	}
	if h.queue.Depth() != 1 {
		t.Errorf("Expected unit back in pending after first failure, got depth %d", h.queue.Depth())
	}

	job, err = h.scheduler.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	if job.Outcomes[unit.ID] != batch.OutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", batch.OutcomeFailed, job.Outcomes[unit.ID])
	}

	stats := h.queue.GetStats()
	if stats.Pending != 0 || stats.Failed != 1 {
		t.Errorf("Expected 0 pending and 1 failed, got %+v", stats)
	}
}

func TestProviderTimeoutReleasesUnit(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", transcription.ErrProvider, ctx.Err())
	}}
	h := newHarness(t, provider, storage.NewMemoryStore(), Config{Timeout: 20 * time.Millisecond})

	enqueueChunk(t, h.queue, "u1", 1)

	start := time.Now()
	if _, err := h.scheduler.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected provider call to be bounded by timeout, took %v", elapsed)
	}
	if h.queue.Depth() != 1 {
		t.Errorf("Expected unit back in pending, got depth %d", h.queue.Depth())
	}
}

func TestMixedJobKeepsFailuresPending(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		if call == 1 {
			return nil, fmt.Errorf("%w: rate limited", transcription.ErrProvider)
		}
		return &transcription.Result{Text: "ok"}, nil
	}}
	store := storage.NewMemoryStore()
	h := newHarness(t, provider, store, Config{})

	first := enqueueChunk(t, h.queue, "u1", 1)
	second := enqueueChunk(t, h.queue, "u1", 1)
	third := enqueueChunk(t, h.queue, "u1", 1)

	job, err := h.scheduler.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	if job.Status != batch.StatusCompleted {
		t.Errorf("Expected status %s, got %s", batch.StatusCompleted, job.Status)
	}

	if _, ok := store.Get(storage.Key("u1", first.Timestamp())); !ok {
		t.Error("Expected first transcript stored")
	}
	if _, ok := store.Get(storage.Key("u1", third.Timestamp())); !ok {
		t.Error("Expected third transcript stored")
	}

	pending, _ := h.queue.ListPending()
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("Expected only the failed unit pending, got %v", pending)
	}
}

func TestCancelledJobCostsNoAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &fakeProvider{answer: func(call int, callCtx context.Context) (*transcription.Result, error) {
		cancel()
		<-callCtx.Done()
		return nil, fmt.Errorf("%w: %v", transcription.ErrProvider, callCtx.Err())
	}}
	h := newHarness(t, provider, storage.NewMemoryStore(), Config{MaxAttempts: 1})

	first := enqueueChunk(t, h.queue, "u1", 1)
	enqueueChunk(t, h.queue, "u1", 1)

	job, err := h.scheduler.FlushNow(ctx)
	if err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}

	if job.Outcomes[first.ID] != batch.OutcomeRetry {
		t.Errorf("Expected outcome %s, got %s", batch.OutcomeRetry, job.Outcomes[first.ID])
	}
	if provider.calls != 1 {
		t.Errorf("Expected job to stop after cancellation, got %d provider calls", provider.calls)
	}

	stats := h.queue.GetStats()
	if stats.Pending != 2 || stats.Failed != 0 {
		t.Errorf("Expected both units pending and none failed, got %+v", stats)
	}

	// The first counted attempt is still the first one
	if attempts := h.queue.RecordAttempt(first); attempts != 1 {
		t.Errorf("Expected no attempt recorded for the cancelled call, got %d", attempts-1)
	}
}

func TestCostAccountingThroughJob(t *testing.T) {
	provider := &fakeProvider{answer: func(call int, ctx context.Context) (*transcription.Result, error) {
		return &transcription.Result{Text: "ok"}, nil
	}}
	h := newHarness(t, provider, storage.NewMemoryStore(), Config{})

	const units, seconds = 4, 3
	for i := 0; i < units; i++ {
		enqueueChunk(t, h.queue, fmt.Sprintf("u%d", i%2), seconds)
	}

	if _, err := h.scheduler.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}

	snap := h.accountant.Snapshot()
	expected := float64(units*seconds) / 3600 * usage.DefaultRatePerHour

	if snap.FilesProcessed != units {
		t.Errorf("Expected %d files processed, got %d", units, snap.FilesProcessed)
	}
	if snap.AudioSecondsTotal != units*seconds {
		t.Errorf("Expected %d audio seconds, got %f", units*seconds, snap.AudioSecondsTotal)
	}
	if math.Abs(snap.CostUSDTotal-expected) > 1e-12 {
		t.Errorf("Expected cost %.10f, got %.10f", expected, snap.CostUSDTotal)
	}
}
