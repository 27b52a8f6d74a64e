package usage

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestCost(t *testing.T) {
	tests := []struct {
		seconds  float64
		rate     float64
		expected float64
	}{
		{3600, DefaultRatePerHour, 0.04},
		{3, DefaultRatePerHour, 0.04 * 3 / 3600},
		{0, DefaultRatePerHour, 0},
		{1800, 0.111, 0.0555},
	}

	for _, tt := range tests {
		got := Cost(tt.seconds, tt.rate)
		if math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("Cost(%v, %v): expected %v, got %v", tt.seconds, tt.rate, tt.expected, got)
		}
	}
}

func TestPeriodKey(t *testing.T) {
	// 2026-01-31 23:30 in UTC-5 is already February in UTC
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, time.January, 31, 23, 30, 0, 0, loc)

	if got := PeriodKey(ts); got != "2026-02" {
		t.Errorf("Expected period 2026-02, got %s", got)
	}
}

func TestAccountantRecord(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)}
	acc := NewAccountant(testLogger(), WithClock(clock.Now))

	const n = 10
	const duration = 3.0

	for i := 0; i < n; i++ {
		acc.Record(duration, Cost(duration, DefaultRatePerHour))
	}

	snap := acc.Snapshot()
	if snap.PeriodKey != "2026-03" {
		t.Errorf("Expected period 2026-03, got %s", snap.PeriodKey)
	}
	if snap.FilesProcessed != n {
		t.Errorf("Expected %d files, got %d", n, snap.FilesProcessed)
	}
	if math.Abs(snap.AudioSecondsTotal-n*duration) > 1e-9 {
		t.Errorf("Expected %v seconds, got %v", n*duration, snap.AudioSecondsTotal)
	}

	expectedCost := n * duration / 3600 * DefaultRatePerHour
	if math.Abs(snap.CostUSDTotal-expectedCost) > 1e-12 {
		t.Errorf("Expected cost %v, got %v", expectedCost, snap.CostUSDTotal)
	}
}

func TestAccountantConcurrentRecord(t *testing.T) {
	acc := NewAccountant(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				acc.Record(1, 0.001)
			}
		}()
	}
	wg.Wait()

	snap := acc.Snapshot()
	if snap.FilesProcessed != 1000 {
		t.Errorf("Expected 1000 files, got %d", snap.FilesProcessed)
	}
	if math.Abs(snap.AudioSecondsTotal-1000) > 1e-6 {
		t.Errorf("Expected 1000 seconds, got %v", snap.AudioSecondsTotal)
	}
}

func TestAccountantRollover(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.April, 30, 23, 59, 0, 0, time.UTC)}
	acc := NewAccountant(testLogger(), WithClock(clock.Now))

	acc.Record(60, 0.01)
	acc.Record(60, 0.01)

	clock.Set(time.Date(2026, time.May, 1, 0, 1, 0, 0, time.UTC))

	snap := acc.Snapshot()
	if snap.PeriodKey != "2026-05" {
		t.Errorf("Expected period 2026-05, got %s", snap.PeriodKey)
	}
	if snap.FilesProcessed != 0 {
		t.Errorf("Expected fresh period with 0 files, got %d", snap.FilesProcessed)
	}

	acc.Record(30, 0.005)

	history := acc.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 history record, got %d", len(history))
	}
	if history[0].PeriodKey != "2026-04" || history[0].FilesProcessed != 2 {
		t.Errorf("Expected April with 2 files, got %+v", history[0])
	}

	if acc.Snapshot().FilesProcessed != 1 {
		t.Errorf("Expected 1 file in May, got %d", acc.Snapshot().FilesProcessed)
	}
}

func TestAccountantRedisPersistence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := &fakeClock{t: time.Date(2026, time.June, 15, 8, 0, 0, 0, time.UTC)}
	store := NewRedisStore(client, "")

	acc := NewAccountant(testLogger(), WithClock(clock.Now), WithStore(store))
	acc.Record(3, Cost(3, DefaultRatePerHour))
	acc.Record(5, Cost(5, DefaultRatePerHour))

	if got := mr.HGet("usage:2026-06", "files_processed"); got != "2" {
		t.Errorf("Expected files_processed 2 in redis, got %q", got)
	}

	// A new accountant picks up where the previous process stopped
	restarted := NewAccountant(testLogger(), WithClock(clock.Now), WithStore(store))
	if err := restarted.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	snap := restarted.Snapshot()
	if snap.FilesProcessed != 2 {
		t.Errorf("Expected 2 restored files, got %d", snap.FilesProcessed)
	}
	if math.Abs(snap.AudioSecondsTotal-8) > 1e-9 {
		t.Errorf("Expected 8 restored seconds, got %v", snap.AudioSecondsTotal)
	}
	if math.Abs(snap.CostUSDTotal-Cost(8, DefaultRatePerHour)) > 1e-12 {
		t.Errorf("Expected restored cost %v, got %v", Cost(8, DefaultRatePerHour), snap.CostUSDTotal)
	}
}

func TestAccountantStoreFailureIsNotFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	acc := NewAccountant(testLogger(), WithStore(NewRedisStore(client, "")))
	mr.Close()

	acc.Record(10, 0.001)

	if acc.Snapshot().FilesProcessed != 1 {
		t.Errorf("Expected in-memory count to survive store failure, got %d", acc.Snapshot().FilesProcessed)
	}
}

func TestRedisStoreLoadMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:")
	_, found, err := store.Load(context.Background(), "1999-01")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Error("Expected no record for an unused period")
	}

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
