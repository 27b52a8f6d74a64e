package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRatePerHour is the Groq whisper-large-v3-turbo price in USD per audio hour
const DefaultRatePerHour = 0.04

const (
	periodLayout   = "2006-01"
	persistTimeout = 5 * time.Second
)

// Record holds the usage counters of one calendar month
type Record struct {
	PeriodKey         string  `json:"period"`
	FilesProcessed    int64   `json:"files_processed"`
	AudioSecondsTotal float64 `json:"audio_seconds"`
	CostUSDTotal      float64 `json:"cost_usd"`
}

// AudioMinutes returns the recorded audio in minutes
func (r Record) AudioMinutes() float64 {
	return r.AudioSecondsTotal / 60
}

// Cost computes the provider charge for durationSeconds of audio
func Cost(durationSeconds, ratePerHour float64) float64 {
	return durationSeconds / 3600 * ratePerHour
}

// PeriodKey returns the YYYY-MM key of t in UTC
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// Store persists monthly usage counters
type Store interface {
	// Add increments the counters of period
	Add(ctx context.Context, period string, files int64, seconds, costUSD float64) error
	// Load returns the counters of period; found is false when nothing was recorded
	Load(ctx context.Context, period string) (rec Record, found bool, err error)
}

// Accountant accumulates transcription usage per calendar month. It is safe
// for concurrent use.
type Accountant struct {
	logger *slog.Logger
	store  Store
	now    func() time.Time

	mu      sync.Mutex
	current Record
	history []Record
}

// Option configures an Accountant
type Option func(*Accountant)

// WithStore persists every recorded increment to store
func WithStore(store Store) Option {
	return func(a *Accountant) {
		a.store = store
	}
}

// WithClock overrides the clock used to pick the current period
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) {
		a.now = now
	}
}

// NewAccountant creates an accountant positioned at the current month
func NewAccountant(logger *slog.Logger, opts ...Option) *Accountant {
	a := &Accountant{
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	a.current = Record{PeriodKey: PeriodKey(a.now())}
	return a
}

// rollover starts a new period if the clock has moved past the current one.
// Caller must hold a.mu.
func (a *Accountant) rollover() {
	period := PeriodKey(a.now())
	if period == a.current.PeriodKey {
		return
	}

	a.history = append(a.history, a.current)
	a.logger.Info("Usage period rolled over",
		slog.String("previous", a.current.PeriodKey),
		slog.String("current", period),
		slog.Int64("files", a.current.FilesProcessed),
		slog.Float64("cost_usd", a.current.CostUSDTotal),
	)
	a.current = Record{PeriodKey: period}
}

// Record adds one processed file to the current period
func (a *Accountant) Record(durationSeconds, costUSD float64) {
	a.mu.Lock()
	a.rollover()
	a.current.FilesProcessed++
	a.current.AudioSecondsTotal += durationSeconds
	a.current.CostUSDTotal += costUSD
	period := a.current.PeriodKey
	a.mu.Unlock()

	if a.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := a.store.Add(ctx, period, 1, durationSeconds, costUSD); err != nil {
		a.logger.Warn("Failed to persist usage",
			slog.String("period", period),
			slog.String("error", err.Error()),
		)
	}
}

// Snapshot returns the counters of the current period
func (a *Accountant) Snapshot() Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollover()
	return a.current
}

// History returns the records of completed periods, oldest first
func (a *Accountant) History() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollover()
	history := make([]Record, len(a.history))
	copy(history, a.history)
	return history
}

// Restore loads the current period's counters from the store
func (a *Accountant) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	period := PeriodKey(a.now())
	rec, found, err := a.store.Load(ctx, period)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	a.mu.Lock()
	a.rollover()
	if a.current.PeriodKey == rec.PeriodKey {
		a.current.FilesProcessed += rec.FilesProcessed
		a.current.AudioSecondsTotal += rec.AudioSecondsTotal
		a.current.CostUSDTotal += rec.CostUSDTotal
	}
	a.mu.Unlock()

	a.logger.Info("Usage restored",
		slog.String("period", rec.PeriodKey),
		slog.Int64("files", rec.FilesProcessed),
		slog.Float64("audio_seconds", rec.AudioSecondsTotal),
	)
	return nil
}
