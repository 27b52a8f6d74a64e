package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tfolkman/omi-transcription/internal/audio"
	"github.com/tfolkman/omi-transcription/internal/batch"
	"github.com/tfolkman/omi-transcription/internal/metrics"
	"github.com/tfolkman/omi-transcription/internal/queue"
	"github.com/tfolkman/omi-transcription/internal/storage"
	"github.com/tfolkman/omi-transcription/internal/transcription"
	"github.com/tfolkman/omi-transcription/internal/usage"
)

const (
	// DefaultTimeout bounds a single provider call
	DefaultTimeout = 30 * time.Second
	// DefaultMaxAttempts is how many failed transcriptions a unit survives
	DefaultMaxAttempts = 5
	// DefaultSampleRate is used when a unit's WAV header cannot be read
	DefaultSampleRate = 16000
)

// Config controls per-unit processing
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	RatePerHour float64
	Environment string
}

// Queue is the part of the queue store the orchestrator needs
type Queue interface {
	Read(unit *queue.Unit) ([]byte, error)
	Delete(lease *queue.Lease, units ...*queue.Unit) error
	MarkFailed(lease *queue.Lease, unit *queue.Unit) error
	RecordAttempt(unit *queue.Unit) int
	Release(lease *queue.Lease)
}

// Orchestrator drives a claimed batch job through transcription and persistence
type Orchestrator struct {
	queue      Queue
	provider   transcription.Provider
	store      storage.Store
	accountant *usage.Accountant
	config     Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// transcribed is a unit whose text is ready to persist
type transcribed struct {
	unit     *queue.Unit
	result   *transcription.Result
	duration float64
}

// New creates an orchestrator; zero config values take the defaults
func New(q Queue, provider transcription.Provider, store storage.Store, accountant *usage.Accountant,
	config Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RatePerHour <= 0 {
		config.RatePerHour = usage.DefaultRatePerHour
	}

	return &Orchestrator{
		queue:      q,
		provider:   provider,
		store:      store,
		accountant: accountant,
		config:     config,
		logger:     logger,
		metrics:    m,
	}
}

// Run processes job in unit order. Units that were transcribed and stored are
// deleted from the queue; everything else is released back to pending, or
// moved to the failed directory once it has used up its attempts.
func (o *Orchestrator) Run(ctx context.Context, job *batch.Job) error {
	defer o.queue.Release(job.Lease)

	if job.Outcomes == nil {
		job.Outcomes = make(map[string]batch.Outcome, len(job.Units))
	}

	job.Status = batch.StatusTranscribing
	ready := o.transcribeAll(ctx, job)

	job.Status = batch.StatusPersisting
	unpersisted, err := o.persistAll(ctx, job, ready)
	if err != nil {
		job.Status = batch.StatusFailed
		return err
	}

	if unpersisted > 0 {
		job.Status = batch.StatusFailed
		return fmt.Errorf("%w: %d of %d transcripts not persisted", storage.ErrWrite, unpersisted, len(ready))
	}

	job.Status = batch.StatusCompleted
	return nil
}

// transcribeAll sends every unit to the provider and returns the successes in job order
func (o *Orchestrator) transcribeAll(ctx context.Context, job *batch.Job) []transcribed {
	ready := make([]transcribed, 0, len(job.Units))

	for _, unit := range job.Units {
		if ctx.Err() != nil {
			o.logger.Warn("Job cancelled, releasing remaining units",
				slog.String("job_id", job.ID),
				slog.String("error", ctx.Err().Error()),
			)
			break
		}

		item, err := o.transcribe(ctx, unit)
		if err != nil {
			// Cancellation is not the provider's fault and costs no attempt
			if ctx.Err() != nil {
				job.Outcomes[unit.ID] = batch.OutcomeRetry
				continue
			}
			o.handleTranscriptionFailure(job, unit, err)
			continue
		}

		ready = append(ready, *item)
	}

	return ready
}

// transcribe reads unit from the queue and calls the provider with a bounded context
func (o *Orchestrator) transcribe(ctx context.Context, unit *queue.Unit) (*transcribed, error) {
	data, err := o.queue.Read(unit)
	if err != nil {
		return nil, err
	}

	sampleRate := DefaultSampleRate
	var duration float64

	info, parseErr := audio.ParseWAV(data)
	if parseErr == nil {
		sampleRate = int(info.SampleRate)
		duration = info.Duration
	} else {
		o.logger.Warn("Could not read WAV header, using provider duration",
			slog.String("unit_id", unit.ID),
			slog.String("error", parseErr.Error()),
		)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	if o.metrics != nil {
		o.metrics.RecordTranscriptionRequest()
	}

	startTime := time.Now()
	result, err := o.provider.Transcribe(callCtx, data, sampleRate)
	elapsed := time.Since(startTime)

	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
	}

	if parseErr != nil {
		duration = result.Duration
	}

	o.logger.Debug("Unit transcribed",
		slog.String("unit_id", unit.ID),
		slog.String("owner_id", unit.OwnerID),
		slog.Int("text_length", len(result.Text)),
		slog.Float64("audio_seconds", duration),
		slog.Duration("elapsed", elapsed),
	)

	return &transcribed{unit: unit, result: result, duration: duration}, nil
}

// handleTranscriptionFailure counts the attempt and retires the unit once it has none left
func (o *Orchestrator) handleTranscriptionFailure(job *batch.Job, unit *queue.Unit, cause error) {
	attempts := o.queue.RecordAttempt(unit)

	o.logger.Warn("Transcription failed",
		slog.String("job_id", job.ID),
		slog.String("unit_id", unit.ID),
		slog.Int("attempt", attempts),
		slog.Int("max_attempts", o.config.MaxAttempts),
		slog.String("error", cause.Error()),
	)

	if attempts < o.config.MaxAttempts {
		job.Outcomes[unit.ID] = batch.OutcomeRetry
		return
	}

	if err := o.queue.MarkFailed(job.Lease, unit); err != nil {
		o.logger.Error("Failed to move unit to failed directory",
			slog.String("unit_id", unit.ID),
			slog.String("error", err.Error()),
		)
		job.Outcomes[unit.ID] = batch.OutcomeRetry
		return
	}

	job.Outcomes[unit.ID] = batch.OutcomeFailed
	if o.metrics != nil {
		o.metrics.RecordUnitFailed()
	}
}

// persistAll stores every transcript, deleting each unit only after its write
// is acknowledged. It returns how many transcripts could not be stored.
func (o *Orchestrator) persistAll(ctx context.Context, job *batch.Job, ready []transcribed) (int, error) {
	unpersisted := 0

	for _, item := range ready {
		cost := usage.Cost(item.duration, o.config.RatePerHour)

		record := &storage.Record{
			OwnerID:         item.unit.OwnerID,
			Timestamp:       item.unit.Timestamp(),
			Text:            item.result.Text,
			Confidence:      item.result.Confidence,
			CostUSD:         cost,
			DurationSeconds: item.duration,
			AudioFilename:   item.unit.Filename(),
			Origin:          string(item.unit.Origin),
			Model:           item.result.Model,
			Language:        item.result.Language,
			ReceivedAt:      item.unit.ReceivedAt,
			ProcessedAt:     time.Now().UTC(),
			Environment:     o.config.Environment,
		}

		putCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
		key, err := o.store.Put(putCtx, record)
		cancel()

		if err != nil {
			unpersisted++
			job.Outcomes[item.unit.ID] = batch.OutcomeUnpersisted
			if o.metrics != nil {
				o.metrics.RecordPersistFailure()
			}
			o.logger.Error("Failed to persist transcript",
				slog.String("job_id", job.ID),
				slog.String("unit_id", item.unit.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := o.queue.Delete(job.Lease, item.unit); err != nil {
			if errors.Is(err, queue.ErrClaimConflict) {
				o.logger.Error("Lost claim on unit, aborting job",
					slog.String("job_id", job.ID),
					slog.String("unit_id", item.unit.ID),
					slog.String("error", err.Error()),
				)
				return unpersisted, err
			}
			// The transcript is stored; a retry overwrites the same key
			o.logger.Warn("Failed to delete processed unit",
				slog.String("unit_id", item.unit.ID),
				slog.String("error", err.Error()),
			)
		}

		job.Outcomes[item.unit.ID] = batch.OutcomeStored
		o.accountant.Record(item.duration, cost)
		if o.metrics != nil {
			o.metrics.RecordUsage(item.duration, cost)
		}

		o.logger.Info("Transcript saved",
			slog.String("key", key),
			slog.String("owner_id", item.unit.OwnerID),
			slog.Float64("audio_seconds", item.duration),
			slog.Float64("cost_usd", cost),
		)
	}

	return unpersisted, nil
}
