package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tfolkman/omi-transcription/internal/metrics"
)

const (
	// DefaultInterval is the time between scheduled flushes
	DefaultInterval = 120 * time.Second
	// DefaultThresholdBytes is the pending size that forces an early flush
	DefaultThresholdBytes = 20 * 1024 * 1024
)

// ErrNotRunning is returned by Stop when the loop was never started
var ErrNotRunning = errors.New("scheduler not running")

// Config controls when batch jobs are started
type Config struct {
	Interval       time.Duration
	ThresholdBytes int64
}

// Scheduler decides when the queue is flushed. A single loop waits on the
// interval timer, the size trigger and shutdown; jobs run inside the loop so
// at most one scheduled job is in flight.
type Scheduler struct {
	queue   Queue
	runner  Runner
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	trigger chan struct{}
	runMu   sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastJob *Job
}

// NewScheduler creates a scheduler; zero config values take the defaults
func NewScheduler(q Queue, runner Runner, config Config, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.ThresholdBytes <= 0 {
		config.ThresholdBytes = DefaultThresholdBytes
	}

	return &Scheduler{
		queue:   q,
		runner:  runner,
		config:  config,
		logger:  logger,
		metrics: m,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks for a size-threshold flush. It never blocks; signals sent
// while one is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the scheduling loop. It stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	s.logger.Info("Batch scheduler started",
		slog.Duration("interval", s.config.Interval),
		slog.Int64("threshold_bytes", s.config.ThresholdBytes),
	)
	return nil
}

// Stop cancels the loop and waits for the current job to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return ErrNotRunning
	}

	cancel()
	<-done

	s.logger.Info("Batch scheduler stopped")
	return nil
}

// loop is the single scheduling goroutine
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		var trigger Trigger

		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			trigger = TriggerTimeElapsed

		case <-s.trigger:
			// The job that ran since the signal may already have drained the queue
			if pending := s.queue.PendingBytes(); pending < s.config.ThresholdBytes {
				s.logger.Debug("Size trigger below threshold, skipping",
					slog.Int64("pending_bytes", pending),
				)
				continue
			}
			trigger = TriggerSizeThreshold
		}

		if _, err := s.runOnce(ctx, trigger); err != nil {
			s.logger.Error("Batch job failed",
				slog.String("trigger", string(trigger)),
				slog.String("error", err.Error()),
			)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.config.Interval)
	}
}

// FlushNow runs a manual job immediately, serialized with scheduled jobs.
// It returns nil and no error when nothing is pending.
func (s *Scheduler) FlushNow(ctx context.Context) (*Job, error) {
	return s.runOnce(ctx, TriggerManual)
}

// runOnce claims everything pending and hands it to the runner
func (s *Scheduler) runOnce(ctx context.Context, trigger Trigger) (*Job, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	pending, err := s.queue.ListPending()
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		s.logger.Debug("No pending units", slog.String("trigger", string(trigger)))
		return nil, nil
	}

	lease, err := s.queue.Claim(pending)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          uuid.NewString(),
		TriggeredBy: trigger,
		Units:       pending,
		Lease:       lease,
		Status:      StatusClaimed,
		CreatedAt:   time.Now(),
		Outcomes:    make(map[string]Outcome, len(pending)),
	}

	s.logger.Info("Starting batch job",
		slog.String("job_id", job.ID),
		slog.String("trigger", string(trigger)),
		slog.Int("units", len(pending)),
	)

	startTime := time.Now()
	runErr := s.runner.Run(ctx, job)
	s.queue.Release(lease)
	duration := time.Since(startTime)

	if runErr != nil && job.Status != StatusFailed {
		job.Status = StatusFailed
	}

	if s.metrics != nil {
		s.metrics.RecordBatchJob(string(trigger), string(job.Status), len(pending), duration.Seconds())
		s.metrics.SetQueue(s.queue.Depth(), s.queue.PendingBytes())
	}

	s.logger.Info("Batch job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.Duration("duration", duration),
	)

	s.mu.Lock()
	s.lastJob = job
	s.mu.Unlock()

	return job, runErr
}

// LastJob returns the most recently finished job, if any
func (s *Scheduler) LastJob() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJob
}

// Config returns the effective scheduler configuration
func (s *Scheduler) Config() Config {
	return s.config
}
