package batch

import (
	"context"
	"time"

	"github.com/tfolkman/omi-transcription/internal/queue"
)

// Trigger identifies what started a batch job
type Trigger string

const (
	TriggerTimeElapsed   Trigger = "time-elapsed"
	TriggerSizeThreshold Trigger = "size-threshold"
	TriggerManual        Trigger = "manual"
)

// Status is the lifecycle state of a batch job
type Status string

const (
	StatusClaimed      Status = "claimed"
	StatusTranscribing Status = "transcribing"
	StatusPersisting   Status = "persisting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Job is one pass over the units claimed from the queue
type Job struct {
	ID          string             `json:"id"`
	TriggeredBy Trigger            `json:"triggered_by"`
	Units       []*queue.Unit      `json:"units"`
	Lease       *queue.Lease       `json:"-"`
	Status      Status             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	Outcomes    map[string]Outcome `json:"outcomes,omitempty"` // unit id -> outcome
}

// Outcome is what happened to a single unit of a job
type Outcome string

const (
	// OutcomeStored means the transcript was persisted and the unit deleted
	OutcomeStored Outcome = "stored"
	// OutcomeRetry means transcription failed and the unit returns to pending
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed means the unit ran out of attempts and was moved aside
	OutcomeFailed Outcome = "failed"
	// OutcomeUnpersisted means the transcript could not be stored
	OutcomeUnpersisted Outcome = "unpersisted"
)

// Runner processes a claimed job to completion. Units still held by the
// job's lease when Run returns are released back to pending.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Queue is the part of the queue store the scheduler needs
type Queue interface {
	ListPending() ([]*queue.Unit, error)
	Claim(units []*queue.Unit) (*queue.Lease, error)
	Release(lease *queue.Lease)
	PendingBytes() int64
	Depth() int
}
