package intake

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tfolkman/omi-transcription/internal/audio"
	"github.com/tfolkman/omi-transcription/internal/metrics"
	"github.com/tfolkman/omi-transcription/internal/queue"
)

var (
	// ErrEmptyPayload is returned for submissions without audio
	ErrEmptyPayload = errors.New("empty audio payload")

	// ErrInvalidOwner is returned when the owner id cannot be used in file names and object keys
	ErrInvalidOwner = errors.New("invalid owner id")
)

// Device defaults applied when a submission omits its format
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// Request is one audio submission from a device
type Request struct {
	OwnerID    string
	Payload    []byte
	Origin     queue.Origin
	SampleRate int // 0 means DefaultSampleRate
	Channels   int // 0 means DefaultChannels
	BitDepth   int // 0 means DefaultBitDepth
}

// Enqueuer is the part of the queue store intake writes to
type Enqueuer interface {
	Enqueue(ownerID string, origin queue.Origin, payload []byte) (*queue.Unit, error)
	Depth() int
	PendingBytes() int64
}

// Service validates, normalizes and enqueues submissions
type Service struct {
	queue   Enqueuer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates an intake service writing to q
func NewService(q Enqueuer, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{queue: q, logger: logger, metrics: m}
}

// ValidateOwner checks that ownerID is safe to embed in queue file names and storage keys
func ValidateOwner(ownerID string) error {
	if !ownerPattern.MatchString(ownerID) {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, ownerID)
	}
	return nil
}

// Submit accepts a submission. The returned unit is durable once Submit returns.
func (s *Service) Submit(req Request) (*queue.Unit, error) {
	if req.Origin == "" {
		req.Origin = queue.OriginUpload
	}

	unit, err := s.submit(req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordUnitRejected(string(req.Origin), reason(err))
		}
		s.logger.Warn("Audio submission rejected",
			slog.String("owner_id", req.OwnerID),
			slog.String("origin", string(req.Origin)),
			slog.Int("size", len(req.Payload)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordUnitAccepted(string(req.Origin), unit.SizeBytes)
		s.metrics.SetQueue(s.queue.Depth(), s.queue.PendingBytes())
	}

	s.logger.Info("Audio queued",
		slog.String("owner_id", unit.OwnerID),
		slog.String("file", unit.Filename()),
		slog.String("origin", string(unit.Origin)),
		slog.Int64("size", unit.SizeBytes),
	)

	return unit, nil
}

func (s *Service) submit(req Request) (*queue.Unit, error) {
	if err := ValidateOwner(req.OwnerID); err != nil {
		return nil, err
	}

	if len(req.Payload) == 0 {
		return nil, ErrEmptyPayload
	}

	payload, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	return s.queue.Enqueue(req.OwnerID, req.Origin, payload)
}

// normalize wraps stream chunks in a WAV header. Complete uploads are stored
// byte for byte and must already be in a recognized container.
func (s *Service) normalize(req Request) ([]byte, error) {
	if req.Origin == queue.OriginUpload {
		if _, ok := audio.DetectContainer(req.Payload); !ok {
			return nil, audio.ErrUnsupportedContainer
		}
		return req.Payload, nil
	}

	sampleRate, channels, bitDepth := req.SampleRate, req.Channels, req.BitDepth
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if channels == 0 {
		channels = DefaultChannels
	}
	if bitDepth == 0 {
		bitDepth = DefaultBitDepth
	}

	return audio.Normalize(req.Payload, sampleRate, channels, bitDepth)
}

// reason maps a rejection to a metric label
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, audio.ErrInvalidAudioParams):
		return "invalid_audio"
	case errors.Is(err, audio.ErrUnsupportedContainer):
		return "unsupported_container"
	case errors.Is(err, queue.ErrStorageWrite):
		return "storage"
	default:
		return "other"
	}
}
