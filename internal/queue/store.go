package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStorageWrite is returned when a unit cannot be written to the queue directory
	ErrStorageWrite = errors.New("queue storage write failed")

	// ErrClaimConflict is returned when a unit is already held by another lease
	ErrClaimConflict = errors.New("unit already claimed")

	// ErrUnknownUnit is returned for units that are not in the store
	ErrUnknownUnit = errors.New("unknown unit")
)

const (
	fileExt   = ".wav"
	tmpExt    = ".tmp"
	failedDir = "failed"
)

// Origin records how a unit arrived at the service
type Origin string

const (
	// OriginUpload is a complete file uploaded by the device
	OriginUpload Origin = "upload"
	// OriginStreamChunk is a raw PCM chunk wrapped in a WAV header on intake
	OriginStreamChunk Origin = "stream-chunk"
)

// filePrefix maps an origin to its queue file name prefix
func (o Origin) filePrefix() string {
	if o == OriginStreamChunk {
		return "stream"
	}
	return "audio"
}

// Unit is one queued recording
type Unit struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	ReceivedAt time.Time `json:"received_at"`
	Origin     Origin    `json:"origin"`
	SizeBytes  int64     `json:"size_bytes"`
	Path       string    `json:"-"`
}

// Timestamp is the arrival time in Unix nanoseconds, unique within the store
func (u *Unit) Timestamp() int64 {
	return u.ReceivedAt.UnixNano()
}

// Filename returns the queue file name of the unit
func (u *Unit) Filename() string {
	return filepath.Base(u.Path)
}

// Lease is an exclusive hold on a set of units
type Lease struct {
	ID    string
	units map[string]struct{}
}

// Len returns the number of units still held by the lease
func (l *Lease) Len() int {
	return len(l.units)
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending      int   `json:"pending_files"`
	PendingBytes int64 `json:"pending_bytes"`
	Claimed      int   `json:"claimed_files"`
	Failed       int   `json:"failed_files"`
}

// Store is a directory-backed queue of audio units. Files on disk are the only
// durable state; claims live in memory so a restart returns every unit to pending.
type Store struct {
	dir    string
	logger *slog.Logger

	mu           sync.Mutex
	units        map[string]*Unit
	claims       map[string]string // unit id -> lease id
	attempts     map[string]int
	pendingBytes int64
	failed       int
	lastStamp    int64

	threshold int64
	notify    func()
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithThreshold calls notify after an enqueue leaves at least bytes pending
func WithThreshold(bytes int64, notify func()) Option {
	return func(s *Store) {
		s.threshold = bytes
		s.notify = notify
	}
}

// WithClock overrides the arrival clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the queue directory, creating it if needed
func Open(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, failedDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		logger:   logger,
		units:    make(map[string]*Unit),
		claims:   make(map[string]string),
		attempts: make(map[string]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.logger.Info("Queue store opened",
		slog.String("dir", dir),
		slog.Int("pending_files", len(s.units)),
		slog.Int64("pending_bytes", s.pendingBytes),
	)

	return s, nil
}

// load rebuilds the in-memory index from the queue directory
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read queue directory %s: %w", s.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, tmpExt) {
			// interrupted write, never acknowledged to the device
			if err := os.Remove(path); err != nil {
				s.logger.Warn("Failed to remove partial queue file",
					slog.String("file", name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		unit, err := parseFilename(name)
		if err != nil {
			s.logger.Warn("Ignoring unrecognized file in queue directory", slog.String("file", name))
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}

		unit.Path = path
		unit.SizeBytes = info.Size()
		s.units[unit.ID] = unit
		s.pendingBytes += unit.SizeBytes

		if stamp := unit.Timestamp(); stamp > s.lastStamp {
			s.lastStamp = stamp
		}
	}

	failed, err := os.ReadDir(filepath.Join(s.dir, failedDir))
	if err == nil {
		s.failed = len(failed)
	}

	return nil
}

// parseFilename extracts owner, origin and arrival time from {prefix}_{owner}_{nanos}.wav.
// Owners may themselves contain underscores.
func parseFilename(name string) (*Unit, error) {
	if !strings.HasSuffix(name, fileExt) {
		return nil, fmt.Errorf("not a queue file: %s", name)
	}
	base := strings.TrimSuffix(name, fileExt)

	first := strings.Index(base, "_")
	last := strings.LastIndex(base, "_")
	if first < 0 || last <= first+1 {
		return nil, fmt.Errorf("malformed queue file name: %s", name)
	}

	var origin Origin
	switch base[:first] {
	case "audio":
		origin = OriginUpload
	case "stream":
		origin = OriginStreamChunk
	default:
		return nil, fmt.Errorf("unknown queue file prefix: %s", name)
	}

	stamp, err := strconv.ParseInt(base[last+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp in %s: %w", name, err)
	}

	return &Unit{
		ID:         base,
		OwnerID:    base[first+1 : last],
		ReceivedAt: time.Unix(0, stamp).UTC(),
		Origin:     origin,
	}, nil
}

// nextStamp returns a store-wide strictly increasing arrival timestamp
func (s *Store) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.now().UnixNano()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp
	return stamp
}

// Enqueue durably writes payload as a new pending unit for ownerID
func (s *Store) Enqueue(ownerID string, origin Origin, payload []byte) (*Unit, error) {
	stamp := s.nextStamp()
	id := fmt.Sprintf("%s_%s_%d", origin.filePrefix(), ownerID, stamp)
	path := filepath.Join(s.dir, id+fileExt)

	if err := writeFileAtomic(path, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	unit := &Unit{
		ID:         id,
		OwnerID:    ownerID,
		ReceivedAt: time.Unix(0, stamp).UTC(),
		Origin:     origin,
		SizeBytes:  int64(len(payload)),
		Path:       path,
	}

	s.mu.Lock()
	s.units[id] = unit
	s.pendingBytes += unit.SizeBytes
	crossed := s.notify != nil && s.threshold > 0 && s.pendingBytes >= s.threshold
	s.mu.Unlock()

	if crossed {
		s.notify()
	}

	return unit, nil
}

// writeFileAtomic writes to a temporary file and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpExt

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}

// ListPending returns unclaimed units ordered by arrival time
func (s *Store) ListPending() ([]*Unit, error) {
	s.mu.Lock()
	pending := make([]*Unit, 0, len(s.units))
	for id, unit := range s.units {
		if _, claimed := s.claims[id]; !claimed {
			u := *unit
			pending = append(pending, &u)
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ReceivedAt.Equal(pending[j].ReceivedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})

	return pending, nil
}

// Claim atomically takes an exclusive lease on units. Either every unit is
// claimed or none is.
func (s *Store) Claim(units []*Unit) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, unit := range units {
		if _, ok := s.units[unit.ID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unit.ID)
		}
		if _, claimed := s.claims[unit.ID]; claimed {
			return nil, fmt.Errorf("%w: %s", ErrClaimConflict, unit.ID)
		}
	}

	lease := &Lease{
		ID:    uuid.NewString(),
		units: make(map[string]struct{}, len(units)),
	}

	for _, unit := range units {
		if _, dup := lease.units[unit.ID]; dup {
			continue
		}
		lease.units[unit.ID] = struct{}{}
		s.claims[unit.ID] = lease.ID
		s.pendingBytes -= s.units[unit.ID].SizeBytes
	}

	return lease, nil
}

// Release returns every unit still held by lease to pending
func (s *Store) Release(lease *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range lease.units {
		if s.claims[id] != lease.ID {
			continue
		}
		delete(s.claims, id)
		if unit, ok := s.units[id]; ok {
			s.pendingBytes += unit.SizeBytes
		}
	}
	lease.units = make(map[string]struct{})
}

// Delete permanently removes units held by lease. Callers must only delete
// units whose results are durably stored elsewhere.
func (s *Store) Delete(lease *Lease, units ...*Unit) error {
	for _, unit := range units {
		if err := s.remove(lease, unit, func(path string) error {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed moves a unit held by lease out of the queue into the failed directory
func (s *Store) MarkFailed(lease *Lease, unit *Unit) error {
	err := s.remove(lease, unit, func(path string) error {
		return os.Rename(path, filepath.Join(s.dir, failedDir, filepath.Base(path)))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.failed++
	s.mu.Unlock()

	s.logger.Warn("Unit permanently failed",
		slog.String("unit_id", unit.ID),
		slog.String("owner_id", unit.OwnerID),
	)

	return nil
}

// remove checks lease ownership, applies op to the file and drops the unit from the index
func (s *Store) remove(lease *Lease, unit *Unit, op func(path string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.units[unit.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unit.ID)
	}

	if s.claims[unit.ID] != lease.ID {
		return fmt.Errorf("%w: %s is not held by lease %s", ErrClaimConflict, unit.ID, lease.ID)
	}

	if err := op(stored.Path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", unit.ID, err)
	}

	delete(s.units, unit.ID)
	delete(s.claims, unit.ID)
	delete(s.attempts, unit.ID)
	delete(lease.units, unit.ID)

	return nil
}

// Read returns the stored payload of unit
func (s *Store) Read(unit *Unit) ([]byte, error) {
	s.mu.Lock()
	stored, ok := s.units[unit.ID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unit.ID)
	}

	data, err := os.ReadFile(stored.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", unit.ID, err)
	}
	return data, nil
}

// RecordAttempt increments and returns the number of failed transcription
// attempts for unit. Counts are kept in memory only.
func (s *Store) RecordAttempt(unit *Unit) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[unit.ID]++
	return s.attempts[unit.ID]
}

// Depth returns the number of pending (unclaimed) units
func (s *Store) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units) - len(s.claims)
}

// PendingBytes returns the total size of pending units
func (s *Store) PendingBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}

// GetStats returns queue statistics
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending:      len(s.units) - len(s.claims),
		PendingBytes: s.pendingBytes,
		Claimed:      len(s.claims),
		Failed:       s.failed,
	}
}

// Dir returns the queue directory
func (s *Store) Dir() string {
	return s.dir
}
