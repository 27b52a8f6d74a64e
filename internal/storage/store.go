package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrWrite is returned when a transcript cannot be persisted
var ErrWrite = errors.New("transcript storage write failed")

// KeyPrefix is the root of every transcript object key
const KeyPrefix = "transcripts/"

// Record is the JSON document persisted for one transcribed audio unit
type Record struct {
	OwnerID         string    `json:"owner_id"`
	Timestamp       int64     `json:"timestamp"` // arrival time, Unix nanoseconds
	Text            string    `json:"text"`
	Confidence      *float64  `json:"confidence"`
	CostUSD         float64   `json:"cost_usd"`
	DurationSeconds float64   `json:"duration_seconds"`
	AudioFilename   string    `json:"audio_filename,omitempty"`
	Origin          string    `json:"origin,omitempty"`
	Model           string    `json:"model,omitempty"`
	Language        string    `json:"language,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
	ProcessedAt     time.Time `json:"processed_at"`
	Environment     string    `json:"environment,omitempty"`
}

// Key returns the deterministic object key of the record
func (r *Record) Key() string {
	return Key(r.OwnerID, r.Timestamp)
}

// Key builds transcripts/{owner_id}/{arrival_timestamp}.json
func Key(ownerID string, timestamp int64) string {
	return KeyPrefix + ownerID + "/" + strconv.FormatInt(timestamp, 10) + ".json"
}

// OwnerPrefix is the key prefix holding all transcripts of ownerID
func OwnerPrefix(ownerID string) string {
	return KeyPrefix + ownerID + "/"
}

// timestampFromKey extracts the arrival timestamp from an object key
func timestampFromKey(key string) (int64, bool) {
	name := key[strings.LastIndex(key, "/")+1:]
	stamp, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	return stamp, err == nil
}

// sortKeys orders keys by arrival timestamp; keys without one sort last by name
func sortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, okA := timestampFromKey(keys[i])
		b, okB := timestampFromKey(keys[j])
		switch {
		case okA && okB && a != b:
			return a < b
		case okA != okB:
			return okA
		default:
			return keys[i] < keys[j]
		}
	})
}

// selectKeys sorts keys by arrival and keeps limit of them, oldest first or
// newest first. limit <= 0 keeps all.
func selectKeys(keys []string, limit int, newest bool) []string {
	sortKeys(keys)

	if newest {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// Store persists transcript records and reads them back per owner
type Store interface {
	// Put writes record at its key, overwriting any previous version
	Put(ctx context.Context, record *Record) (string, error)
	// List returns up to limit records of ownerID ordered by arrival time.
	// limit <= 0 returns everything. No records is not an error.
	List(ctx context.Context, ownerID string, limit int) ([]*Record, error)
	// ListRecent is List ordered newest first
	ListRecent(ctx context.Context, ownerID string, limit int) ([]*Record, error)
	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
	// Name describes the backend
	Name() string
}

// MemoryStore keeps transcripts in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	puts    int
}

// NewMemoryStore creates an empty in-memory transcript store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put stores a copy of record
func (m *MemoryStore) Put(ctx context.Context, record *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	key := record.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = *record
	m.puts++

	return key, nil
}

// List returns the records stored under the owner's prefix
func (m *MemoryStore) List(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	return m.list(ownerID, limit, false), nil
}

// ListRecent returns the newest records stored under the owner's prefix
func (m *MemoryStore) ListRecent(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	return m.list(ownerID, limit, true), nil
}

func (m *MemoryStore) list(ownerID string, limit int, newest bool) []*Record {
	prefix := OwnerPrefix(ownerID)

	m.mu.RLock()
	keys := make([]string, 0)
	for key := range m.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	keys = selectKeys(keys, limit, newest)

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := m.records[key]; ok {
			records = append(records, &rec)
		}
	}

	return records
}

// Get returns the record stored at key
func (m *MemoryStore) Get(key string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return &rec, true
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Puts returns how many writes were accepted, overwrites included
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Name describes the backend
func (m *MemoryStore) Name() string {
	return "memory"
}
