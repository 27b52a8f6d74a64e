package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// R2Config contains Cloudflare R2 (or any S3-compatible) connection settings
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string // overrides {account_id}.r2.cloudflarestorage.com
	Secure          bool
	Transport       http.RoundTripper
}

// R2Store persists transcripts as JSON objects in an S3-compatible bucket
type R2Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewR2Store creates a client for the configured bucket
func NewR2Store(cfg R2Config, logger *slog.Logger) (*R2Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("account_id or endpoint is required")
		}
		endpoint = fmt.Sprintf("%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.Secure,
		Region:       "auto",
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create R2 client: %w", err)
	}

	logger.Info("R2 storage initialized",
		slog.String("endpoint", endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &R2Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Put uploads record as JSON at its deterministic key
func (s *R2Store) Put(ctx context.Context, record *Record) (string, error) {
	key := record.Key()

	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode %s: %v", ErrWrite, key, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWrite, key, err)
	}

	s.logger.Debug("Saved transcript to R2", slog.String("key", key))
	return key, nil
}

// List reads up to limit transcripts of ownerID in arrival order
func (s *R2Store) List(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	return s.list(ctx, ownerID, limit, false)
}

// ListRecent reads the newest limit transcripts of ownerID
func (s *R2Store) ListRecent(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	return s.list(ctx, ownerID, limit, true)
}

// list enumerates keys under the owner prefix and fetches only the selected ones
func (s *R2Store) list(ctx context.Context, ownerID string, limit int, newest bool) ([]*Record, error) {
	var keys []string

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    OwnerPrefix(ownerID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list transcripts for %s: %w", ownerID, obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	keys = selectKeys(keys, limit, newest)

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.get(ctx, key)
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchKey" {
				s.logger.Warn("Transcript disappeared while listing", slog.String("key", key))
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

// get fetches and decodes a single transcript
func (s *R2Store) get(ctx context.Context, key string) (*Record, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode transcript %s: %w", key, err)
	}
	return &rec, nil
}

// Ping checks that the bucket exists and is reachable
func (s *R2Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Name describes the backend
func (s *R2Store) Name() string {
	return "r2:" + s.bucket
}
