package usage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldFiles   = "files_processed"
	fieldSeconds = "audio_seconds"
	fieldCost    = "cost_usd"
)

// RedisStore keeps monthly usage in a hash per period (usage:{YYYY-MM})
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. prefix defaults to "usage:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "usage:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(period string) string {
	return s.prefix + period
}

// Add increments the period counters in a single transaction
func (s *RedisStore) Add(ctx context.Context, period string, files int64, seconds, costUSD float64) error {
	key := s.key(period)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldFiles, files)
		pipe.HIncrByFloat(ctx, key, fieldSeconds, seconds)
		pipe.HIncrByFloat(ctx, key, fieldCost, costUSD)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return nil
}

// Load reads the period counters
func (s *RedisStore) Load(ctx context.Context, period string) (Record, bool, error) {
	key := s.key(period)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec := Record{PeriodKey: period}

	if v, ok := fields[fieldFiles]; ok {
		if rec.FilesProcessed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Record{}, false, fmt.Errorf("invalid %s in %s: %w", fieldFiles, key, err)
		}
	}
	if v, ok := fields[fieldSeconds]; ok {
		if rec.AudioSecondsTotal, err = strconv.ParseFloat(v, 64); err != nil {
			return Record{}, false, fmt.Errorf("invalid %s in %s: %w", fieldSeconds, key, err)
		}
	}
	if v, ok := fields[fieldCost]; ok {
		if rec.CostUSDTotal, err = strconv.ParseFloat(v, 64); err != nil {
			return Record{}, false, fmt.Errorf("invalid %s in %s: %w", fieldCost, key, err)
		}
	}

	return rec, true, nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
