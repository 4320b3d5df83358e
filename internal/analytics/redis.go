// Package analytics keeps hourly dispatch run totals in Redis.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
)

// DefaultRetention is how long an hourly bucket is kept.
const DefaultRetention = 7 * 24 * time.Hour

// FailureRecorder counts failed writes. Optional.
type FailureRecorder interface {
	AnalyticsWriteFailed()
}

// Bucket fields.
const (
	FieldRuns           = "runs"
	FieldProcessed      = "processed"
	FieldSent           = "sent"
	FieldSkipped        = "skipped"
	FieldFailed         = "failed"
	FieldCommitRaces    = "commit_races"
	FieldCommitFailures = "commit_failures"
	FieldVanished       = "vanished"
	FieldInterrupted    = "interrupted"
)

// RedisSink aggregates run results into one hash per UTC hour.
type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
	log       *zap.Logger
	metrics   FailureRecorder
}

func NewRedisSink(client redis.Cmdable, retention time.Duration, log *zap.Logger) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSink{client: client, retention: retention, log: log}
}

// WithMetrics attaches a failure counter.
func (s *RedisSink) WithMetrics(m FailureRecorder) *RedisSink {
	s.metrics = m
	return s
}

// Record adds result to the bucket for at. Errors are logged and counted,
// never returned: analytics must not affect a run.
func (s *RedisSink) Record(ctx context.Context, at time.Time, result dispatcher.RunResult) {
	if err := s.write(ctx, at, result); err != nil {
		s.log.Warn("analytics write failed", zap.Time("at", at), zap.Error(err))
		if s.metrics != nil {
			s.metrics.AnalyticsWriteFailed()
		}
	}
}

func (s *RedisSink) write(ctx context.Context, at time.Time, result dispatcher.RunResult) error {
	key := BucketKey(at)

	interrupted := 0
	if result.Interrupted {
		interrupted = 1
	}

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, FieldRuns, 1)
	pipe.HIncrBy(ctx, key, FieldProcessed, int64(result.Processed))
	pipe.HIncrBy(ctx, key, FieldSent, int64(result.Sent))
	pipe.HIncrBy(ctx, key, FieldSkipped, int64(result.Skipped))
	pipe.HIncrBy(ctx, key, FieldFailed, int64(result.Failed))
	pipe.HIncrBy(ctx, key, FieldCommitRaces, int64(result.CommitRaces))
	pipe.HIncrBy(ctx, key, FieldCommitFailures, int64(result.CommitFailures))
	pipe.HIncrBy(ctx, key, FieldVanished, int64(result.Vanished))
	pipe.HIncrBy(ctx, key, FieldInterrupted, int64(interrupted))
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Hour returns the totals for the UTC hour containing t. A missing bucket
// yields an empty map.
func (s *RedisSink) Hour(ctx context.Context, t time.Time) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, BucketKey(t)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

// BucketKey returns the hash key for the UTC hour containing t.
func BucketKey(t time.Time) string {
	return "quiethours:runs:" + t.UTC().Format("2006010215")
}
