// Package analytics keeps cheap per-area outcome counters in redis so the
// API can answer "how is this area doing" without scanning the ledger.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	return &RedisSink{client: client, window: window, retention: retention}
}

// Record increments the outcome counter for the area's current bucket.
func (s *RedisSink) Record(ctx context.Context, areaID uuid.UUID, outcome string, at time.Time) error {
	key := buildKey(areaID.String(), outcome, at, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// OutcomeCounts returns the counters for one area across the buckets that
// cover [from, to].
func (s *RedisSink) OutcomeCounts(ctx context.Context, areaID uuid.UUID, outcomes []string, from, to time.Time) (map[string]int64, error) {
	counts := make(map[string]int64, len(outcomes))
	for _, outcome := range outcomes {
		var total int64
		for t := from; !t.After(to); t = t.Add(s.window) {
			key := buildKey(areaID.String(), outcome, t, s.window)
			n, err := s.client.Get(ctx, key).Int64()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis get %s: %w", key, err)
			}
			total += n
		}
		counts[outcome] = total
	}
	return counts, nil
}

func buildKey(areaID, outcome string, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("a:%s:o:%s:%s", areaID, outcome, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
