package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Aggregate is one key's daily roll-up.
type Aggregate struct {
	Key         string
	Period      string
	Count       int64
	FirstAt     time.Time
	LastAt      time.Time
	LastSeq     int64
	LastPayload string
}

// Period formats t as the aggregate period it falls in.
func Period(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// AggregateIndex lists the keys that have an aggregate for period.
func (s *Store) AggregateIndex(ctx context.Context, period string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, aggIndexPrefix+period).Result()
	if err != nil {
		return nil, fmt.Errorf("aggregate index %s: %w", period, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Aggregates reads every aggregate of period, sorted by key. Keys whose hash
// already expired are skipped.
func (s *Store) Aggregates(ctx context.Context, period string) ([]Aggregate, error) {
	keys, err := s.AggregateIndex(ctx, period)
	if err != nil {
		return nil, err
	}
	out := make([]Aggregate, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, AggregateKey(key, period)).Result()
		if err != nil {
			return nil, fmt.Errorf("read aggregate %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		agg := Aggregate{
			Key:         key,
			Period:      period,
			FirstAt:     parseTime(fields["first_at"]),
			LastAt:      parseTime(fields["last_at"]),
			LastPayload: fields["last_payload"],
		}
		agg.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
		agg.LastSeq, _ = strconv.ParseInt(fields["last_seq"], 10, 64)
		out = append(out, agg)
	}
	return out, nil
}
