package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"feedflow/models"
)

// SourceStatus is the persisted view of one source, read back by the status
// command.
type SourceStatus struct {
	models.Heartbeat
	State         string    `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// WriteHeartbeats stores one hash per source under feedflow:heartbeat:<source>.
func (s *Store) WriteHeartbeats(ctx context.Context, snaps []models.CircuitSnapshot, now time.Time) error {
	if len(snaps) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, snap := range snaps {
			pipe.HSet(ctx, heartbeatPrefix+snap.Source,
				"last_success_at", formatTime(snap.LastSuccessAt),
				"last_failure_at", formatTime(snap.LastFailureAt),
				"consecutive_failures", snap.ConsecutiveFailures,
				"state", snap.State.String(),
				"cooldown_until", formatTime(snap.CooldownUntil),
				"reason", snap.Reason,
				"updated_at", formatTime(now),
			)
			pipe.SAdd(ctx, heartbeatIndex, snap.Source)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write heartbeats: %w", err)
	}
	return nil
}

// LastRun reads every stored heartbeat, sorted by source.
func (s *Store) LastRun(ctx context.Context) ([]SourceStatus, error) {
	sources, err := s.client.SMembers(ctx, heartbeatIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	sort.Strings(sources)

	out := make([]SourceStatus, 0, len(sources))
	for _, source := range sources {
		fields, err := s.client.HGetAll(ctx, heartbeatPrefix+source).Result()
		if err != nil {
			return nil, fmt.Errorf("read heartbeat %s: %w", source, err)
		}
		if len(fields) == 0 {
			continue
		}
		failures, _ := strconv.Atoi(fields["consecutive_failures"])
		out = append(out, SourceStatus{
			Heartbeat: models.Heartbeat{
				Source:              source,
				LastSuccessAt:       parseTime(fields["last_success_at"]),
				LastFailureAt:       parseTime(fields["last_failure_at"]),
				ConsecutiveFailures: failures,
			},
			State:         fields["state"],
			CooldownUntil: parseTime(fields["cooldown_until"]),
			Reason:        fields["reason"],
			UpdatedAt:     parseTime(fields["updated_at"]),
		})
	}
	return out, nil
}
