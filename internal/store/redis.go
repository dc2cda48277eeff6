// Package store writes ingested records to Redis: a latest hash with TTL, a
// capped log stream, and optional daily aggregates.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"

	"feedflow/config"
	"feedflow/logger"
	"feedflow/models"
)

var (
	// ErrMalformedPayload marks a record that is not valid JSON. It is never
	// retried.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrPersistExhausted is returned once every write attempt failed.
	ErrPersistExhausted = errors.New("persist retries exhausted")
)

const (
	logSuffix = ":log"
	seqSuffix = ":seq"
	aggInfix  = ":agg:"

	heartbeatPrefix = "feedflow:heartbeat:"
	heartbeatIndex  = "feedflow:heartbeats"
	aggIndexPrefix  = "feedflow:agg:index:"

	periodLayout = "20060102"
)

// applyLatest overwrites the latest hash and folds the record into the daily
// aggregate, each only when the record's sequence is newer than what is
// stored. Replays of an older or equal sequence are no-ops.
//
// KEYS: latest, aggregate, aggregate index
// ARGV: payload, fetched_at, seq, ttl_ms, aggregate(0|1), agg_ttl_ms
var applyLatest = redis.NewScript(`
local seq = tonumber(ARGV[3])
local written = 0
local cur = tonumber(redis.call('HGET', KEYS[1], 'seq') or '0')
if cur < seq then
	redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'fetched_at', ARGV[2], 'seq', ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	written = 1
end
if ARGV[5] == '1' then
	local last = tonumber(redis.call('HGET', KEYS[2], 'last_seq') or '0')
	if last < seq then
		redis.call('HINCRBY', KEYS[2], 'count', 1)
		redis.call('HSETNX', KEYS[2], 'first_at', ARGV[2])
		redis.call('HSET', KEYS[2], 'last_at', ARGV[2], 'last_seq', ARGV[3], 'last_payload', ARGV[1])
		redis.call('SADD', KEYS[3], KEYS[1])
		if tonumber(ARGV[6]) > 0 then
			redis.call('PEXPIRE', KEYS[2], ARGV[6])
			redis.call('PEXPIRE', KEYS[3], ARGV[6])
		end
	end
end
return written
`)

type Options struct {
	Attempts     int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	AggregateTTL time.Duration
}

// OptionsFrom maps the storage section of the process config.
func OptionsFrom(cfg config.StorageConfig) Options {
	return Options{
		Attempts:     cfg.Persist.Attempts,
		BaseDelay:    cfg.Persist.BaseDelay,
		MaxDelay:     cfg.Persist.MaxDelay,
		AggregateTTL: cfg.Aggregate.TTL,
	}
}

// Store is safe for concurrent use. It does not own the client; the caller
// closes it after every user has stopped.
type Store struct {
	client *redis.Client
	opts   Options
	log    *logger.Log
}

// Connect opens the process-wide client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func New(client *redis.Client, opts Options, log *logger.Log) *Store {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{client: client, opts: opts, log: log}
}

func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// NextSequence returns the next per-key sequence number. Assign it once per
// record and reuse it across retries so replays stay idempotent.
func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	seq, err := s.client.Incr(ctx, key+seqSuffix).Result()
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", key, err)
	}
	return seq, nil
}

// Persist writes rec with bounded retries. A record without a sequence gets
// one first. Malformed payloads fail immediately with ErrMalformedPayload;
// repeated store failures end with ErrPersistExhausted.
func (s *Store) Persist(ctx context.Context, rec models.PersistedRecord, opts models.WriteOptions) (models.PersistedRecord, error) {
	if !json.Valid(rec.Payload) {
		return rec, fmt.Errorf("%w: %s", ErrMalformedPayload, rec.Key)
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	b := &backoff.Backoff{Min: s.opts.BaseDelay, Max: s.opts.MaxDelay, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = s.attempt(ctx, &rec, opts); lastErr == nil {
			logger.IncrementPersisted()
			return rec, nil
		}
		if attempt >= s.opts.Attempts || ctx.Err() != nil {
			break
		}
		s.log.WithComponent("store").WithFields(logger.Fields{
			"key":      rec.Key,
			"sequence": rec.Sequence,
			"attempt":  attempt,
		}).WithError(lastErr).Debug("write failed, retrying")
		select {
		case <-ctx.Done():
		case <-time.After(b.Duration()):
		}
	}
	return rec, fmt.Errorf("%w: %s: %v", ErrPersistExhausted, rec.Key, lastErr)
}

func (s *Store) attempt(ctx context.Context, rec *models.PersistedRecord, opts models.WriteOptions) error {
	if rec.Sequence == 0 {
		seq, err := s.NextSequence(ctx, rec.Key)
		if err != nil {
			return err
		}
		rec.Sequence = seq
	}
	return s.write(ctx, *rec, opts)
}

// write performs one attempt. The log entry id is the sequence, so Redis
// rejects a replay and the replay is reported as success.
func (s *Store) write(ctx context.Context, rec models.PersistedRecord, opts models.WriteOptions) error {
	fetchedAt := rec.FetchedAt.UTC().Format(time.RFC3339Nano)
	args := &redis.XAddArgs{
		Stream: rec.Key + logSuffix,
		ID:     strconv.FormatInt(rec.Sequence, 10) + "-0",
		Values: []interface{}{"payload", string(rec.Payload), "fetched_at", fetchedAt, "seq", rec.Sequence},
	}
	if opts.MaxLogLength > 0 {
		args.MaxLen = opts.MaxLogLength
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil && !isReplay(err) {
		return fmt.Errorf("append %s: %w", args.Stream, err)
	}

	aggregate := "0"
	if opts.Aggregate {
		aggregate = "1"
	}
	period := rec.FetchedAt.UTC().Format(periodLayout)
	keys := []string{rec.Key, AggregateKey(rec.Key, period), aggIndexPrefix + period}
	err := applyLatest.Run(ctx, s.client, keys,
		string(rec.Payload), fetchedAt, rec.Sequence,
		opts.TTL.Milliseconds(), aggregate, s.opts.AggregateTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("update latest %s: %w", rec.Key, err)
	}
	return nil
}

func isReplay(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller than the target stream top item")
}

// AggregateKey names the aggregate hash of key for a YYYYMMDD period.
func AggregateKey(key, period string) string {
	return key + aggInfix + period
}

// Latest reads the latest hash of key. It returns redis.Nil when the key has
// expired or was never written.
func (s *Store) Latest(ctx context.Context, key string) (models.PersistedRecord, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return models.PersistedRecord{}, err
	}
	if len(fields) == 0 {
		return models.PersistedRecord{}, redis.Nil
	}
	rec := models.PersistedRecord{Key: key, Payload: []byte(fields["payload"])}
	rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, fields["fetched_at"])
	rec.Sequence, _ = strconv.ParseInt(fields["seq"], 10, 64)
	return rec, nil
}

// LatestFetchedAt returns fetched_at for every key that still has a latest
// hash. Used to seed the scheduler after a restart.
func (s *Store) LatestFetchedAt(ctx context.Context, keys []string) (map[string]time.Time, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, "fetched_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]time.Time, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil {
			continue
		}
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out[keys[i]] = at
		}
	}
	return out, nil
}

// Log returns up to count of the newest log entries of key, oldest first.
func (s *Store) Log(ctx context.Context, key string, count int64) ([]models.PersistedRecord, error) {
	msgs, err := s.client.XRevRangeN(ctx, key+logSuffix, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.PersistedRecord, len(msgs))
	for i, msg := range msgs {
		rec := models.PersistedRecord{Key: key}
		if v, ok := msg.Values["payload"].(string); ok {
			rec.Payload = []byte(v)
		}
		if v, ok := msg.Values["fetched_at"].(string); ok {
			rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
		if v, ok := msg.Values["seq"].(string); ok {
			rec.Sequence, _ = strconv.ParseInt(v, 10, 64)
		}
		out[len(msgs)-1-i] = rec
	}
	return out, nil
}

func (s *Store) LogLength(ctx context.Context, key string) (int64, error) {
	return s.client.XLen(ctx, key+logSuffix).Result()
}
