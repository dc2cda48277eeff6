package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS uw_rest_history (
	endpoint    TEXT        NOT NULL,
	symbol      TEXT        NOT NULL DEFAULT '',
	fetched_at  TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (endpoint, symbol, fetched_at)
)`

const insertHistory = `
INSERT INTO uw_rest_history (endpoint, symbol, fetched_at, payload)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (endpoint, symbol, fetched_at)
DO UPDATE SET payload = EXCLUDED.payload, ingested_at = NOW()`

// BatchSender is the part of pgxpool.Pool the history sink writes through.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer runs schema statements.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConnectHistory opens the history pool and checks it answers.
func ConnectHistory(ctx context.Context, cfg config.HistoryConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse history url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create history pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	return pool, nil
}

// EnsureHistorySchema creates the history table when it is missing.
func EnsureHistorySchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("create uw_rest_history: %w", err)
	}
	return nil
}

// History keeps every successfully fetched REST payload in Postgres. Record
// never blocks the pipeline; rows beyond the buffer are dropped and counted.
type History struct {
	db       BatchSender
	rows     chan models.HistoryRecord
	size     int
	interval time.Duration
	log      *logger.Log

	written int64
	flushes int64
	errors  int64
	dropped atomic.Int64
}

func NewHistory(db BatchSender, cfg config.HistoryConfig, log *logger.Log) *History {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &History{
		db:       db,
		rows:     make(chan models.HistoryRecord, cfg.Buffer),
		size:     cfg.BatchSize,
		interval: cfg.FlushInterval,
		log:      log,
	}
}

func (h *History) Record(rec models.HistoryRecord) {
	select {
	case h.rows <- rec:
	default:
		h.dropped.Add(1)
		logger.IncrementDropped()
		metrics.EmitDropMetric(h.log, metrics.DropMetricSink, "", rec.Endpoint, rec.Symbol, "history")
	}
}

// Run batches queued rows by size or interval until ctx is cancelled, then
// writes what is left with a short deadline.
func (h *History) Run(ctx context.Context) {
	log := h.log.WithComponent("history")
	log.WithFields(logger.Fields{
		"batch_size":     h.size,
		"flush_interval": h.interval.String(),
	}).Info("history sink started")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	batch := make([]models.HistoryRecord, 0, h.size)
	for {
		select {
		case rec := <-h.rows:
			batch = append(batch, rec)
			if len(batch) >= h.size {
				h.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			h.flush(ctx, batch)
			batch = batch[:0]
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case rec := <-h.rows:
					batch = append(batch, rec)
					if len(batch) >= h.size {
						h.flush(drain, batch)
						batch = batch[:0]
					}
				default:
					h.flush(drain, batch)
					metrics.ReportSink(h.log, "history", h.Stats())
					log.Info("history sink stopped")
					return
				}
			}
		}
	}
}

func (h *History) flush(ctx context.Context, rows []models.HistoryRecord) {
	if len(rows) == 0 {
		return
	}
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(insertHistory, r.Endpoint, r.Symbol, r.FetchedAt.UTC(), string(r.Payload))
	}

	start := time.Now()
	results := h.db.SendBatch(ctx, b)
	defer results.Close()

	written := 0
	var firstErr error
	for range rows {
		if _, err := results.Exec(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}

	atomic.AddInt64(&h.written, int64(written))
	log := h.log.WithComponent("history").WithFields(logger.Fields{
		"rows":     len(rows),
		"written":  written,
		"duration": time.Since(start).String(),
	})
	if firstErr != nil {
		atomic.AddInt64(&h.errors, 1)
		log.WithError(firstErr).Warn("history batch partially failed")
		return
	}
	atomic.AddInt64(&h.flushes, 1)
	log.Debug("history batch written")
}

func (h *History) Stats() metrics.SinkStats {
	return metrics.SinkStats{
		Delivered:  atomic.LoadInt64(&h.written),
		Flushes:    atomic.LoadInt64(&h.flushes),
		Errors:     atomic.LoadInt64(&h.errors),
		Dropped:    h.dropped.Load(),
		PendingLen: len(h.rows),
		PendingCap: cap(h.rows),
	}
}
