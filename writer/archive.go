package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/store"
	"feedflow/logger"
)

// AggregateRecord is one row of the daily aggregate parquet file.
type AggregateRecord struct {
	Key         string `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Period      string `parquet:"name=period, type=BYTE_ARRAY, convertedtype=UTF8"`
	Count       int64  `parquet:"name=count, type=INT64"`
	FirstAt     int64  `parquet:"name=first_at, type=INT64"`
	LastAt      int64  `parquet:"name=last_at, type=INT64"`
	LastSeq     int64  `parquet:"name=last_seq, type=INT64"`
	LastPayload string `parquet:"name=last_payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Uploader is the part of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AggregateSource reads the daily aggregates of a period.
type AggregateSource interface {
	Aggregates(ctx context.Context, period string) ([]store.Aggregate, error)
}

// memoryFile implements source.ParquetFile over an in-memory buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

// Seek is not needed for sequential writes.
func (m *memoryFile) Seek(int64, int) (int64, error) { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)     { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)    { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                   { return nil }
func (m *memoryFile) Bytes() []byte                  { return m.buffer.Bytes() }

// Archiver uploads each completed day's aggregates to S3 as one parquet file.
type Archiver struct {
	cfg      config.ArchiveConfig
	source   AggregateSource
	uploader Uploader
	version  string
	log      *logger.Log
	now      func() time.Time

	mu       sync.Mutex
	archived map[string]bool

	rows    int64
	objects int64
	bytes   int64
	errors  int64
}

// NewS3Uploader builds an S3 client from the default AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func NewArchiver(cfg config.ArchiveConfig, src AggregateSource, uploader Uploader, version string, log *logger.Log) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	if src == nil || uploader == nil {
		return nil, fmt.Errorf("archive requires an aggregate source and an uploader")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Archiver{
		cfg:      cfg,
		source:   src,
		uploader: uploader,
		version:  version,
		log:      log,
		now:      time.Now,
		archived: make(map[string]bool),
	}, nil
}

// Run archives the previous day on start and then on every interval until ctx
// is cancelled. A day is uploaded once per process.
func (a *Archiver) Run(ctx context.Context) {
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":   a.cfg.Bucket,
		"interval": a.cfg.Interval.String(),
	})
	log.Info("archive writer started")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.archivePrevious(ctx)
		metrics.ReportSink(a.log, "archive", a.Stats())
		select {
		case <-ctx.Done():
			log.Info("archive writer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (a *Archiver) archivePrevious(ctx context.Context) {
	period := store.Period(a.now().UTC().AddDate(0, 0, -1))
	a.mu.Lock()
	done := a.archived[period]
	a.mu.Unlock()
	if done {
		return
	}
	if _, err := a.ArchivePeriod(ctx, period); err != nil {
		a.log.WithComponent("archive").WithError(err).WithField("period", period).Warn("failed to archive aggregates")
		return
	}
	a.mu.Lock()
	a.archived[period] = true
	a.mu.Unlock()
}

// ArchivePeriod uploads the aggregates of period and returns the object key.
// An empty period uploads nothing and returns an empty key.
func (a *Archiver) ArchivePeriod(ctx context.Context, period string) (string, error) {
	aggs, err := a.source.Aggregates(ctx, period)
	if err != nil {
		atomic.AddInt64(&a.errors, 1)
		return "", err
	}
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"period":  period,
		"records": len(aggs),
	})
	if len(aggs) == 0 {
		log.Debug("no aggregates for period, skipping")
		return "", nil
	}

	data, err := a.encode(aggs)
	if err != nil {
		atomic.AddInt64(&a.errors, 1)
		return "", err
	}

	key := a.objectKey(period)
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"period":           period,
			"feedflow-version": a.version,
		},
	})
	if err != nil {
		atomic.AddInt64(&a.errors, 1)
		return "", fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}

	atomic.AddInt64(&a.rows, int64(len(aggs)))
	atomic.AddInt64(&a.objects, 1)
	atomic.AddInt64(&a.bytes, int64(len(data)))
	logger.LogDataFlowEntry(log, "aggregates", "s3", len(aggs), "rows")
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("aggregates archived")
	return key, nil
}

// objectKey lays files out as <prefix>/date=YYYY-MM-DD/aggregates_<period>_<id>.parquet.
func (a *Archiver) objectKey(period string) string {
	date := period
	if t, err := time.Parse("20060102", period); err == nil {
		date = t.Format("2006-01-02")
	}
	name := fmt.Sprintf("aggregates_%s_%s.parquet", period, uuid.NewString())
	return path.Join(a.cfg.Prefix, "date="+date, name)
}

func (a *Archiver) encode(aggs []store.Aggregate) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := pqwriter.NewParquetWriter(fw, new(AggregateRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, agg := range aggs {
		rec := AggregateRecord{
			Key:         agg.Key,
			Period:      agg.Period,
			Count:       agg.Count,
			FirstAt:     agg.FirstAt.UnixMilli(),
			LastAt:      agg.LastAt.UnixMilli(),
			LastSeq:     agg.LastSeq,
			LastPayload: agg.LastPayload,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

// Stats counts archived aggregate rows as delivered and uploaded objects as
// flushes.
func (a *Archiver) Stats() metrics.SinkStats {
	return metrics.SinkStats{
		Delivered: atomic.LoadInt64(&a.rows),
		Flushes:   atomic.LoadInt64(&a.objects),
		Bytes:     atomic.LoadInt64(&a.bytes),
		Errors:    atomic.LoadInt64(&a.errors),
	}
}
