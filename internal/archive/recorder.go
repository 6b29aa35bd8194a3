// Package archive persists applied order book updates to S3 as parquet.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"cryptostream/config"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
)

// bookRecord is the parquet layout of one flattened price level.
type bookRecord struct {
	Venue      string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64   `parquet:"name=sequence, type=INT64"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Size       float64 `parquet:"name=size, type=DOUBLE"`
	Level      int32   `parquet:"name=level, type=INT32"`
	EventTime  int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedAt int64   `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// uploader is the subset of the S3 client used by the recorder.
type uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type batch struct {
	id        string
	venue     string
	symbol    string
	entries   []models.FlattenedBookEntry
	timestamp time.Time
}

// Recorder drains book updates from in, batches them per venue and symbol
// and uploads each batch as one parquet object.
type Recorder struct {
	archive config.ArchiveConfig
	bucket  string
	in      <-chan models.BookUpdate
	s3      uploader
	now     func() time.Time

	mu      sync.Mutex
	buffer  map[string][]models.FlattenedBookEntry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewRecorder builds a recorder with an S3 client from cfg.Storage.S3.
func NewRecorder(cfg *config.Config, in <-chan models.BookUpdate) (*Recorder, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})
	return newRecorder(cfg.Archive, s3cfg.Bucket, in, client), nil
}

func newRecorder(archive config.ArchiveConfig, bucket string, in <-chan models.BookUpdate, up uploader) *Recorder {
	return &Recorder{
		archive: archive,
		bucket:  bucket,
		in:      in,
		s3:      up,
		now:     time.Now,
		buffer:  make(map[string][]models.FlattenedBookEntry),
		log:     logger.GetLogger().WithComponent("archive"),
	}
}

// Start launches the consumer and the periodic flush. It returns once the
// goroutines are running.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("archive recorder already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	interval := r.archive.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	r.wg.Add(2)
	go r.consume(ctx)
	go r.flushLoop(ctx, interval)

	r.log.WithFields(logger.Fields{
		"bucket":         r.bucket,
		"flush_interval": interval.String(),
		"max_records":    r.archive.MaxRecords,
	}).Info("archive recorder started")
	return nil
}

// Stop waits for the goroutines and uploads whatever is still buffered.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.flushAll(context.Background())
	r.log.Info("archive recorder stopped")
}

func (r *Recorder) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-r.in:
			if !ok {
				return
			}
			r.add(ctx, u)
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushAll(ctx)
		}
	}
}

func bufferKey(venue, symbol string) string { return venue + "|" + symbol }

func (r *Recorder) add(ctx context.Context, u models.BookUpdate) {
	entries := u.Flatten()
	if len(entries) == 0 {
		return
	}
	key := bufferKey(u.Venue, u.Symbol)

	r.mu.Lock()
	r.buffer[key] = append(r.buffer[key], entries...)
	size := len(r.buffer[key])
	var full []models.FlattenedBookEntry
	if r.archive.MaxRecords > 0 && size >= r.archive.MaxRecords {
		full = r.buffer[key]
		delete(r.buffer, key)
	}
	r.mu.Unlock()

	if full != nil {
		r.write(context.WithoutCancel(ctx), r.newBatch(key, full))
	}
}

func (r *Recorder) flushAll(ctx context.Context) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.FlattenedBookEntry)
	r.mu.Unlock()

	keys := make([]string, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(buffers[k]) > 0 {
			r.write(context.WithoutCancel(ctx), r.newBatch(k, buffers[k]))
		}
	}
}

func (r *Recorder) newBatch(key string, entries []models.FlattenedBookEntry) batch {
	venue, symbol, _ := strings.Cut(key, "|")
	return batch{
		id:        uuid.New().String(),
		venue:     venue,
		symbol:    symbol,
		entries:   entries,
		timestamp: r.now().UTC(),
	}
}

func (r *Recorder) write(ctx context.Context, b batch) {
	start := time.Now()
	data, err := encode(b.entries, r.archive.Compression)
	if err != nil {
		r.log.WithError(err).Error("encode parquet failed")
		metrics.ArchiveUpload(0, err)
		return
	}
	key := r.objectKey(b)
	_, err = r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	metrics.ArchiveUpload(int64(len(data)), err)
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("upload to s3 failed")
		return
	}
	logger.LogPerformanceEntry(r.log, "archive", "upload", time.Since(start), logger.Fields{
		"s3_key":  key,
		"records": len(b.entries),
		"bytes":   len(data),
	})
	logger.LogDataFlowEntry(r.log, b.venue, "s3", len(b.entries), "orderbook")
}

// objectKey expands the partitioning scheme for b and appends the file name.
func (r *Recorder) objectKey(b batch) string {
	ts := b.timestamp
	symbol := strings.NewReplacer("/", "-", ":", "-").Replace(b.symbol)
	scheme := r.archive.Partitioning.Scheme
	if scheme == "" {
		scheme = "exchange={venue}/symbol={symbol}/year={year}/month={month}/day={day}/hour={hour}"
	}
	prefix := strings.NewReplacer(
		"{venue}", b.venue,
		"{symbol}", symbol,
		"{year}", fmt.Sprintf("%04d", ts.Year()),
		"{month}", fmt.Sprintf("%02d", int(ts.Month())),
		"{day}", fmt.Sprintf("%02d", ts.Day()),
		"{hour}", fmt.Sprintf("%02d", ts.Hour()),
	).Replace(scheme)

	parts := []string{prefix}
	for _, k := range r.archive.Partitioning.AdditionalKeys {
		switch k {
		case "date":
			parts = append(parts, "date="+ts.Format("2006-01-02"))
		case "batch":
			parts = append(parts, "batch="+b.id)
		default:
			r.log.WithFields(logger.Fields{"key": k}).Debug("unknown partition key ignored")
		}
	}
	name := fmt.Sprintf("book_%s_%s_%d_%s.parquet", b.venue, symbol, ts.UnixNano(), b.id)
	return path.Join(append(parts, name)...)
}

// memFile collects parquet output in memory.
type memFile struct{ buf *bytes.Buffer }

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buf.Bytes() }

func codec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func encode(entries []models.FlattenedBookEntry, compression string) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(bookRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = codec(compression)
	for _, e := range entries {
		rec := bookRecord{
			Venue:      e.Venue,
			Symbol:     e.Symbol,
			Kind:       e.Kind,
			Sequence:   e.Sequence,
			Side:       e.Side,
			Price:      e.Price,
			Size:       e.Size,
			Level:      int32(e.Level),
			EventTime:  e.EventTime,
			ReceivedAt: e.ReceivedAt,
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet: %w", err)
	}
	return mf.Bytes(), nil
}
