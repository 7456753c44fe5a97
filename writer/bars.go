package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// ParquetRecord is the on-disk row layout for validated bars.
type ParquetRecord struct {
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe    string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Close        float64 `parquet:"name=close, type=DOUBLE"`
	Volume       int64   `parquet:"name=volume, type=INT64"`
	Source       string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	QualityScore float64 `parquet:"name=quality_score, type=DOUBLE"`
	Verified     bool    `parquet:"name=verified, type=BOOLEAN"`
}

// memoryFileWriter satisfies the parquet source interface against an
// in-memory buffer, so files are assembled without touching local disk.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }

// Seek is append-only here; the parquet writer never seeks backwards when
// only writing.
func (m *memoryFileWriter) Seek(int64, int) (int64, error) { return int64(m.buffer.Len()), nil }

func (m *memoryFileWriter) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFileWriter) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFileWriter) Close() error                { return nil }
func (m *memoryFileWriter) Bytes() []byte               { return m.buffer.Bytes() }

// BarWriter drains validated batches, buffers them per symbol and
// timeframe, and flushes parquet files to S3 on an interval or when the
// buffer grows past its limit.
type BarWriter struct {
	config   *appconfig.Config
	in       <-chan models.ValidatedBatch
	s3Client *s3.Client
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	buffer      map[string][]models.ValidatedBatch
	buffered    int
	flushTicker *time.Ticker
}

func NewBarWriter(cfg *appconfig.Config, in <-chan models.ValidatedBatch) (*BarWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &BarWriter{
		config:   cfg,
		in:       in,
		s3Client: client,
		log:      log,
		buffer:   make(map[string][]models.ValidatedBatch),
	}

	log.WithComponent("bar_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("bar writer initialized")

	return w, nil
}

func (w *BarWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("bar writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	interval := w.config.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w.flushTicker = time.NewTicker(interval)

	w.wg.Add(2)
	go w.consumeWorker()
	go w.flushWorker()

	w.log.WithComponent("bar_writer").WithFields(logger.Fields{
		"flush_interval": interval,
	}).Info("bar writer started")
	return nil
}

func (w *BarWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("bar_writer").Info("stopping bar writer")
	w.wg.Wait()
	w.log.WithComponent("bar_writer").Info("bar writer stopped")
}

func (w *BarWriter) consumeWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("bar_writer").WithFields(logger.Fields{"worker": "consume"})
	log.Info("starting consume worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("consume worker stopped due to context cancellation")
			return
		case batch, ok := <-w.in:
			if !ok {
				log.Info("validated channel closed, worker stopping")
				return
			}
			w.addBatch(batch)
		}
	}
}

func (w *BarWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("bar_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *BarWriter) addBatch(batch models.ValidatedBatch) {
	if len(batch.Bars) == 0 {
		return
	}

	key := bufferKey(batch.Symbol, batch.Timeframe)
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], batch)
	w.buffered += len(batch.Bars)
	full := w.config.Writer.MaxBuffered > 0 && w.buffered >= w.config.Writer.MaxBuffered
	w.mu.Unlock()

	if full {
		w.flushBuffers("buffer_full")
	}
}

func bufferKey(symbol string, timeframe models.Timeframe) string {
	return fmt.Sprintf("%s|%s", symbol, timeframe)
}

func (w *BarWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.ValidatedBatch)
	w.buffered = 0
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("bar_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for _, batches := range buffers {
		w.processBatches(batches)
	}
}

// processBatches merges every buffered batch for one symbol/timeframe pair
// into a single parquet object.
func (w *BarWriter) processBatches(batches []models.ValidatedBatch) {
	if len(batches) == 0 {
		return
	}
	head := batches[0]
	last := batches[len(batches)-1]

	records := make([]ParquetRecord, 0, len(batches))
	for _, batch := range batches {
		records = append(records, toRecords(batch)...)
	}

	log := w.log.WithComponent("bar_writer").WithFields(logger.Fields{
		"symbol":    head.Symbol,
		"timeframe": head.Timeframe,
		"records":   len(records),
	})
	if len(records) == 0 {
		log.Debug("no records after filtering, skipping")
		return
	}

	key := w.objectKey(head.Symbol, head.Timeframe, last.ProducedAt)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.createParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.upload(key, data, last); err != nil {
		log.WithError(err).
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("batch flushed to S3")
}

// toRecords flattens one validated batch, dropping bars with no timestamp
// so placeholder rows never reach storage.
func toRecords(batch models.ValidatedBatch) []ParquetRecord {
	records := make([]ParquetRecord, 0, len(batch.Bars))
	for _, bar := range batch.Bars {
		if bar.Timestamp.IsZero() {
			continue
		}
		records = append(records, ParquetRecord{
			Symbol:       batch.Symbol,
			Timeframe:    string(batch.Timeframe),
			Timestamp:    bar.Timestamp.UTC().UnixMilli(),
			Open:         bar.Open.InexactFloat64(),
			High:         bar.High.InexactFloat64(),
			Low:          bar.Low.InexactFloat64(),
			Close:        bar.Close.InexactFloat64(),
			Volume:       bar.Volume,
			Source:       bar.Source,
			QualityScore: batch.Report.QualityScore,
			Verified:     batch.Fingerprint.Verified,
		})
	}
	return records
}

// objectKey builds a hive-partitioned S3 key:
// prefix/symbol=X/timeframe=Y/year=.../month=.../day=.../barflow_X_Y_ts.parquet
func (w *BarWriter) objectKey(symbol string, timeframe models.Timeframe, at time.Time) string {
	at = at.UTC()
	parts := []string{}
	if p := strings.Trim(w.config.Storage.S3.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("timeframe=%s", timeframe),
		fmt.Sprintf("year=%04d", at.Year()),
		fmt.Sprintf("month=%02d", at.Month()),
		fmt.Sprintf("day=%02d", at.Day()),
		fmt.Sprintf("barflow_%s_%s_%s.parquet", symbol, timeframe, at.Format("20060102150405")),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func (w *BarWriter) createParquetFile(records []ParquetRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := pqwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Storage.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *BarWriter) upload(key string, data []byte, last models.ValidatedBatch) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     w.config.Storage.Parquet.Compression,
			"barflow-version": w.config.Barflow.Version,
			"quality-score":   fmt.Sprintf("%.2f", last.Report.QualityScore),
			"chain-hash":      last.Fingerprint.ChainHash,
		},
	}

	// Shutdown flushes must finish even though the run context is gone.
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
