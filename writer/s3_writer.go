package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// chainRow is the parquet schema for persisted chain snapshots.
type chainRow struct {
	Ticker            string  `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryDate        string  `parquet:"name=expiry_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike            float64 `parquet:"name=strike, type=DOUBLE"`
	OptionType        string  `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bid               float64 `parquet:"name=bid, type=DOUBLE"`
	Ask               float64 `parquet:"name=ask, type=DOUBLE"`
	LastPrice         float64 `parquet:"name=last_price, type=DOUBLE"`
	ImpliedVolatility float64 `parquet:"name=implied_volatility, type=DOUBLE"`
	OpenInterest      int64   `parquet:"name=open_interest, type=INT64"`
	SpotPrice         float64 `parquet:"name=spot_price, type=DOUBLE"`
	Timestamp         int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Source            string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// predictionRow is the parquet schema for persisted prediction records.
type predictionRow struct {
	RunID             string  `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ticker            string  `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryDate        string  `parquet:"name=expiry_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike            float64 `parquet:"name=strike, type=DOUBLE"`
	OptionType        string  `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ModelPrice        float64 `parquet:"name=model_price, type=DOUBLE"`
	MarketPrice       float64 `parquet:"name=market_price, type=DOUBLE"`
	MarketPriceSource string  `parquet:"name=market_price_source, type=BYTE_ARRAY, convertedtype=UTF8"`
	MispricingPct     float64 `parquet:"name=mispricing_pct, type=DOUBLE"`
	Signal            string  `parquet:"name=signal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Delta             float64 `parquet:"name=delta, type=DOUBLE"`
	Gamma             float64 `parquet:"name=gamma, type=DOUBLE"`
	Vega              float64 `parquet:"name=vega, type=DOUBLE"`
	Theta             float64 `parquet:"name=theta, type=DOUBLE"`
	Rho               float64 `parquet:"name=rho, type=DOUBLE"`
	CreatedAt         int64   `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter implements the ParquetFile interface for in-memory writing.
type memFileWriter struct {
	buffer *bytes.Buffer
}

func newMemFileWriter() *memFileWriter {
	return &memFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memFileWriter) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(name string) (source.ParquetFile, error)  { return m, nil }
func (m *memFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}
func (m *memFileWriter) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memFileWriter) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                { return nil }
func (m *memFileWriter) Bytes() []byte               { return m.buffer.Bytes() }

// S3Sink persists run batches as parquet objects in S3. Each run writes a
// chain snapshot object and a predictions object under keys derived from
// the run ID, so retried commits overwrite rather than duplicate.
type S3Sink struct {
	cfg      appconfig.S3Config
	s3Client *s3.Client
	attempts int
	log      *logger.Log
}

// NewS3Sink configures the AWS SDK and validates credentials, mirroring the
// rest of the service's fail-fast startup behaviour.
func NewS3Sink(cfg appconfig.S3Config) (*S3Sink, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	attempts := cfg.UploadAttempts
	if attempts < 1 {
		attempts = 1
	}

	log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 sink initialized")

	return &S3Sink{cfg: cfg, s3Client: s3Client, attempts: attempts, log: log}, nil
}

// WriteBatch uploads the chain snapshot then the prediction records. Any
// failure after the upload retry budget marks the whole batch failed; the
// caller reports the run failed and nothing is considered committed.
func (s *S3Sink) WriteBatch(ctx context.Context, batch Batch) error {
	log := s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"run_id":  batch.RunID,
		"ticker":  batch.Ticker,
		"expiry":  batch.ExpiryDate,
		"records": len(batch.Records),
	})

	chainData, err := s.encodeChain(batch.Chain)
	if err != nil {
		return fmt.Errorf("encode chain snapshot: %w: %v", models.ErrPersistenceFailure, err)
	}
	predictionData, err := s.encodePredictions(batch.RunID, batch.Records)
	if err != nil {
		return fmt.Errorf("encode predictions: %w: %v", models.ErrPersistenceFailure, err)
	}

	if err := s.upload(ctx, s.objectKey(batch, "chain"), chainData); err != nil {
		return fmt.Errorf("upload chain snapshot: %w: %v", models.ErrPersistenceFailure, err)
	}
	if err := s.upload(ctx, s.objectKey(batch, "predictions"), predictionData); err != nil {
		return fmt.Errorf("upload predictions: %w: %v", models.ErrPersistenceFailure, err)
	}

	log.WithFields(logger.Fields{
		"chain_bytes":      len(chainData),
		"prediction_bytes": len(predictionData),
	}).Info("batch committed")

	log.LogMetric("s3_sink", "batch_records_written", len(batch.Records), "counter", logger.Fields{
		"ticker": batch.Ticker,
	})

	return nil
}

func (s *S3Sink) encodeChain(quotes []models.OptionContractQuote) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := parquetwriter.NewParquetWriter(mw, new(chainRow), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, q := range quotes {
		row := chainRow{
			Ticker:            q.Ticker,
			ExpiryDate:        q.ExpiryDate,
			Strike:            q.Strike,
			OptionType:        string(q.OptionType),
			Bid:               q.Bid,
			Ask:               q.Ask,
			LastPrice:         q.LastPrice,
			ImpliedVolatility: q.ImpliedVolatility,
			OpenInterest:      q.OpenInterest,
			SpotPrice:         q.SpotPrice,
			Timestamp:         q.Timestamp.UnixMilli(),
			Source:            q.Source,
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (s *S3Sink) encodePredictions(runID string, records []models.PredictionRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := parquetwriter.NewParquetWriter(mw, new(predictionRow), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range records {
		row := predictionRow{
			RunID:             runID,
			Ticker:            r.Ticker,
			ExpiryDate:        r.ExpiryDate,
			Strike:            r.Strike,
			OptionType:        string(r.OptionType),
			ModelPrice:        r.ModelPrice,
			MarketPrice:       r.MarketPrice,
			MarketPriceSource: string(r.MarketPriceSource),
			MispricingPct:     r.MispricingPct,
			Signal:            r.Signal,
			Delta:             r.Delta,
			Gamma:             r.Gamma,
			Vega:              r.Vega,
			Theta:             r.Theta,
			Rho:               r.Rho,
			CreatedAt:         r.CreatedAt.UnixMilli(),
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (s *S3Sink) upload(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.WithComponent("s3_sink").WithError(err).WithFields(logger.Fields{
			"s3_key":  key,
			"attempt": attempt,
		}).Warn("upload failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// objectKey partitions batches by ticker, expiry and snapshot date, with
// the run ID in the filename as the idempotency key.
func (s *S3Sink) objectKey(batch Batch, kind string) string {
	parts := []string{}
	if s.cfg.Prefix != "" {
		parts = append(parts, s.cfg.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("ticker=%s", batch.Ticker),
		fmt.Sprintf("expiry=%s", batch.ExpiryDate),
		fmt.Sprintf("date=%s", batch.CreatedAt.UTC().Format("2006-01-02")),
		fmt.Sprintf("%s_%s.parquet", kind, batch.RunID),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}
