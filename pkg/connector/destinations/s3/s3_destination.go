// Package s3 stores ARCs as objects in an S3 bucket, one object per
// record group under <prefix>/<id>.json with an optional compression
// suffix.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/url"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/compression"
	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/models"
)

const contentType = "application/ld+json"

// Uploader is the subset of manager.Uploader used by the destination
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Destination is a core.Sink writing one object per artifact
type S3Destination struct {
	bucket     string
	prefix     string
	uploader   Uploader
	compressor compression.Compressor
	logger     *zap.Logger

	filesCreated atomic.Int64
	bytesWritten atomic.Int64
	failed       atomic.Int64
}

// NewS3Destination creates a destination using uploader
func NewS3Destination(uploader Uploader, cfg config.S3Config, logger *zap.Logger) (*S3Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 bucket is required")
	}
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid s3.compression")
	}
	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: algo})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid s3.compression")
	}

	return &S3Destination{
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		uploader:   uploader,
		compressor: compressor,
		logger:     logger.With(zap.String("component", "s3_sink"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Open loads AWS credentials from the environment, checks bucket access
// and returns a destination.
func Open(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Destination, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, clientOptions(cfg))

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "cannot access bucket %s", cfg.Bucket)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSizeMB > 0 {
			u.PartSize = int64(cfg.PartSizeMB) << 20
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})
	return NewS3Destination(uploader, cfg, logger)
}

// clientOptions configures the S3 client. The SDK retryer is disabled: a
// failed upload is recorded as a failure and left to the next run.
func clientOptions(cfg config.S3Config) func(*s3.Options) {
	return func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}
}

func (d *S3Destination) Name() string { return "s3" }

// Key returns the object key for id
func (d *S3Destination) Key(id string) string {
	return path.Join(d.prefix, url.PathEscape(id)+".json"+d.compressor.Extension())
}

// Upload writes artifact to its object. Overwrites are allowed, so a rerun
// replaces the previous version.
func (d *S3Destination) Upload(ctx context.Context, id string, artifact models.Artifact) error {
	start := time.Now()
	body, err := d.compressor.Compress(artifact)
	if err != nil {
		d.failed.Add(1)
		return errors.Wrap(err, errors.ErrorTypeUpload, "failed to compress artifact").
			WithDetail(errors.DetailReason, models.ReasonError).
			WithDetail(errors.DetailID, id)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.Key(id)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"record-id":         id,
			"uncompressed-size": strconv.Itoa(artifact.Size()),
		},
	}
	if enc := d.compressor.ContentEncoding(); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}

	result, err := d.uploader.Upload(ctx, input)
	if err != nil {
		d.failed.Add(1)
		e := errors.Wrap(err, errors.ErrorTypeUpload, "failed to upload to S3").
			WithDetail(errors.DetailID, id).
			WithDetail(errors.DetailReason, models.ReasonTransport)
		var respErr *awshttp.ResponseError
		if stderrors.As(err, &respErr) {
			e = e.WithDetail(errors.DetailReason, models.ReasonHTTPStatus).
				WithDetail(errors.DetailStatus, respErr.HTTPStatusCode())
		}
		return e
	}

	d.filesCreated.Add(1)
	d.bytesWritten.Add(int64(len(body)))
	d.logger.Debug("artifact uploaded to S3",
		zap.String("id", id),
		zap.String("location", result.Location),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (d *S3Destination) Close(context.Context) error {
	d.logger.Info("s3 sink closed",
		zap.Int64("files_created", d.filesCreated.Load()),
		zap.Int64("bytes_written", d.bytesWritten.Load()),
		zap.Int64("failed", d.failed.Load()))
	return nil
}

// Metrics returns upload counters
func (d *S3Destination) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"files_created": d.filesCreated.Load(),
		"bytes_written": d.bytesWritten.Load(),
		"failed":        d.failed.Load(),
	}
}
