package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DeleteObjects accepts at most this many keys per request.
const deleteBatch = 1000

// Gateway builds bucket handles from storage settings. All handles share one
// HTTP client so connections are pooled across jobs.
type Gateway struct {
	HTTPClient     *http.Client
	MaxRetries     int
	RetryBaseDelay time.Duration

	log *slog.Logger
}

func NewGateway(log *slog.Logger) *Gateway {
	return &Gateway{
		HTTPClient: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		MaxRetries:     3,
		RetryBaseDelay: 300 * time.Millisecond,
		log:            log.With("component", "r2"),
	}
}

// Bucket is an object store bound to one set of credentials.
type Bucket struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      entities.StorageConfig

	maxRetries     int
	retryBaseDelay time.Duration
	log            *slog.Logger
}

// Bind creates a client for cfg. Callers fetch cfg fresh for every job or
// request, so nothing is cached here.
func (g *Gateway) Bind(ctx context.Context, cfg entities.StorageConfig) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "auto" // R2
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion(region),
		config.WithHTTPClient(g.HTTPClient),
		config.WithRetryMaxAttempts(1),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", entities.ErrStorageUnavailable, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &Bucket{
		client:         client,
		uploader:       manager.NewUploader(client),
		cfg:            cfg,
		maxRetries:     g.MaxRetries,
		retryBaseDelay: g.RetryBaseDelay,
		log:            g.log.With("bucket", cfg.Bucket),
	}, nil
}

// Put stores payload under key, overwriting any existing object. Transient
// failures are retried with jittered backoff before giving up.
func (b *Bucket) Put(ctx context.Context, key string, payload []byte) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(ContentType(key)),
		})
		if err == nil {
			return nil
		}
		if attempt > b.maxRetries || ctx.Err() != nil {
			break
		}

		b.log.Debug("put failed, retrying", "key", key, "attempt", attempt, "err", err)
		timer := time.NewTimer(b.backoffDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	return fmt.Errorf("%w: put %q: %v", entities.ErrStorageUnavailable, key, err)
}

func (b *Bucket) backoffDelay(attempt int) time.Duration {
	delay := b.retryBaseDelay << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: object %q", entities.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: get %q: %v", entities.ErrStorageUnavailable, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body for %q: %v", entities.ErrStorageUnavailable, key, err)
	}
	return data, nil
}

// DeleteMany removes keys in batches. Every per-key failure is collected;
// the returned error wraps ErrStorageUnavailable when any key survived.
func (b *Bucket) DeleteMany(ctx context.Context, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.cfg.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete batch of %d: %w", len(objects), err))
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("delete %q: %s %s",
				aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", entities.ErrStorageUnavailable, errors.Join(errs...))
	}
	return nil
}

func (b *Bucket) URL(key string) string {
	return b.cfg.URL(key)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
