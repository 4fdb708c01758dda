package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

// S3AdapterConfig holds configuration for an S3-backed adapter.
type S3AdapterConfig struct {
	Bucket      string
	Prefix      string
	Region      string
	EndpointURL string
	AccessKey   string
	SecretKey   string
	MaxRetries  int
	Timeout     time.Duration
	// ClearConcurrency bounds parallel deletes during Clear.
	ClearConcurrency int
}

// DefaultS3AdapterConfig returns default S3 adapter configuration.
func DefaultS3AdapterConfig() S3AdapterConfig {
	return S3AdapterConfig{
		Region:           "us-east-1",
		MaxRetries:       3,
		Timeout:          30 * time.Second,
		ClearConcurrency: 10,
	}
}

// S3Adapter exposes an S3 bucket (optionally under a key prefix) as a
// key-value Adapter. Each stored key maps to one object.
type S3Adapter struct {
	client *s3.Client
	bucket string
	prefix string
	config S3AdapterConfig
}

// NewS3Adapter creates an S3-backed adapter.
func NewS3Adapter(ctx context.Context, cfg S3AdapterConfig) (*S3Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 adapter requires a bucket")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClearConcurrency <= 0 {
		cfg.ClearConcurrency = 10
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	configOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		configOptions = append(configOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		config: cfg,
	}, nil
}

func (a *S3Adapter) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + key
}

func (a *S3Adapter) storageKey(objectKey string) string {
	if a.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, strings.TrimSuffix(a.prefix, "/")+"/")
}

// classifyS3Error maps SDK errors into the storage taxonomy.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return WrapKind(KindAccessDenied, err)
		case "QuotaExceeded", "ServiceQuotaExceededException", "SlowDown":
			return WrapKind(KindQuotaExceeded, err)
		case "RequestTimeout":
			return WrapKind(KindTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapKind(KindTimeout, err)
	}
	return WrapKind(KindNetworkError, err)
}

// GetItem fetches the object stored under key.
func (a *S3Adapter) GetItem(ctx context.Context, key string) (string, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return "", ErrKeyNotFound
		}
		return "", classifyS3Error(err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return "", classifyS3Error(err)
	}
	return string(raw), nil
}

// SetItem writes value as the object body for key.
func (a *S3Adapter) SetItem(ctx context.Context, key, value string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
		Body:   strings.NewReader(value),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// RemoveItem deletes the object for key. S3 deletes are idempotent.
func (a *S3Adapter) RemoveItem(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// Clear deletes every object under the adapter's prefix with bounded
// parallelism.
func (a *S3Adapter) Clear(ctx context.Context) error {
	keys, err := a.Keys(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.ClearConcurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			return a.RemoveItem(gctx, key)
		})
	}

	return g.Wait()
}

// Keys lists all keys under the adapter's prefix.
func (a *S3Adapter) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, a.storageKey(*obj.Key))
		}
	}

	return keys, nil
}

// BackendName identifies this adapter.
func (a *S3Adapter) BackendName() string {
	return "s3"
}
