package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3ObjectStore binds the fan-out to an S3-compatible bucket (AWS S3,
// Cloudflare R2, MinIO). Put-if-absent uses conditional writes
// (If-None-Match: *) so concurrent writers of the same key cannot diverge.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// S3Config holds bucket configuration.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for R2/MinIO
}

// NewS3ObjectStore creates an S3-backed object store.
func NewS3ObjectStore(ctx context.Context, cfg S3Config) (*S3ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3ObjectStore) PutIfAbsent(ctx context.Context, key string, payload []byte, metadata map[string]string) (bool, []byte, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json; charset=utf-8"),
		Metadata:    metadata,
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		existing, getErr := s.Get(ctx, key)
		if getErr != nil {
			return false, nil, fmt.Errorf("s3 conflict readback %s: %w", key, getErr)
		}
		return false, existing, nil
	}
	return false, nil, fmt.Errorf("s3 put %s: %w", key, err)
}

func (s *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
