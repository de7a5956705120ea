package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/asad/blobgate/internal/signing"
)

// S3Settings configures an S3-compatible endpoint (AWS, MinIO, Spaces).
type S3Settings struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a path-style S3 client with static credentials.
func NewS3Client(ctx context.Context, cfg S3Settings) (*s3.Client, error) {
	sdkConfig, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load sdk config: %w", err)
	}
	return s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		// MinIO and most S3-compatible services need path-style addressing.
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// S3Backend talks to one bucket.
type S3Backend struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

// NewS3Backend wraps client for bucket. publicBase is the read URL prefix.
func NewS3Backend(client *s3.Client, bucket, publicBase string) *S3Backend {
	return &S3Backend{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

func (s *S3Backend) EnsureContainer(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("s3: head bucket %q: %w", s.bucket, err)
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("s3: create bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Backend) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3: put %q: %w", name, err)
	}
	return nil
}

// DeleteIfExists probes with HeadObject first, because DeleteObject succeeds for missing
// keys and would not tell us whether anything was removed.
func (s *S3Backend) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head %q: %w", name, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return false, fmt.Errorf("s3: delete %q: %w", name, err)
	}
	return true, nil
}

func (s *S3Backend) ObjectURL(name string) string {
	return signing.ObjectURL(s.publicBase, name)
}

var _ Backend = (*S3Backend)(nil)
