package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Issuer presigns PutObject requests for an S3-compatible bucket.
// SigV4 presigning has no start time, so the window opens at "now".
type S3Issuer struct {
	presign    *s3.PresignClient
	bucket     string
	publicBase string
	now        func() time.Time
}

// NewS3Issuer wraps a presign client. publicBase is the URL prefix objects are readable at.
func NewS3Issuer(client *s3.Client, bucket, publicBase string, now func() time.Time) *S3Issuer {
	return &S3Issuer{
		presign:    s3.NewPresignClient(client),
		bucket:     bucket,
		publicBase: publicBase,
		now:        nowFunc(now),
	}
}

// IssueUploadGrant presigns a PUT for blobName. ContentType is a signed header, so the client
// must send the same Content-Type on upload.
func (s *S3Issuer) IssueUploadGrant(ctx context.Context, blobName, contentType string, ttl time.Duration) (Grant, error) {
	ttl = ClampTTL(ttl)
	now := s.now().UTC()

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(blobName),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl), s3.WithPresignClientFromClientOptions(signContentType(contentType)))
	if err != nil {
		return Grant{}, fmt.Errorf("presign put %q: %w", blobName, err)
	}

	return Grant{
		PutURL:    req.URL,
		PublicURL: ObjectURL(s.publicBase, blobName),
		BlobPath:  blobName,
		StartsAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// signContentType puts Content-Type back on the request before SigV4 runs. The presign
// stack drops it for bodiless requests, which would leave only "host" signed.
func signContentType(contentType string) func(*s3.Options) {
	restore := middleware.BuildMiddlewareFunc("SignedContentType", func(
		ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler,
	) (middleware.BuildOutput, middleware.Metadata, error) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			req.Header.Set("Content-Type", contentType)
		}
		return next.HandleBuild(ctx, in)
	})
	return func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
			return stack.Build.Add(restore, middleware.After)
		})
	}
}

var _ Issuer = (*S3Issuer)(nil)
