package health

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BucketAPI is the subset of the S3 client used by S3Checker.
type BucketAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Checker implements health checking for the S3 state bucket.
type S3Checker struct {
	api    BucketAPI
	bucket string
}

// NewS3Checker creates a checker for bucket.
func NewS3Checker(api BucketAPI, bucket string) *S3Checker {
	return &S3Checker{
		api:    api,
		bucket: bucket,
	}
}

// HealthCheck issues HeadBucket, which fails when the bucket is missing or the
// credentials cannot read it.
func (s *S3Checker) HealthCheck(ctx context.Context) error {
	if s.bucket == "" {
		return fmt.Errorf("s3 bucket not configured")
	}
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %q unreachable: %w", s.bucket, err)
	}
	return nil
}
